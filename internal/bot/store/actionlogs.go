package store

import (
	"context"
	"time"

	"botplatform/internal/bot/botlib"
)

// LogAction appends one audit row. Every RunCycle decision — HOLD, BUY,
// SELL, or ERROR — writes exactly one, per spec §7's user-visible behavior.
func (s *Store) LogAction(ctx context.Context, subscriptionID int64, action botlib.LogAction, description string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_logs (subscription_id, action, description) VALUES ($1, $2, $3)`,
		subscriptionID, action, description)
	return err
}

// ConsecutiveFailureCount counts ERROR rows since the most recent non-ERROR
// row for a subscription — an alternate, log-derived view of the same
// streak the subscriptions.consecutive_fails column tracks, for operator
// tooling that only has action-log access. Nothing in this repository
// calls it.
func (s *Store) ConsecutiveFailureCount(ctx context.Context, subscriptionID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM action_logs a
		WHERE a.subscription_id = $1 AND a.action = 'ERROR'
		  AND a.timestamp > COALESCE((
		      SELECT max(timestamp) FROM action_logs
		      WHERE subscription_id = $1 AND action != 'ERROR'
		  ), 'epoch'::timestamptz)`, subscriptionID).Scan(&count)
	return count, err
}

// PruneActionLogs deletes rows older than retention, excluding ERROR rows,
// per spec §4.F's maintenance task. Returns the number of rows removed.
func (s *Store) PruneActionLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM action_logs WHERE timestamp < $1 AND action != 'ERROR'`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
