package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"botplatform/internal/bot/botlib"
)

func (s *Store) GetBot(ctx context.Context, botID int64) (*botlib.Bot, error) {
	var b botlib.Bot
	var tradingType, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, developer_id, name, version, object_key, exchange_type, trading_type, status, created_at
		FROM bots WHERE id = $1`, botID).Scan(
		&b.ID, &b.DeveloperID, &b.Name, &b.Version, &b.ObjectKey, &b.ExchangeType, &tradingType, &status, &b.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.TradingType = botlib.TradingType(tradingType)
	b.Status = botlib.BotStatus(status)
	return &b, nil
}

// LatestApprovedVersion resolves the newest APPROVED bot_files version for
// a bot, used when a subscription has no pinned_version (spec §4.D).
func (s *Store) LatestApprovedVersion(ctx context.Context, botID int64) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx, `
		SELECT bf.version FROM bot_files bf
		JOIN bots b ON b.id = bf.bot_id
		WHERE bf.bot_id = $1 AND b.status = 'APPROVED'
		ORDER BY bf.version DESC LIMIT 1`, botID).Scan(&version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return version, nil
}

func (s *Store) GetBotFile(ctx context.Context, botID int64, version, fileType string) (*botlib.BotFile, error) {
	var f botlib.BotFile
	err := s.pool.QueryRow(ctx, `
		SELECT bot_id, version, file_type, object_key, sha256, size_bytes
		FROM bot_files WHERE bot_id = $1 AND version = $2 AND file_type = $3`,
		botID, version, fileType).Scan(&f.BotID, &f.Version, &f.FileType, &f.ObjectKey, &f.SHA256, &f.SizeBytes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}
