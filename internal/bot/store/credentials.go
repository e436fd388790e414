package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"botplatform/internal/bot/botlib"
)

// credentialPrecedence is spec §4.E step 2's resolution order: a
// developer's own testing keys win, then the marketplace's shared
// principal, then the end user's own keys.
var credentialPrecedence = []botlib.CredentialType{
	botlib.CredentialDeveloperTesting,
	botlib.CredentialMarketplace,
	botlib.CredentialUser,
}

// ResolveCredentials walks spec §4.E step 2's precedence chain. Each
// candidate owner is checked in order — the bot's developer (testing
// keys), the platform marketplace principal, then the subscribing user —
// and the first active, matching-exchange/network row wins.
func (s *Store) ResolveCredentials(ctx context.Context, developerUserID, marketplaceOwnerID, subscriberUserID int64, exchange string, network botlib.NetworkType) (*botlib.ExchangeCredentials, error) {
	owners := map[botlib.CredentialType]int64{
		botlib.CredentialDeveloperTesting: developerUserID,
		botlib.CredentialMarketplace:      marketplaceOwnerID,
		botlib.CredentialUser:             subscriberUserID,
	}
	for _, credType := range credentialPrecedence {
		ownerID := owners[credType]
		if ownerID == 0 {
			continue
		}
		var c botlib.ExchangeCredentials
		var net, ct string
		err := s.pool.QueryRow(ctx, `
			SELECT owner_user_id, exchange, network, cred_type, api_key, api_secret, passphrase, is_active
			FROM exchange_credentials
			WHERE owner_user_id = $1 AND exchange = $2 AND network = $3 AND cred_type = $4 AND is_active = TRUE
			LIMIT 1`, ownerID, exchange, network, credType).Scan(
			&c.OwnerUserID, &c.Exchange, &net, &ct, &c.APIKey, &c.APISecret, &c.Passphrase, &c.IsActive,
		)
		if err == nil {
			c.Network = botlib.NetworkType(net)
			c.Type = botlib.CredentialType(ct)
			return &c, nil
		}
		if err != pgx.ErrNoRows {
			return nil, err
		}
	}
	return nil, ErrNotFound
}
