package exchange

import (
	"fmt"

	"botplatform/internal/bot/botlib"
)

// NewFuturesAdapter builds the concrete FuturesAdapter for a subscription's
// exchange_type, wiring the decrypted credentials the orchestrator's
// precedence chain (spec §4.E step 2) resolved. Returns botlib.ErrConfig
// wrapped with the unsupported exchange name for anything outside the
// seven integrations this platform carries.
func NewFuturesAdapter(exchangeType string, creds botlib.ExchangeCredentials, logger botlib.Logger) (FuturesAdapter, error) {
	switch exchangeType {
	case "binance":
		return NewBinanceFutures(creds.APIKey, creds.APISecret, creds.Network, logger), nil
	case "bybit":
		return NewBybitFutures(creds.APIKey, creds.APISecret, creds.Network, logger), nil
	case "okx":
		return NewOKXFutures(creds.APIKey, creds.APISecret, creds.Passphrase, logger), nil
	case "bitget":
		return NewBitgetFutures(creds.APIKey, creds.APISecret, creds.Passphrase, logger), nil
	case "huobi":
		return NewHuobiFutures(creds.APIKey, creds.APISecret, logger), nil
	case "kraken":
		return NewKrakenFutures(creds.APIKey, creds.APISecret, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported futures exchange %q", botlib.ErrConfig, exchangeType)
	}
}

// NewSpotAdapter builds the concrete SpotAdapter for a subscription's
// exchange_type. Only Binance has a dedicated spot integration in this
// platform; spot-only bots on the other five exchanges are out of scope
// for this release (spec §5 Non-goals).
func NewSpotAdapter(exchangeType string, creds botlib.ExchangeCredentials, logger botlib.Logger) (SpotAdapter, error) {
	switch exchangeType {
	case "binance":
		return NewBinanceSpot(creds.APIKey, creds.APISecret, creds.Network, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported spot exchange %q", botlib.ErrConfig, exchangeType)
	}
}
