package exchange

import (
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// knownQuoteAssets orders the quote assets splitSymbol checks for,
// longest first, so "BTCUSDT" isn't mis-split on a shorter accidental
// suffix match.
var knownQuoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "EUR"}

// splitSymbol separates a canonical "BASE/QUOTE" or bare "BASEQUOTE" form
// into its base and quote assets. It is the shared first step every
// adapter's NormalizeSymbol uses before applying its own formatting.
func splitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "-SWAP")
	if idx := strings.IndexAny(s, "/-_"); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	for _, q := range knownQuoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	return s, ""
}

// roundToStep rounds qty down to the nearest multiple of step, avoiding the
// floating-point artifacts spec §4.A warns about ("0.180000000000004") by
// staying in shopspring/decimal fixed-point arithmetic throughout. It
// returns a Decimal; callers format it with String(), which drops trailing
// zeros rather than padding to step's decimals.
func roundToStep(qty, step decimal.Decimal) decimal.Decimal {
	return roundDownToStep(qty, step)
}

// contractsForQuantity converts a base-asset quantity into a whole number
// of contracts for contract-denominated exchanges (OKX, Huobi), per
// spec §4.A "Quantity conversion": contracts = floor(qty / contract_value,
// step_size).
func contractsForQuantity(qtyCrypto, contractValue, step decimal.Decimal) decimal.Decimal {
	if contractValue.IsZero() {
		return decimal.Zero
	}
	contracts := qtyCrypto.Div(contractValue)
	return roundDownToStep(contracts, step)
}

// readAndRestoreBody returns a POST request's JSON body as a string without
// consuming it, using the GetBody func net/http populates automatically for
// buffer-backed bodies — needed because several exchanges sign over the
// exact request body and the real body must still reach the wire afterward.
func readAndRestoreBody(req *http.Request) string {
	if req.GetBody == nil {
		return ""
	}
	rc, err := req.GetBody()
	if err != nil {
		return ""
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return ""
	}
	return string(b)
}
