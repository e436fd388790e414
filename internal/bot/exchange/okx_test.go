package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botplatform/internal/bot/botlib"
	resthttp "botplatform/pkg/http"
)

func newTestOKXFutures(serverURL string) *OKXFutures {
	signer := &okxSigner{}
	return &OKXFutures{
		client:    resthttp.NewClient(serverURL, 5*time.Second, signer),
		signer:    signer,
		logger:    botlib.NopLogger{},
		precision: make(map[string]*Precision),
	}
}

// newOKXTestServer serves /api/v5/account/config with the given posMode and
// records every decoded JSON body posted to /api/v5/trade/order,
// /api/v5/trade/order-algo and /api/v5/account/set-leverage, in call
// order, into the returned slice.
func newOKXTestServer(posMode string, configCalls *int) (*httptest.Server, *[]map[string]interface{}) {
	captured := &[]map[string]interface{}{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/account/config", func(w http.ResponseWriter, r *http.Request) {
		if configCalls != nil {
			*configCalls++
		}
		fmt.Fprintf(w, `{"code":"0","msg":"","data":[{"posMode":"%s"}]}`, posMode)
	})
	record := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		*captured = append(*captured, payload)
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"1","clOrdId":"c1","sCode":"0","sMsg":""}]}`)
	}
	mux.HandleFunc("/api/v5/trade/order", record)
	mux.HandleFunc("/api/v5/trade/order-algo", record)
	mux.HandleFunc("/api/v5/account/set-leverage", record)
	return httptest.NewServer(mux), captured
}

func TestOKXFutures_PlaceOrder_IncludesPosSideInHedgeMode(t *testing.T) {
	server, captured := newOKXTestServer(okxPosModeHedge, nil)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	_, err := o.CreateMarketOrder(context.Background(), "BTCUSDT", botlib.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	assert.Equal(t, "long", (*captured)[0]["posSide"])
	assert.NotContains(t, (*captured)[0], "reduceOnly")
}

func TestOKXFutures_PlaceOrder_OmitsPosSideInNetMode(t *testing.T) {
	server, captured := newOKXTestServer(okxPosModeNet, nil)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	_, err := o.CreateMarketOrder(context.Background(), "BTCUSDT", botlib.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	assert.NotContains(t, (*captured)[0], "posSide")
	assert.Equal(t, false, (*captured)[0]["reduceOnly"])
}

func TestOKXFutures_PlaceAlgoOrder_OmitsPosSideInNetMode(t *testing.T) {
	server, captured := newOKXTestServer(okxPosModeNet, nil)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	_, err := o.CreateStopLossOrder(context.Background(), "BTCUSDT", botlib.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(90), true)
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	assert.NotContains(t, (*captured)[0], "posSide")
	assert.Equal(t, true, (*captured)[0]["reduceOnly"])
}

func TestOKXFutures_AccountPosMode_CachesAfterFirstLookup(t *testing.T) {
	var configCalls int
	server, _ := newOKXTestServer(okxPosModeNet, &configCalls)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	_, err := o.CreateMarketOrder(context.Background(), "BTCUSDT", botlib.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = o.CreateMarketOrder(context.Background(), "BTCUSDT", botlib.SideSell, decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.Equal(t, 1, configCalls)
}

func TestOKXFutures_SetLeverage_HedgeModeSetsBothLegs(t *testing.T) {
	server, captured := newOKXTestServer(okxPosModeHedge, nil)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	err := o.SetLeverage(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)

	require.Len(t, *captured, 2)
	assert.Equal(t, "long", (*captured)[0]["posSide"])
	assert.Equal(t, "short", (*captured)[1]["posSide"])
}

func TestOKXFutures_SetLeverage_NetModeSetsOnce(t *testing.T) {
	server, captured := newOKXTestServer(okxPosModeNet, nil)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	err := o.SetLeverage(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	assert.NotContains(t, (*captured)[0], "posSide")
}

func TestOKXFutures_AccountPosMode_DefaultsToHedgeOnLookupFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/account/config", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":"50001","msg":"internal error"}`)
	})
	captured := &[]map[string]interface{}{}
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		*captured = append(*captured, payload)
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"1","clOrdId":"c1","sCode":"0","sMsg":""}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	o := newTestOKXFutures(server.URL)

	_, err := o.CreateMarketOrder(context.Background(), "BTCUSDT", botlib.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	assert.Equal(t, "long", (*captured)[0]["posSide"])
}

func TestOKXFutures_NormalizeSymbol(t *testing.T) {
	o := newTestOKXFutures("http://unused")
	assert.Equal(t, "BTC-USDT-SWAP", o.NormalizeSymbol("BTCUSDT"))
}
