package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// hmacSHA256Hex is the Binance/Bybit signature style: hex-encoded
// HMAC-SHA256 over the query string (Binance) or over
// timestamp+apiKey+recvWindow+payload (Bybit).
func hmacSHA256Hex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacSHA256Base64 is the OKX/Bitget V2/Huobi signature style: base64-
// encoded HMAC-SHA256 over timestamp+method+path+body (OKX, Bitget) or
// over Huobi's method/host/path/sorted-query payload.
func hmacSHA256Base64(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// hmacSHA512Base64 is Kraken's signature style: the API secret is itself
// base64-decoded before use as the HMAC key (spec §4.A "Signing").
func hmacSHA512Base64(base64Secret, path string, payload []byte) (string, error) {
	decodedSecret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return "", err
	}
	sha := sha256.Sum256(payload)
	mac := hmac.New(sha512.New, decodedSecret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// canonicalQueryString produces a deterministic, sorted "k=v&k2=v2..."
// encoding so that signatures are reproducible across runs (spec §8
// "Signing determinism").
func canonicalQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(pairs, "&")
}
