package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the Bybit V5 REST and private WebSocket APIs.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret
}

// RESTHeaders returns the HTTP headers for a signed V5 REST request.
// The signature is HMAC-SHA256(secret, timestamp+apiKey+recvWindow+payload)
// encoded as lowercase hex. payload is the raw query string for GET requests
// and the raw JSON body for POST requests.
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-RECV-WINDOW
//   - X-BAPI-SIGN-TYPE
//   - X-BAPI-SIGN
func (h *HMACAuth) RESTHeaders(recvWindow, payload string) map[string]string {
	return h.RESTHeadersAt(recvWindow, payload, time.Now().UnixMilli())
}

// RESTHeadersAt is like RESTHeaders but lets the caller supply the Unix
// millisecond timestamp (useful for deterministic testing).
func (h *HMACAuth) RESTHeadersAt(recvWindow, payload string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)

	message := ts + h.Key + recvWindow + payload
	sig := hmacSHA256Hex([]byte(h.Secret), message)

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-SIGN":        sig,
	}
}

// WSAuthArgs returns the args array for the private WebSocket auth op:
// [apiKey, expires, signature]. The signature is HMAC-SHA256 over the
// literal string "GET/realtime" followed by the expiry timestamp.
// ttl bounds how long the auth frame stays valid after construction.
func (h *HMACAuth) WSAuthArgs(ttl time.Duration) []any {
	return h.WSAuthArgsAt(time.Now().Add(ttl).UnixMilli())
}

// WSAuthArgsAt is like WSAuthArgs but takes the absolute expiry in Unix
// milliseconds (useful for deterministic testing).
func (h *HMACAuth) WSAuthArgsAt(expiresMilli int64) []any {
	message := "GET/realtime" + strconv.FormatInt(expiresMilli, 10)
	sig := hmacSHA256Hex([]byte(h.Secret), message)

	return []any{h.Key, expiresMilli, sig}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as a lowercase hex string.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
