package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTHeadersAt(t *testing.T) {
	auth := &HMACAuth{Key: "test-key", Secret: "test-secret"}

	headers := auth.RESTHeadersAt("5000", "category=linear&symbol=BTCUSDT", 1700000000000)

	assert.Equal(t, "test-key", headers["X-BAPI-API-KEY"])
	assert.Equal(t, "1700000000000", headers["X-BAPI-TIMESTAMP"])
	assert.Equal(t, "5000", headers["X-BAPI-RECV-WINDOW"])
	assert.Equal(t, "2", headers["X-BAPI-SIGN-TYPE"])
	assert.Equal(t,
		"9a7c8cfd6ba1a7c498aa4dd5a7f9cfbba01fcb6eebae734ffe0d775870a1a3fb",
		headers["X-BAPI-SIGN"])
}

func TestRESTHeadersAt_EmptyPayload(t *testing.T) {
	auth := &HMACAuth{Key: "test-key", Secret: "test-secret"}

	headers := auth.RESTHeadersAt("5000", "", 1700000000000)

	assert.Equal(t,
		"d8d5e71d8f986368aa5c13405f059ab6adb4f41df59d2f11bb056226b63457d6",
		headers["X-BAPI-SIGN"])
}

func TestWSAuthArgsAt(t *testing.T) {
	auth := &HMACAuth{Key: "test-key", Secret: "test-secret"}

	args := auth.WSAuthArgsAt(1700000060000)

	require.Len(t, args, 3)
	assert.Equal(t, "test-key", args[0])
	assert.Equal(t, int64(1700000060000), args[1])
	assert.Equal(t,
		"abe532db72409312ffdc9b1ba94e90026bcf78460bad4ffa175864bd5c895c37",
		args[2])
}

func TestString_Redacts(t *testing.T) {
	auth := &HMACAuth{Key: "abcdef123456", Secret: "supersecretvalue"}

	s := auth.String()

	assert.NotContains(t, s, "abcdef123456")
	assert.NotContains(t, s, "supersecretvalue")
	assert.Contains(t, s, "abcd****")
	assert.Contains(t, s, "supe****")

	short := &HMACAuth{Key: "ab", Secret: "cd"}
	assert.NotContains(t, short.String(), "ab****")
}
