package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashString returns the SHA-256 hex digest of a UTF-8 string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is Hash for values known to be JSON-representable, such as
// string-keyed maps of primitives. Panics otherwise; reserve it for
// literals in tests.
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HMACSign computes an HMAC-SHA256 signature over message with key.
func HMACSign(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACVerify checks an HMAC-SHA256 signature in constant time.
func HMACVerify(key, message, signature string) bool {
	expected := HMACSign(key, message)
	return hmac.Equal([]byte(expected), []byte(signature))
}
