package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

// HmacSHA256 computes the keyed proof used throughout the login protocol
// (pin2Id, pin2Auth, recovery2Id, recovery2Auth).
func HmacSHA256(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ConstantTimeEqual compares two secrets without leaking a timing
// signal about where they differ.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// RandomBytes returns n bytes from the platform CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
