// Package totp implements the time-based one-time codes that guard
// OTP-enrolled logins. Codes are SHA-1 HMAC, 6 digits, 30-second steps;
// keys travel as unpadded base32.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"login-core/internal/crypto"
)

const (
	Step    = 30 * time.Second
	Digits  = 6
	keySize = 20 // 160-bit key
)

// GenerateKey mints a fresh OTP key in wire form.
func GenerateKey() (string, error) {
	key, err := crypto.RandomBytes(keySize)
	if err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key), nil
}

// Compute returns the code for the given key at the given instant. An
// undecodable key yields the empty string, which no verifier accepts.
func Compute(key string, when time.Time) string {
	keyBytes, err := decodeKey(key)
	if err != nil {
		return ""
	}
	defer crypto.Zero(keyBytes)
	counter := when.Unix() / int64(Step/time.Second)
	if counter < 0 {
		return ""
	}
	return computeCode(keyBytes, uint64(counter))
}

// Verify accepts the current step plus one step of drift either way.
func Verify(code, key string, when time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return false
	}
	keyBytes, err := decodeKey(key)
	if err != nil {
		return false
	}
	defer crypto.Zero(keyBytes)

	counter := when.Unix() / int64(Step/time.Second)
	for i := int64(-1); i <= 1; i++ {
		cur := counter + i
		if cur < 0 {
			continue
		}
		if computeCode(keyBytes, uint64(cur)) == code {
			return true
		}
	}
	return false
}

// ProvisionURI renders the otpauth URI an authenticator app enrolls from.
func ProvisionURI(account, issuer, key string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=%d&period=%d",
		urlEscape(issuer), urlEscape(account), key, urlEscape(issuer), Digits, int(Step/time.Second))
}

func computeCode(key []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	trunc := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF
	return fmt.Sprintf("%0*d", Digits, trunc%1000000)
}

func decodeKey(key string) ([]byte, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(key)
}

func urlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		for _, bt := range []byte(string(r)) {
			b.WriteString(fmt.Sprintf("%%%02X", bt))
		}
	}
	return b.String()
}
