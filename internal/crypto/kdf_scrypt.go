package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/scrypt"
)

// Snrp holds scrypt stretch parameters. Every factor stores its own Snrp
// next to its boxes so the cost can be raised later without invalidating
// stashes written under the old parameters.
type Snrp struct {
	Salt []byte `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

const KeyLen = 32

// userIDSalt is a protocol-wide constant so that userId and passwordAuth
// come out identical on every device.
var userIDSalt = []byte{
	0xb5, 0x86, 0x5f, 0xfb, 0x9f, 0xa7, 0xb3, 0xbf,
	0xe4, 0xb2, 0x38, 0x4d, 0x47, 0xce, 0x63, 0x1e,
	0xe3, 0x0a, 0x8f, 0xaa, 0x02, 0xf4, 0x59, 0x01,
	0xd9, 0x1f, 0x5b, 0xc0, 0x30, 0x58, 0xc7, 0x0a,
}

// UserIDSnrp returns the fixed parameters for identity stretching.
func UserIDSnrp() Snrp {
	return Snrp{Salt: userIDSalt, N: 16384, R: 1, P: 1}
}

// NewSnrp returns fresh per-account stretch parameters with a random salt.
func NewSnrp() (Snrp, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return Snrp{}, err
	}
	return Snrp{Salt: salt, N: 16384, R: 8, P: 1}, nil
}

// DeriveKey stretches a low-entropy secret into a symmetric key.
func DeriveKey(secret []byte, snrp Snrp, length int) ([]byte, error) {
	if len(snrp.Salt) == 0 {
		return nil, errors.New("crypto: snrp missing salt")
	}
	return scrypt.Key(secret, snrp.Salt, snrp.N, snrp.R, snrp.P, length)
}
