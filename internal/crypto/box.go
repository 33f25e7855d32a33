package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// BoxAlgo identifies the only box format this engine writes. Older
// stashes may carry other tags; decryption rejects them closed.
const BoxAlgo = "aes-ctr-hmac-sha256-v1"

const (
	boxSaltSize = 32
	boxIVSize   = aes.BlockSize // 16 bytes
	boxMACSize  = sha256.Size   // 32 bytes
	boxKeySize  = 32
)

var ErrDecrypt = errors.New("crypto: box decryption failed")

// Box is an encrypted, integrity-protected blob wrapping a secret under a
// symmetric key. The encryption and MAC keys are derived from the box key
// with HKDF-SHA256 using the per-box random salt, so one login key can
// safely wrap many boxes.
type Box struct {
	Algo string `json:"algo"`
	Salt []byte `json:"salt"`
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
	MAC  []byte `json:"mac"`
}

// Encrypt seals plaintext into a fresh Box using encrypt-then-MAC:
// AES-256-CTR for confidentiality, HMAC-SHA256 over iv||ciphertext for
// integrity.
func Encrypt(plaintext, key []byte) (*Box, error) {
	if len(key) == 0 {
		return nil, errors.New("crypto: empty box key")
	}

	salt := make([]byte, boxSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	encKey, macKey, err := deriveBoxKeys(key, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, boxIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	ct := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ct, plaintext)

	return &Box{
		Algo: BoxAlgo,
		Salt: salt,
		IV:   iv,
		Data: ct,
		MAC:  boxMAC(macKey, iv, ct),
	}, nil
}

// Decrypt opens a box previously produced by Encrypt. Any failure — wrong
// key, wrong algorithm tag, malformed structure, tampered ciphertext —
// returns ErrDecrypt with no partial output.
func Decrypt(box *Box, key []byte) ([]byte, error) {
	if box == nil {
		return nil, fmt.Errorf("%w: missing box", ErrDecrypt)
	}
	if box.Algo != BoxAlgo {
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrDecrypt, box.Algo)
	}
	if len(box.Salt) != boxSaltSize || len(box.IV) != boxIVSize || len(box.MAC) != boxMACSize {
		return nil, fmt.Errorf("%w: malformed box", ErrDecrypt)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty box key", ErrDecrypt)
	}

	encKey, macKey, err := deriveBoxKeys(key, box.Salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	expected := boxMAC(macKey, box.IV, box.Data)
	if subtle.ConstantTimeCompare(expected, box.MAC) != 1 {
		return nil, ErrDecrypt
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	pt := make([]byte, len(box.Data))
	cipher.NewCTR(block, box.IV).XORKeyStream(pt, box.Data)
	return pt, nil
}

func deriveBoxKeys(key, salt []byte) (encKey, macKey []byte, err error) {
	stream := hkdf.New(sha256.New, key, salt, []byte("login-core/box/v1"))
	encKey = make([]byte, boxKeySize)
	macKey = make([]byte, boxKeySize)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(stream, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func boxMAC(macKey, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
