package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DHKey is the ephemeral keypair behind one pairing lobby. It lives only
// for the duration of the edge-login request.
type DHKey struct {
	Priv *ecdh.PrivateKey
	Pub  *ecdh.PublicKey
}

func NewX25519() (*DHKey, error) {
	dh := ecdh.X25519()
	priv, err := dh.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DHKey{Priv: priv, Pub: priv.PublicKey()}, nil
}

func SharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(peer)
}

// LobbyKey turns a raw ECDH secret into the symmetric key that seals a
// lobby reply box.
func LobbyKey(secret []byte) ([]byte, error) {
	stream := hkdf.New(sha256.New, secret, nil, []byte("login-core/lobby/v1"))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(stream, key); err != nil {
		return nil, err
	}
	return key, nil
}
