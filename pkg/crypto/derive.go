package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const minSecretLen = 32

// DeriveKey derives 32 bytes of key material for (format, tag) from a
// master secret. Different tags always yield unrelated keys.
func DeriveKey(secret []byte, format, tag string) ([]byte, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("master secret must be at least %d bytes", minSecretLen)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("cda/"+format+"/"+tag))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// DeriveEd25519Key derives a signing key for tag from a master secret.
func DeriveEd25519Key(secret []byte, tag string) (ed25519.PrivateKey, error) {
	seed, err := DeriveKey(secret, FormatJWT, tag)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
