package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Keystore is the on-disk JSON form of a keyring.
//
// For "paseto" both sides hold the same 32-byte keys. For "jwt" the Kernel's
// keystore holds Ed25519 seeds under Keys and the Gate's holds only
// PublicKeys.
type Keystore struct {
	Format     string            `json:"format"`
	Active     string            `json:"active"`
	Keys       map[string]string `json:"keys,omitempty"`        // tag -> base64 secret
	PublicKeys map[string]string `json:"public_keys,omitempty"` // tag -> base64 Ed25519 public key
}

// GenerateKeystore creates a keystore with one fresh random key for tag.
func GenerateKeystore(format, tag string) (*Keystore, error) {
	if _, _, err := ParseProtocolTag(tag); err != nil {
		return nil, err
	}
	if format != FormatPASETO && format != FormatJWT {
		return nil, fmt.Errorf("keystore: unknown format %q", format)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	return &Keystore{
		Format: format,
		Active: tag,
		Keys:   map[string]string{tag: base64.StdEncoding.EncodeToString(key)},
	}, nil
}

// DerivedKeystore builds a keystore whose keys are HKDF-derived from a
// master secret, one per tag; the first tag is active.
func DerivedKeystore(format string, secret []byte, tags ...string) (*Keystore, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("keystore: at least one protocol tag is required")
	}
	ks := &Keystore{Format: format, Active: tags[0], Keys: make(map[string]string, len(tags))}
	for _, tag := range tags {
		if _, _, err := ParseProtocolTag(tag); err != nil {
			return nil, err
		}
		key, err := DeriveKey(secret, format, tag)
		if err != nil {
			return nil, err
		}
		ks.Keys[tag] = base64.StdEncoding.EncodeToString(key)
	}
	return ks, nil
}

// LoadKeystore reads a keystore file.
func LoadKeystore(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	if ks.Format == "" {
		ks.Format = FormatPASETO
	}
	return &ks, nil
}

// Save writes the keystore with owner-only permissions.
func (ks *Keystore) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keystore: create dir: %w", err)
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return nil
}

// VerifyOnly returns the keystore a Gate should hold. For JWT that is the
// public half only; PASETO keys are symmetric and are returned as is.
func (ks *Keystore) VerifyOnly() (*Keystore, error) {
	if ks.Format != FormatJWT {
		return ks, nil
	}
	priv, err := ks.ed25519Ring()
	if err != nil {
		return nil, err
	}
	out := &Keystore{Format: FormatJWT, Active: ks.Active, PublicKeys: map[string]string{}}
	for _, tag := range priv.Tags() {
		key, _ := priv.Lookup(tag)
		out.PublicKeys[tag] = base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey))
	}
	return out, nil
}

// Signer builds the Kernel-side signer.
func (ks *Keystore) Signer() (Signer, error) {
	switch ks.Format {
	case FormatPASETO:
		ring, err := ks.symmetricRing()
		if err != nil {
			return nil, err
		}
		return NewPasetoCodec(ring), nil
	case FormatJWT:
		ring, err := ks.ed25519Ring()
		if err != nil {
			return nil, err
		}
		return NewJWTSigner(ring), nil
	}
	return nil, fmt.Errorf("keystore: unknown format %q", ks.Format)
}

// Verifier builds the Gate-side verifier.
func (ks *Keystore) Verifier() (Verifier, error) {
	switch ks.Format {
	case FormatPASETO:
		ring, err := ks.symmetricRing()
		if err != nil {
			return nil, err
		}
		return NewPasetoCodec(ring), nil
	case FormatJWT:
		if len(ks.PublicKeys) == 0 {
			priv, err := ks.ed25519Ring()
			if err != nil {
				return nil, err
			}
			pub, err := PublicKeyring(priv)
			if err != nil {
				return nil, err
			}
			return NewJWTVerifier(pub), nil
		}
		pub := NewKeyring[ed25519.PublicKey]()
		for tag, enc := range ks.PublicKeys {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil || len(raw) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("keystore: invalid public key for %q", tag)
			}
			if err := pub.Add(tag, ed25519.PublicKey(raw)); err != nil {
				return nil, err
			}
		}
		return NewJWTVerifier(pub), nil
	}
	return nil, fmt.Errorf("keystore: unknown format %q", ks.Format)
}

func (ks *Keystore) symmetricRing() (*Keyring[[]byte], error) {
	ring := NewKeyring[[]byte]()
	for tag, enc := range ks.Keys {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode key %q: %w", tag, err)
		}
		if len(key) != pasetoKeySize {
			return nil, fmt.Errorf("keystore: key %q has length %d, need %d", tag, len(key), pasetoKeySize)
		}
		if err := ring.Add(tag, key); err != nil {
			return nil, err
		}
	}
	return ring, ks.activate(ring.Tags(), ring.Activate)
}

func (ks *Keystore) ed25519Ring() (*Keyring[ed25519.PrivateKey], error) {
	ring := NewKeyring[ed25519.PrivateKey]()
	for tag, enc := range ks.Keys {
		seed, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode key %q: %w", tag, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("keystore: seed %q has length %d, need %d", tag, len(seed), ed25519.SeedSize)
		}
		if err := ring.Add(tag, ed25519.NewKeyFromSeed(seed)); err != nil {
			return nil, err
		}
	}
	return ring, ks.activate(ring.Tags(), ring.Activate)
}

// activate selects the configured tag, or the highest version when the
// keystore names none.
func (ks *Keystore) activate(tags []string, fn func(string) error) error {
	tag := ks.Active
	if tag == "" {
		latest, err := LatestTag(tags)
		if err != nil {
			return fmt.Errorf("keystore: %w", err)
		}
		tag = latest
	}
	return fn(tag)
}
