package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Issuer is the iss claim on JWT tokens.
const Issuer = "cda-kernel"

// manifestClaims nests the manifest under its own claim so the payload is
// validated exactly like the PASETO one.
type manifestClaims struct {
	jwt.RegisteredClaims
	Manifest json.RawMessage `json:"manifest"`
}

// JWTSigner issues EdDSA-signed JWS tokens. The protocol tag is the kid
// header, which the signature covers.
type JWTSigner struct {
	keys *Keyring[ed25519.PrivateKey]
}

// NewJWTSigner returns a signer over private keys.
func NewJWTSigner(keys *Keyring[ed25519.PrivateKey]) *JWTSigner {
	return &JWTSigner{keys: keys}
}

func (s *JWTSigner) Sign(m *contracts.Manifest) (contracts.Token, error) {
	kid, key, err := s.keys.Active()
	if err != nil {
		return "", err
	}
	payload, err := EncodeManifest(m)
	if err != nil {
		return "", err
	}
	claims := manifestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        m.IntentID,
			Subject:   m.EntityID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(m.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(m.ExpiresAt()),
		},
		Manifest: payload,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return contracts.Token(signed), nil
}

// JWTVerifier checks EdDSA tokens against public keys only.
type JWTVerifier struct {
	keys *Keyring[ed25519.PublicKey]
}

// NewJWTVerifier returns a verifier over public keys.
func NewJWTVerifier(keys *Keyring[ed25519.PublicKey]) *JWTVerifier {
	return &JWTVerifier{keys: keys}
}

// Expiry is left to the Gate so that it surfaces as TokenExpired rather
// than InvalidToken.
func (v *JWTVerifier) Verify(token contracts.Token) (*contracts.Manifest, error) {
	var claims manifestClaims
	_, err := jwt.ParseWithClaims(string(token), &claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidToken, err, "")
	}

	m, err := DecodeManifest(claims.Manifest)
	if err != nil {
		return nil, err
	}
	if claims.ID != m.IntentID || claims.Subject != m.EntityID {
		return nil, contracts.Fail(contracts.CodeInvalidToken, "registered claims do not match manifest")
	}
	return m, nil
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	kid, _ := t.Header["kid"].(string)
	key, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("protocol version %q is not accepted", kid)
	}
	return key, nil
}

// PublicKeyring derives the verification ring from a signing ring.
func PublicKeyring(priv *Keyring[ed25519.PrivateKey]) (*Keyring[ed25519.PublicKey], error) {
	pub := NewKeyring[ed25519.PublicKey]()
	for _, tag := range priv.Tags() {
		key, _ := priv.Lookup(tag)
		if err := pub.Add(tag, key.Public().(ed25519.PublicKey)); err != nil {
			return nil, err
		}
	}
	if active, _, err := priv.Active(); err == nil {
		if err := pub.Activate(active); err != nil {
			return nil, err
		}
	}
	return pub, nil
}
