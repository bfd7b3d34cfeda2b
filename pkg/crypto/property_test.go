//go:build property
// +build property

package crypto

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

func manifestFrom(intentID, entityID, action string, amount int64, ratio float64, ttl int64, version int64, nullVersion bool) *contracts.Manifest {
	m := &contracts.Manifest{
		IntentID: intentID,
		EntityID: entityID,
		Action:   action,
		Params: contracts.Attributes{
			"amount": contracts.Int(amount),
			"ratio":  contracts.Float(ratio),
			"note":   contracts.String(entityID + "/" + action),
		},
		Decision:  contracts.DecisionAllow,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC().Add(time.Duration(amount%1000) * time.Millisecond),
		TTL:       ttl,
	}
	if !nullVersion {
		m.EntityVersion = &version
	}
	return m
}

func codecs(t *testing.T) map[string]struct {
	Signer
	Verifier
} {
	sym := NewKeyring[[]byte]()
	if err := sym.Add(DefaultProtocolVersion, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	paseto := NewPasetoCodec(sym)

	priv := NewKeyring[ed25519.PrivateKey]()
	if err := priv.Add(DefaultProtocolVersion, ed25519.NewKeyFromSeed(make([]byte, 32))); err != nil {
		t.Fatal(err)
	}
	pub, err := PublicKeyring(priv)
	if err != nil {
		t.Fatal(err)
	}

	return map[string]struct {
		Signer
		Verifier
	}{
		FormatPASETO: {paseto, paseto},
		FormatJWT:    {NewJWTSigner(priv), NewJWTVerifier(pub)},
	}
}

// Property: Verify(Sign(m)) == m for every well-formed manifest.
func TestTokenRoundTripProperty(t *testing.T) {
	for name, c := range codecs(t) {
		c := c
		t.Run(name, func(t *testing.T) {
			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 200
			properties := gopter.NewProperties(parameters)

			properties.Property("sign then verify yields the same manifest", prop.ForAll(
				func(id, entity, action string, amount int64, ratio float64, ttl, version int64, nullVersion bool) bool {
					m := manifestFrom(id, entity, action, amount, ratio, ttl, version, nullVersion)
					tok, err := c.Sign(m)
					if err != nil {
						return false
					}
					got, err := c.Verify(tok)
					if err != nil {
						return false
					}
					return m.Equal(got)
				},
				gen.Identifier(),
				gen.Identifier(),
				gen.OneConstOf("execute_trade", "transfer", "withdraw", "deposit"),
				gen.Int64Range(0, 1<<40),
				gen.Float64Range(-1e6, 1e6),
				gen.Int64Range(1, 86400),
				gen.Int64Range(0, 1<<40),
				gen.Bool(),
			))

			properties.TestingRun(t)
		})
	}
}

// Property: flipping any single byte of a token makes verification fail.
func TestTokenTamperProperty(t *testing.T) {
	for name, c := range codecs(t) {
		c := c
		t.Run(name, func(t *testing.T) {
			m := manifestFrom("intent-1", "user-456", "execute_trade", 1000, 0.5, 300, 10, false)
			tok, err := c.Sign(m)
			if err != nil {
				t.Fatal(err)
			}

			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 300
			properties := gopter.NewProperties(parameters)

			properties.Property("any byte flip is rejected", prop.ForAll(
				func(pos int, delta byte) bool {
					b := []byte(tok)
					b[pos%len(b)] ^= delta
					got, err := c.Verify(contracts.Token(b))
					if err == nil {
						// Base64 padding bits may decode to identical bytes.
						return m.Equal(got)
					}
					return contracts.CodeOf(err) == contracts.CodeInvalidToken
				},
				gen.IntRange(0, 1<<20),
				gen.UInt8Range(1, 255),
			))

			properties.TestingRun(t)
		})
	}
}
