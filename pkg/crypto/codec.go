// Package crypto signs and verifies authorization tokens. A token carries
// a JSON-encoded Manifest and a protocol-version tag, both covered by the
// token's authentication.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Signer is held only by the Kernel.
type Signer interface {
	Sign(m *contracts.Manifest) (contracts.Token, error)
}

// Verifier is held by the Gate. Verify authenticates the token before it
// reads any manifest field and fails with InvalidToken otherwise.
type Verifier interface {
	Verify(token contracts.Token) (*contracts.Manifest, error)
}

// Token formats.
const (
	FormatPASETO = "paseto"
	FormatJWT    = "jwt"
)

const manifestSchemaURL = "https://cda.schemas.local/manifest.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["intent_id", "entity_id", "entity_version", "action", "params", "decision", "created_at", "ttl"],
  "properties": {
    "intent_id": {"type": "string", "minLength": 1},
    "entity_id": {"type": "string", "minLength": 1},
    "entity_version": {"type": ["integer", "null"]},
    "action": {"type": "string", "minLength": 1},
    "params": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean", "null"]}
    },
    "decision": {"enum": ["allow", "deny"]},
    "created_at": {"type": "string", "minLength": 1},
    "ttl": {"type": "integer", "minimum": 1}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return compiledSchema, schemaErr
}

// EncodeManifest renders the signed payload.
func EncodeManifest(m *contracts.Manifest) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil manifest")
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return out, nil
}

// DecodeManifest parses an authenticated payload. Any structural problem
// is reported as InvalidToken.
func DecodeManifest(payload []byte) (*contracts.Manifest, error) {
	schema, err := manifestValidator()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidToken, err, "payload is not JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidToken, err, "payload is not a manifest")
	}

	var m contracts.Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidToken, err, "payload is not a manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// Digest returns the SHA-256 of the manifest's RFC 8785 canonical form.
// Equal manifests always produce the same digest.
func Digest(m *contracts.Manifest) (string, error) {
	raw, err := EncodeManifest(m)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
