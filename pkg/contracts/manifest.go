package contracts

import (
	"time"
)

// Decision is the verdict recorded in a manifest.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// VersionSentinel is written to a manifest when the snapshot carries no
// version. It is distinct from a null entity_version, which disables the
// Gate's version comparison.
const VersionSentinel int64 = 0

// Manifest is the authoritative, signed record of a single authorization.
type Manifest struct {
	IntentID      string     `json:"intent_id"`
	EntityID      string     `json:"entity_id"`
	EntityVersion *int64     `json:"entity_version"`
	Action        string     `json:"action"`
	Params        Attributes `json:"params"`
	Decision      Decision   `json:"decision"`
	CreatedAt     time.Time  `json:"created_at"`
	TTL           int64      `json:"ttl"`
}

// Validate checks the field-level invariants a verified payload must hold.
func (m *Manifest) Validate() error {
	switch {
	case m.IntentID == "":
		return Fail(CodeInvalidToken, "manifest intent_id is empty")
	case m.EntityID == "":
		return Fail(CodeInvalidToken, "manifest entity_id is empty")
	case m.Action == "":
		return Fail(CodeInvalidToken, "manifest action is empty")
	case m.CreatedAt.IsZero():
		return Fail(CodeInvalidToken, "manifest created_at is missing")
	case m.TTL <= 0:
		return Fail(CodeInvalidToken, "manifest ttl must be positive")
	}
	return nil
}

// ExpiresAt is the last instant at which the manifest is still fresh.
func (m *Manifest) ExpiresAt() time.Time {
	return m.CreatedAt.Add(time.Duration(m.TTL) * time.Second)
}

// Expired reports whether now - created_at > ttl.
func (m *Manifest) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt())
}

// Equal compares manifests field by field, times by instant.
func (m *Manifest) Equal(o *Manifest) bool {
	if m == nil || o == nil {
		return m == o
	}
	if (m.EntityVersion == nil) != (o.EntityVersion == nil) {
		return false
	}
	if m.EntityVersion != nil && *m.EntityVersion != *o.EntityVersion {
		return false
	}
	return m.IntentID == o.IntentID &&
		m.EntityID == o.EntityID &&
		m.Action == o.Action &&
		m.Params.Equal(o.Params) &&
		m.Decision == o.Decision &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		m.TTL == o.TTL
}

// Token is the opaque, authenticated encoding of a Manifest.
type Token string

// ExecutedIntentRecord is written exactly once, atomically with the side
// effect, and is the ground truth for replay detection.
type ExecutedIntentRecord struct {
	IntentID       string    `json:"intent_id"`
	EntityID       string    `json:"entity_id"`
	Action         string    `json:"action"`
	ManifestDigest string    `json:"manifest_digest,omitempty"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// EntityState is the Gate-side authoritative state of one entity.
type EntityState struct {
	EntityID   string     `json:"entity_id"`
	Version    int64      `json:"version"`
	Attributes Attributes `json:"attributes"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Snapshot exposes the state as a ContextSnapshot, with version folded into
// the attribute bag.
func (e *EntityState) Snapshot() *ContextSnapshot {
	state := e.Attributes.Clone()
	state[VersionKey] = Int(e.Version)
	return NewContextSnapshot(e.EntityID, state)
}
