package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Intent is an action proposed by an untrusted agent on behalf of an entity.
type Intent struct {
	ID        string     `json:"id"`
	EntityID  string     `json:"entity_id"`
	Source    string     `json:"source"`
	Action    string     `json:"action"`
	Params    Attributes `json:"params"`
	CreatedAt time.Time  `json:"created_at"`
	TTL       int64      `json:"ttl"` // seconds
}

// NewIntent creates a validated Intent with a fresh id and creation time.
func NewIntent(entityID, source, action string, params Attributes, ttl int64) (*Intent, error) {
	in := &Intent{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Source:    source,
		Action:    action,
		Params:    params.Clone(),
		CreatedAt: time.Now().UTC(),
		TTL:       ttl,
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Validate checks that every required field is present and well formed.
func (in *Intent) Validate() error {
	if in == nil {
		return Fail(CodeInvalidInput, "intent is required")
	}
	if _, err := uuid.Parse(in.ID); err != nil {
		return Wrap(CodeInvalidInput, err, "intent id must be a UUID")
	}
	if in.EntityID == "" {
		return Fail(CodeInvalidInput, "intent entity_id is required")
	}
	if in.Source == "" {
		return Fail(CodeInvalidInput, "intent source is required")
	}
	if in.Action == "" {
		return Fail(CodeInvalidInput, "intent action is required")
	}
	if in.CreatedAt.IsZero() {
		return Fail(CodeInvalidInput, "intent created_at is required")
	}
	if in.TTL <= 0 {
		return Fail(CodeInvalidInput, "intent ttl must be a positive number of seconds, got %d", in.TTL)
	}
	return nil
}

// Lifetime returns the TTL as a duration.
func (in *Intent) Lifetime() time.Duration {
	return time.Duration(in.TTL) * time.Second
}

// VersionKey is the state attribute holding the entity's OCC version.
const VersionKey = "version"

// ContextSnapshot is the trusted view of an entity's state at decision time.
type ContextSnapshot struct {
	ID        string     `json:"id"`
	EntityID  string     `json:"entity_id"`
	State     Attributes `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewContextSnapshot captures state for entityID.
func NewContextSnapshot(entityID string, state Attributes) *ContextSnapshot {
	return &ContextSnapshot{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		State:     state.Clone(),
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the snapshot is bound to an entity and that a version,
// when present, is an integer.
func (s *ContextSnapshot) Validate() error {
	if s == nil {
		return Fail(CodeInvalidInput, "context snapshot is required")
	}
	if s.EntityID == "" {
		return Fail(CodeInvalidInput, "context entity_id is required")
	}
	if v, ok := s.State[VersionKey]; ok && !v.IsNull() {
		if _, isInt := v.AsInt(); !isInt {
			return Fail(CodeInvalidInput, "context state version must be an integer, got %s", v.Kind())
		}
	}
	return nil
}

// Version returns the snapshot's entity version, if any.
func (s *ContextSnapshot) Version() (int64, bool) {
	v, ok := s.State[VersionKey]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}
