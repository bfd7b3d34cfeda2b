// Package manifest turns an allowed intent and its context snapshot into
// the Manifest that the Kernel signs.
package manifest

import (
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Builder stamps manifests with the decision time from its clock.
type Builder struct {
	clock contracts.Clock
}

// NewBuilder returns a Builder. A nil clock uses the wall clock.
func NewBuilder(clock contracts.Clock) *Builder {
	if clock == nil {
		clock = contracts.WallClock()
	}
	return &Builder{clock: clock}
}

// Build must only be called after the policy allowed the intent; the
// decision is always "allow". A snapshot without a version gets the
// explicit sentinel, never a null.
func (b *Builder) Build(intent *contracts.Intent, snap *contracts.ContextSnapshot) (*contracts.Manifest, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	version := contracts.VersionSentinel
	if v, ok := snap.Version(); ok {
		version = v
	}

	return &contracts.Manifest{
		IntentID:      intent.ID,
		EntityID:      intent.EntityID,
		EntityVersion: &version,
		Action:        intent.Action,
		Params:        intent.Params.Clone(),
		Decision:      contracts.DecisionAllow,
		CreatedAt:     b.clock.Now().UTC(),
		TTL:           intent.TTL,
	}, nil
}
