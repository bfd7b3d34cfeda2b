// Package kernel authorizes intents. It evaluates policy against a trusted
// context snapshot and, only on allow, signs a manifest into a token.
//
// The Kernel holds no mutable state; Authorize is safe to call from any
// number of goroutines.
package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/crypto"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/manifest"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/observability"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/policy"
)

// Authorization is returned for an allowed intent. ManifestPreview is for
// display only; the token is the sole authority.
type Authorization struct {
	Decision        contracts.Decision  `json:"decision"`
	Token           contracts.Token     `json:"token"`
	ManifestPreview *contracts.Manifest `json:"manifest_preview"`
}

// Kernel is the decision half of the protocol.
type Kernel struct {
	policy    policy.Evaluator
	builder   *manifest.Builder
	signer    crypto.Signer
	logger    *slog.Logger
	telemetry *observability.Provider
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithTelemetry enables tracing and metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(k *Kernel) { k.telemetry = p }
}

// WithClock overrides the decision clock.
func WithClock(c contracts.Clock) Option {
	return func(k *Kernel) { k.builder = manifest.NewBuilder(c) }
}

// New creates a Kernel.
func New(p policy.Evaluator, signer crypto.Signer, opts ...Option) *Kernel {
	k := &Kernel{
		policy:  p,
		builder: manifest.NewBuilder(nil),
		signer:  signer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With("component", "kernel")
	return k
}

// Authorize returns a signed token for an allowed intent. Nothing is
// signed on failure: malformed input is InvalidInput, an entity mismatch
// is SecurityViolation, and a denial is PolicyDenied with the reason.
func (k *Kernel) Authorize(ctx context.Context, intent *contracts.Intent, snap *contracts.ContextSnapshot) (_ *Authorization, err error) {
	ctx, done := k.telemetry.TrackOperation(ctx, "kernel.authorize", spanAttrs(intent)...)
	defer func() { done(err) }()

	if intent == nil {
		return nil, contracts.Fail(contracts.CodeInvalidInput, "intent is required")
	}
	if snap == nil {
		return nil, contracts.Fail(contracts.CodeInvalidInput, "context snapshot is required")
	}

	log := k.logger.With("intent_id", intent.ID, "entity_id", intent.EntityID, "action", intent.Action)

	// A cross-entity request is a security violation even when malformed.
	if err := policy.CheckBinding(intent, snap); err != nil {
		log.WarnContext(ctx, "potential attack: intent and context disagree on entity",
			"event", "security_violation",
			"context_entity_id", snap.EntityID,
			"source", intent.Source,
		)
		return nil, err
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	decision, err := k.policy.Evaluate(intent, snap)
	if err != nil {
		if contracts.CodeOf(err) == contracts.CodeSecurityViolation {
			log.WarnContext(ctx, "potential attack: policy reported a security violation", "event", "security_violation", "error", err)
			return nil, err
		}
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}
	if !decision.Allow {
		log.InfoContext(ctx, "intent denied", "reason", decision.Reason)
		k.telemetry.RecordOutcome(ctx, "kernel.authorize", string(contracts.DecisionDeny))
		return nil, contracts.Fail(contracts.CodePolicyDenied, "%s", decision.Reason)
	}

	m, err := k.builder.Build(intent, snap)
	if err != nil {
		return nil, err
	}
	token, err := k.signer.Sign(m)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	log.InfoContext(ctx, "intent authorized", "entity_version", *m.EntityVersion, "ttl", m.TTL)
	k.telemetry.RecordOutcome(ctx, "kernel.authorize", string(contracts.DecisionAllow))
	return &Authorization{
		Decision:        contracts.DecisionAllow,
		Token:           token,
		ManifestPreview: m,
	}, nil
}

func spanAttrs(intent *contracts.Intent) []attribute.KeyValue {
	if intent == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("cda.entity_id", intent.EntityID),
		attribute.String("cda.action", intent.Action),
	}
}
