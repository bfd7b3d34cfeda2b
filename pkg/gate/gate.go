// Package gate executes authorized intents. A token is verified, checked for
// replay, freshness and decision, then applied to the target entity under
// optimistic concurrency control. The state change and the executed-intent
// record commit together or not at all.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/crypto"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/events"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/observability"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/store"
)

// ReplayPolicy selects what a second execution of an intent returns. The
// side effect is never applied twice under either policy.
type ReplayPolicy string

const (
	// ReplayReject fails with ReplayDetected.
	ReplayReject ReplayPolicy = "reject"
	// ReplayIdempotent returns the original outcome with status "replayed".
	ReplayIdempotent ReplayPolicy = "idempotent"
)

// ParseReplayPolicy parses a policy name; empty means ReplayReject.
func ParseReplayPolicy(s string) (ReplayPolicy, error) {
	switch ReplayPolicy(s) {
	case "", ReplayReject:
		return ReplayReject, nil
	case ReplayIdempotent:
		return ReplayIdempotent, nil
	}
	return "", fmt.Errorf("unknown replay policy %q", s)
}

// DefaultClockSkew bounds how far in the future created_at may be.
const DefaultClockSkew = 30 * time.Second

// Status of a successful Execute.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusReplayed Status = "replayed"
)

// Result describes a committed execution.
type Result struct {
	Status   Status `json:"status"`
	IntentID string `json:"intent_id"`
	EntityID string `json:"entity_id"`
	Action   string `json:"action"`
	// EntityVersion is the version after the effect; zero for replays.
	EntityVersion  int64     `json:"entity_version,omitempty"`
	ManifestDigest string    `json:"manifest_digest,omitempty"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// Gate is the enforcement half of the protocol. It is safe for concurrent
// use; all shared state lives in the store.
type Gate struct {
	verifier  crypto.Verifier
	store     store.Store
	effects   *Effects
	clock     contracts.Clock
	skew      time.Duration
	replay    ReplayPolicy
	publisher events.Publisher
	logger    *slog.Logger
	telemetry *observability.Provider
}

// Option configures a Gate.
type Option func(*Gate)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(g *Gate) { g.telemetry = p }
}

func WithClock(c contracts.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithClockSkew sets the tolerance for tokens minted slightly in the future.
func WithClockSkew(d time.Duration) Option {
	return func(g *Gate) { g.skew = d }
}

func WithReplayPolicy(p ReplayPolicy) Option {
	return func(g *Gate) { g.replay = p }
}

// WithEffects replaces the default effect registry.
func WithEffects(e *Effects) Option {
	return func(g *Gate) { g.effects = e }
}

// WithPublisher emits an event after each commit and each rejection.
func WithPublisher(p events.Publisher) Option {
	return func(g *Gate) { g.publisher = p }
}

// New creates a Gate.
func New(v crypto.Verifier, s store.Store, opts ...Option) *Gate {
	g := &Gate{
		verifier:  v,
		store:     s,
		effects:   DefaultEffects(),
		clock:     contracts.WallClock(),
		skew:      DefaultClockSkew,
		replay:    ReplayReject,
		publisher: events.Discard{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")
	return g
}

// Store returns the backing store.
func (g *Gate) Store() store.Store { return g.store }

// ReplayPolicy returns the configured replay policy.
func (g *Gate) ReplayPolicy() ReplayPolicy { return g.replay }

// Execute verifies token and applies it exactly once.
func (g *Gate) Execute(ctx context.Context, token contracts.Token) (out *Result, err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gate.execute")
	defer func() {
		if err == nil {
			g.telemetry.RecordOutcome(ctx, "gate.execute", string(out.Status))
		}
		done(err)
	}()

	m, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.WarnContext(ctx, "token rejected", "event", "invalid_token", "error", err)
		if contracts.CodeOf(err) == "" {
			err = contracts.Wrap(contracts.CodeInvalidToken, err, "token verification failed")
		}
		return nil, err
	}

	trace.SpanFromContext(ctx).SetAttributes(spanAttrs(m)...)
	log := g.logger.With("intent_id", m.IntentID, "entity_id", m.EntityID, "action", m.Action)
	defer func() {
		if code := contracts.CodeOf(err); code != "" {
			g.publish(ctx, events.Event{
				Type:     events.TypeRejected,
				IntentID: m.IntentID,
				EntityID: m.EntityID,
				Action:   m.Action,
				Code:     code,
				Reason:   contracts.ReasonOf(err),
			})
		}
	}()

	rec, err := g.store.Record(ctx, m.IntentID)
	switch {
	case err == nil:
		return g.replayed(ctx, log, m, rec)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup executed intent: %w", err)
	}

	now := g.clock.Now().UTC()
	if m.Expired(now) {
		log.InfoContext(ctx, "token expired", "expires_at", m.ExpiresAt())
		return nil, contracts.Fail(contracts.CodeTokenExpired, "token expired at %s", m.ExpiresAt().Format(time.RFC3339))
	}
	if m.CreatedAt.After(now.Add(g.skew)) {
		log.WarnContext(ctx, "token issued in the future", "event", "invalid_token", "created_at", m.CreatedAt)
		return nil, contracts.Fail(contracts.CodeInvalidToken, "token created_at %s is in the future", m.CreatedAt.Format(time.RFC3339))
	}
	if m.Decision != contracts.DecisionAllow {
		log.WarnContext(ctx, "authenticated token carries a non-allow decision", "event", "security_violation", "decision", m.Decision)
		return nil, contracts.Fail(contracts.CodeExecutionDenied, "decision is %q", m.Decision)
	}

	digest, err := crypto.Digest(m)
	if err != nil {
		return nil, fmt.Errorf("digest manifest: %w", err)
	}

	var res *Result
	err = g.store.WithinEntity(ctx, m.EntityID, func(tx store.Tx) error {
		if _, err := tx.Record(ctx, m.IntentID); err == nil {
			return store.ErrDuplicateRecord
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		cur, err := tx.Entity(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return contracts.Fail(contracts.CodeEntityNotFound, "entity %s has no state", m.EntityID)
		}
		if err != nil {
			return err
		}
		if m.EntityVersion != nil && cur.Version != *m.EntityVersion {
			return contracts.Fail(contracts.CodeOCCConflict,
				"entity %s is at version %d, token was issued at version %d", m.EntityID, cur.Version, *m.EntityVersion)
		}

		attrs, err := g.effects.Lookup(m.Action).Apply(m.Params.Clone(), cur.Attributes.Clone())
		if err != nil {
			return err
		}
		attrs = attrs.Clone()
		delete(attrs, contracts.VersionKey)

		next := &contracts.EntityState{
			EntityID:   m.EntityID,
			Version:    cur.Version + 1,
			Attributes: attrs,
			UpdatedAt:  now,
		}
		if err := tx.SwapEntity(ctx, next, cur.Version); err != nil {
			return err
		}
		if err := tx.InsertRecord(ctx, &contracts.ExecutedIntentRecord{
			IntentID:       m.IntentID,
			EntityID:       m.EntityID,
			Action:         m.Action,
			ManifestDigest: digest,
			ExecutedAt:     now,
		}); err != nil {
			return err
		}

		res = &Result{
			Status:         StatusExecuted,
			IntentID:       m.IntentID,
			EntityID:       m.EntityID,
			Action:         m.Action,
			EntityVersion:  next.Version,
			ManifestDigest: digest,
			ExecutedAt:     now,
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateRecord):
		rec, lookupErr := g.store.Record(ctx, m.IntentID)
		if lookupErr != nil {
			rec = nil
		}
		return g.replayed(ctx, log, m, rec)
	case errors.Is(err, store.ErrVersionConflict):
		log.InfoContext(ctx, "lost a concurrent update")
		return nil, contracts.Wrap(contracts.CodeOCCConflict, err, fmt.Sprintf("entity %s changed during execution", m.EntityID))
	case contracts.CodeOf(err) != "":
		log.InfoContext(ctx, "execution rejected", "code", contracts.CodeOf(err), "reason", contracts.ReasonOf(err))
		return nil, err
	default:
		log.ErrorContext(ctx, "execution failed", "error", err)
		return nil, fmt.Errorf("commit execution: %w", err)
	}

	log.InfoContext(ctx, "intent executed", "entity_version", res.EntityVersion, "digest", digest)
	g.publish(ctx, events.Event{
		Type:          events.TypeExecuted,
		IntentID:      res.IntentID,
		EntityID:      res.EntityID,
		Action:        res.Action,
		EntityVersion: res.EntityVersion,
		At:            res.ExecutedAt,
	})
	return res, nil
}

func (g *Gate) replayed(ctx context.Context, log *slog.Logger, m *contracts.Manifest, rec *contracts.ExecutedIntentRecord) (*Result, error) {
	executedAt := time.Time{}
	digest := ""
	if rec != nil {
		executedAt = rec.ExecutedAt
		digest = rec.ManifestDigest
	}
	if g.replay == ReplayIdempotent {
		log.InfoContext(ctx, "replayed intent acknowledged without re-execution")
		return &Result{
			Status:         StatusReplayed,
			IntentID:       m.IntentID,
			EntityID:       m.EntityID,
			Action:         m.Action,
			ManifestDigest: digest,
			ExecutedAt:     executedAt,
		}, nil
	}
	log.WarnContext(ctx, "replay detected", "event", "replay", "executed_at", executedAt)
	return nil, contracts.Fail(contracts.CodeReplayDetected, "intent %s was already executed", m.IntentID)
}

func (g *Gate) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.publisher.Publish(ctx, ev); err != nil {
		g.logger.WarnContext(ctx, "event publish failed", "type", ev.Type, "intent_id", ev.IntentID, "error", err)
	}
}

// Snapshot returns the trusted context for entityID, as a context provider
// would hand it to the Kernel.
func (g *Gate) Snapshot(ctx context.Context, entityID string) (*contracts.ContextSnapshot, error) {
	e, err := g.store.Entity(ctx, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Fail(contracts.CodeEntityNotFound, "entity %s has no state", entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	return e.Snapshot(), nil
}

// Seed creates a new entity. An entity that already has state is refused
// with EntityExists; after creation only Execute changes it.
func (g *Gate) Seed(ctx context.Context, entityID string, version int64, attrs contracts.Attributes) (*contracts.EntityState, error) {
	if entityID == "" {
		return nil, contracts.Fail(contracts.CodeInvalidInput, "entity_id is required")
	}
	if version < 0 {
		return nil, contracts.Fail(contracts.CodeInvalidInput, "version must not be negative")
	}
	attrs = attrs.Clone()
	delete(attrs, contracts.VersionKey)
	state := &contracts.EntityState{
		EntityID:   entityID,
		Version:    version,
		Attributes: attrs,
		UpdatedAt:  g.clock.Now().UTC(),
	}
	if err := g.store.CreateEntity(ctx, state); err != nil {
		if errors.Is(err, store.ErrEntityExists) {
			g.logger.WarnContext(ctx, "refused to overwrite entity state", "event", "security_violation", "entity_id", entityID)
			return nil, contracts.Fail(contracts.CodeEntityExists, "entity %s already exists", entityID)
		}
		return nil, fmt.Errorf("store entity: %w", err)
	}
	g.logger.InfoContext(ctx, "entity seeded", "entity_id", entityID, "version", version)
	return state, nil
}

func spanAttrs(m *contracts.Manifest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("cda.entity_id", m.EntityID),
		attribute.String("cda.action", m.Action),
	}
}
