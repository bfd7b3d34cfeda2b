// Package policy decides whether an intent may proceed against a trusted
// snapshot of entity state. Evaluators are pure: no I/O, no mutation.
package policy

import (
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Permit returns an allowing decision.
func Permit() Decision { return Decision{Allow: true} }

// Deny returns a denying decision with a reason suitable for the caller.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Evaluator is a swappable policy. Evaluate returns a denial as a Decision,
// never as an error; errors are reserved for SecurityViolation and faults.
type Evaluator interface {
	Evaluate(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error)

func (f EvaluatorFunc) Evaluate(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error) {
	return f(intent, snap)
}

// CheckBinding enforces that the intent and the snapshot describe the same
// entity. A mismatch is a security violation, not a denial.
func CheckBinding(intent *contracts.Intent, snap *contracts.ContextSnapshot) error {
	if intent.EntityID != snap.EntityID {
		return contracts.Fail(contracts.CodeSecurityViolation,
			"entity mismatch: intent targets %q, context describes %q", intent.EntityID, snap.EntityID)
	}
	return nil
}

// Chain evaluates each policy in order; the first denial or error wins.
type Chain []Evaluator

func (c Chain) Evaluate(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error) {
	if len(c) == 0 {
		return Deny("no policy configured"), nil
	}
	for _, p := range c {
		d, err := p.Evaluate(intent, snap)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allow {
			return d, nil
		}
	}
	return Permit(), nil
}
