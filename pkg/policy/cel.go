package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Rule is a named CEL expression that must evaluate to true for an intent
// to be allowed. The expression sees two variables:
//
//	intent: {id, entity_id, source, action, params, ttl}
//	state:  the snapshot state map
type Rule struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Reason string `yaml:"reason"`
}

// CELPolicy evaluates a fixed set of compiled CEL rules. Programs are
// compiled once at construction, so Evaluate never compiles.
type CELPolicy struct {
	rules    []Rule
	programs []cel.Program
}

const celCostLimit = 10000

// NewCELPolicy compiles rules; any compile error or non-boolean rule fails
// construction.
func NewCELPolicy(rules []Rule) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &CELPolicy{rules: append([]Rule(nil), rules...)}
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
			p.rules[i].Name = name
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q compile: %w", name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(celCostLimit),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q program: %w", name, err)
		}
		p.programs = append(p.programs, prg)
	}
	return p, nil
}

// Evaluate fails closed: a rule that errors or yields a non-bool denies.
func (p *CELPolicy) Evaluate(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error) {
	if err := CheckBinding(intent, snap); err != nil {
		return Decision{}, err
	}

	input := map[string]any{
		"intent": map[string]any{
			"id":        intent.ID,
			"entity_id": intent.EntityID,
			"source":    intent.Source,
			"action":    intent.Action,
			"params":    intent.Params.Map(),
			"ttl":       intent.TTL,
		},
		"state": snap.State.Map(),
	}

	for i, prg := range p.programs {
		rule := p.rules[i]
		out, _, err := prg.Eval(input)
		if err != nil {
			return Deny(fmt.Sprintf("rule %q could not be evaluated: %v", rule.Name, err)), nil
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return Deny(fmt.Sprintf("rule %q did not produce a boolean", rule.Name)), nil
		}
		if !ok {
			reason := rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("rule %q violated", rule.Name)
			}
			return Deny(reason), nil
		}
	}
	return Permit(), nil
}
