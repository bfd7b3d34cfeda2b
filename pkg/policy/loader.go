package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk policy document.
//
//	actions:
//	  - name: execute_trade
//	    params_schema: '{"type":"object","required":["amount"]}'
//	  - name: deposit
//	    credit: true
//	numeric_params: [amount]
//	rules:
//	  - name: single_order_cap
//	    expr: 'intent.params.amount <= 100000'
//	    reason: order exceeds single-order cap
type File struct {
	Actions       []ActionSpec `yaml:"actions"`
	NumericParams []string     `yaml:"numeric_params"`
	Rules         []Rule       `yaml:"rules"`
}

// ActionSpec allowlists one action.
type ActionSpec struct {
	Name         string `yaml:"name"`
	ParamsSchema string `yaml:"params_schema,omitempty"`
	Credit       bool   `yaml:"credit,omitempty"`
}

// Parse decodes a policy document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &f, nil
}

// LoadFile reads and compiles the policy at path.
func LoadFile(path string) (Evaluator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return f.Compile()
}

// Compile builds the evaluator described by the document: the baseline,
// followed by the CEL rules when any are given.
func (f *File) Compile() (Evaluator, error) {
	var names []string
	for _, a := range f.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("policy action without a name")
		}
		names = append(names, a.Name)
	}

	base := NewBaseline(names...)
	for _, a := range f.Actions {
		if err := base.AllowAction(a.Name, a.ParamsSchema); err != nil {
			return nil, err
		}
		base.SetCredit(a.Name, a.Credit)
	}
	if f.NumericParams != nil {
		base.SetNumericParams(f.NumericParams...)
	}

	if len(f.Rules) == 0 {
		return base, nil
	}
	rules, err := NewCELPolicy(f.Rules)
	if err != nil {
		return nil, err
	}
	return Chain{base, rules}, nil
}
