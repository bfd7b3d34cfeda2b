package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// DefaultActions are permitted by NewBaseline when none are given.
var DefaultActions = []string{"execute_trade", "transfer", "withdraw", "deposit"}

// Baseline is the default policy: an action allowlist, well-typed numeric
// parameters, optional per-action parameter schemas, and a balance check.
type Baseline struct {
	allowed    map[string]bool
	schema     map[string]*jsonschema.Schema
	numeric    []string
	credits    map[string]bool
	amountKey  string
	balanceKey string
}

// NewBaseline creates a baseline policy permitting actions.
func NewBaseline(actions ...string) *Baseline {
	if len(actions) == 0 {
		actions = DefaultActions
	}
	b := &Baseline{
		allowed:    make(map[string]bool, len(actions)),
		schema:     make(map[string]*jsonschema.Schema),
		numeric:    []string{"amount"},
		credits:    map[string]bool{"deposit": true},
		amountKey:  "amount",
		balanceKey: "balance",
	}
	for _, a := range actions {
		b.allowed[a] = true
	}
	return b
}

// AllowAction adds an action to the allowlist with an optional JSON Schema
// for its params. An empty schema removes any previous one.
func (b *Baseline) AllowAction(name, schema string) error {
	b.allowed[name] = true
	if schema == "" {
		delete(b.schema, name)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://cda.schemas.local/params/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("params schema load failed for %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("params schema compile failed for %q: %w", name, err)
	}
	b.schema[name] = compiled
	return nil
}

// SetNumericParams replaces the list of params that must be non-negative numbers.
func (b *Baseline) SetNumericParams(keys ...string) {
	b.numeric = append([]string(nil), keys...)
}

// SetCredit marks an action as adding to the balance, which exempts it
// from the balance check.
func (b *Baseline) SetCredit(action string, credit bool) {
	if credit {
		b.credits[action] = true
		return
	}
	delete(b.credits, action)
}

// Actions returns the allowlisted actions in sorted order.
func (b *Baseline) Actions() []string {
	out := make([]string, 0, len(b.allowed))
	for a := range b.allowed {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (b *Baseline) Evaluate(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error) {
	if err := CheckBinding(intent, snap); err != nil {
		return Decision{}, err
	}

	if !b.allowed[intent.Action] {
		return Deny(fmt.Sprintf("action %q is not permitted", intent.Action)), nil
	}

	for _, key := range b.numeric {
		v, ok := intent.Params[key]
		if !ok {
			continue
		}
		f, isNum := v.AsFloat()
		if !isNum || math.IsNaN(f) || math.IsInf(f, 0) {
			return Deny(fmt.Sprintf("parameter %q must be a number", key)), nil
		}
		if f < 0 {
			return Deny(fmt.Sprintf("parameter %q must not be negative", key)), nil
		}
	}

	if s, ok := b.schema[intent.Action]; ok {
		doc, err := schemaDocument(intent.Params)
		if err != nil {
			return Decision{}, err
		}
		if err := s.Validate(doc); err != nil {
			return Deny(fmt.Sprintf("parameters rejected: %v", err)), nil
		}
	}

	amount, ok := intent.Params[b.amountKey]
	if !ok || b.credits[intent.Action] {
		return Permit(), nil
	}
	if !amount.IsNumber() {
		return Deny(fmt.Sprintf("parameter %q must be a number", b.amountKey)), nil
	}
	balance, ok := snap.State[b.balanceKey]
	if !ok || balance.IsNull() {
		balance = contracts.Int(0)
	}
	if !balance.IsNumber() {
		return Deny(fmt.Sprintf("state %q is not a number", b.balanceKey)), nil
	}
	cmp, err := contracts.CompareNumbers(amount, balance)
	if err != nil {
		return Decision{}, err
	}
	if cmp > 0 {
		return Deny(fmt.Sprintf("insufficient balance: requested %s, available %s", amount, balance)), nil
	}
	return Permit(), nil
}

// schemaDocument renders params the way the schema validator expects
// decoded JSON, with json.Number for numerics.
func schemaDocument(params contracts.Attributes) (any, error) {
	if params == nil {
		params = contracts.Attributes{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return doc, nil
}
