package gate

import (
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// Effect computes an entity's next attributes for an authorized action.
// It receives copies and may return state itself modified. Returning an
// error aborts the execution; nothing is committed.
type Effect interface {
	Apply(params, state contracts.Attributes) (contracts.Attributes, error)
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(params, state contracts.Attributes) (contracts.Attributes, error)

func (f EffectFunc) Apply(params, state contracts.Attributes) (contracts.Attributes, error) {
	return f(params, state)
}

// Noop leaves the attributes untouched. The version still advances.
var Noop = EffectFunc(func(_, state contracts.Attributes) (contracts.Attributes, error) {
	return state, nil
})

// Effects maps actions to their side effects. Unknown actions fall back to
// Noop so that an action the policy admits always has a defined effect.
type Effects struct {
	byAction map[string]Effect
	fallback Effect
}

// NewEffects creates an empty registry.
func NewEffects() *Effects {
	return &Effects{byAction: make(map[string]Effect), fallback: Noop}
}

// DefaultEffects debits "amount" from "balance" for execute_trade, transfer
// and withdraw, and credits it for deposit.
func DefaultEffects() *Effects {
	e := NewEffects()
	debit := Debit("amount", "balance")
	for _, action := range []string{"execute_trade", "transfer", "withdraw"} {
		e.Register(action, debit)
	}
	e.Register("deposit", Credit("amount", "balance"))
	return e
}

// Register sets the effect for action. Not safe to call concurrently with
// Lookup; build the registry before handing it to a Gate.
func (e *Effects) Register(action string, effect Effect) {
	e.byAction[action] = effect
}

// Lookup returns the effect for action.
func (e *Effects) Lookup(action string) Effect {
	if effect, ok := e.byAction[action]; ok {
		return effect
	}
	return e.fallback
}

// Debit subtracts params[amountKey] from state[balanceKey]. The balance is
// checked again here because it may have moved since authorization when the
// token carries no entity version.
func Debit(amountKey, balanceKey string) Effect {
	return EffectFunc(func(params, state contracts.Attributes) (contracts.Attributes, error) {
		amount, balance, err := operands(params, state, amountKey, balanceKey)
		if err != nil {
			return nil, err
		}
		cmp, err := contracts.CompareNumbers(amount, balance)
		if err != nil {
			return nil, contracts.Wrap(contracts.CodeExecutionDenied, err, "cannot compare amount to balance")
		}
		if cmp > 0 {
			return nil, contracts.Fail(contracts.CodeExecutionDenied,
				"insufficient balance at execution: requested %s, available %s", amount, balance)
		}
		state[balanceKey] = arith(balance, amount, -1)
		return state, nil
	})
}

// Credit adds params[amountKey] to state[balanceKey].
func Credit(amountKey, balanceKey string) Effect {
	return EffectFunc(func(params, state contracts.Attributes) (contracts.Attributes, error) {
		amount, balance, err := operands(params, state, amountKey, balanceKey)
		if err != nil {
			return nil, err
		}
		state[balanceKey] = arith(balance, amount, 1)
		return state, nil
	})
}

func operands(params, state contracts.Attributes, amountKey, balanceKey string) (amount, balance contracts.Value, err error) {
	amount, ok := params.Get(amountKey)
	if !ok || amount.IsNull() {
		amount = contracts.Int(0)
	}
	if !amount.IsNumber() {
		return amount, balance, contracts.Fail(contracts.CodeExecutionDenied, "parameter %q must be a number", amountKey)
	}
	balance, ok = state.Get(balanceKey)
	if !ok || balance.IsNull() {
		balance = contracts.Int(0)
	}
	if !balance.IsNumber() {
		return amount, balance, contracts.Fail(contracts.CodeExecutionDenied, "state %q is not a number", balanceKey)
	}
	return amount, balance, nil
}

// arith returns balance + sign*amount, staying integral when both are and
// the result does not overflow.
func arith(balance, amount contracts.Value, sign int64) contracts.Value {
	bi, bInt := balance.AsInt()
	ai, aInt := amount.AsInt()
	if bInt && aInt {
		delta := sign * ai
		sum := bi + delta
		if (delta > 0 && sum >= bi) || (delta <= 0 && sum <= bi) {
			return contracts.Int(sum)
		}
	}
	bf, _ := balance.AsFloat()
	af, _ := amount.AsFloat()
	return contracts.Float(bf + float64(sign)*af)
}
