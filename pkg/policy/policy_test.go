package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

func trade(t *testing.T, entity string, amount contracts.Value) *contracts.Intent {
	t.Helper()
	in, err := contracts.NewIntent(entity, "agent-test", "execute_trade", contracts.Attributes{"amount": amount}, 300)
	require.NoError(t, err)
	return in
}

func snapshot(entity string, balance int64) *contracts.ContextSnapshot {
	return contracts.NewContextSnapshot(entity, contracts.Attributes{
		"balance": contracts.Int(balance),
		"version": contracts.Int(10),
	})
}

func TestBaselineAllowsWithinBalance(t *testing.T) {
	d, err := NewBaseline().Evaluate(trade(t, "user-456", contracts.Int(1000)), snapshot("user-456", 5000))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestBaselineDeniesInsufficientBalance(t *testing.T) {
	d, err := NewBaseline().Evaluate(trade(t, "user-456", contracts.Int(1000)), snapshot("user-456", 10))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "insufficient balance")
}

func TestBaselineMissingBalanceCountsAsZero(t *testing.T) {
	snap := contracts.NewContextSnapshot("user-456", contracts.Attributes{"version": contracts.Int(1)})

	d, err := NewBaseline().Evaluate(trade(t, "user-456", contracts.Int(1)), snap)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	d, err = NewBaseline().Evaluate(trade(t, "user-456", contracts.Int(0)), snap)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestBaselineEntityMismatchIsSecurityViolation(t *testing.T) {
	_, err := NewBaseline().Evaluate(trade(t, "user-456", contracts.Int(1)), snapshot("user-999", 5000))
	require.ErrorIs(t, err, contracts.ErrSecurityViolation)
}

func TestBaselineRejectsUnknownActionAndBadAmounts(t *testing.T) {
	b := NewBaseline()
	snap := snapshot("user-456", 5000)

	in, err := contracts.NewIntent("user-456", "agent", "launch_missiles", nil, 60)
	require.NoError(t, err)
	d, err := b.Evaluate(in, snap)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "not permitted")

	d, err = b.Evaluate(trade(t, "user-456", contracts.String("lots")), snap)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "must be a number")

	d, err = b.Evaluate(trade(t, "user-456", contracts.Int(-5)), snap)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestBaselineDepositSkipsBalanceCheck(t *testing.T) {
	in, err := contracts.NewIntent("user-456", "agent", "deposit", contracts.Attributes{"amount": contracts.Int(1_000_000)}, 60)
	require.NoError(t, err)
	d, err := NewBaseline().Evaluate(in, snapshot("user-456", 0))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestBaselineParamsSchema(t *testing.T) {
	b := NewBaseline()
	require.NoError(t, b.AllowAction("execute_trade", `{
		"type": "object",
		"required": ["amount", "symbol"],
		"properties": {"symbol": {"type": "string", "minLength": 1}}
	}`))

	d, err := b.Evaluate(trade(t, "user-456", contracts.Int(10)), snapshot("user-456", 5000))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "parameters rejected")

	in := trade(t, "user-456", contracts.Int(10))
	in.Params["symbol"] = contracts.String("ACME")
	d, err = b.Evaluate(in, snapshot("user-456", 5000))
	require.NoError(t, err)
	assert.True(t, d.Allow, d.Reason)

	require.Error(t, b.AllowAction("broken", `{"type": 12}`))
}

func TestBaselineIsDeterministic(t *testing.T) {
	b := NewBaseline()
	in := trade(t, "user-456", contracts.Int(1000))
	snap := snapshot("user-456", 999)
	first, err := b.Evaluate(in, snap)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := b.Evaluate(in, snap)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, contracts.Int(999), snap.State["balance"])
}

func TestCELPolicy(t *testing.T) {
	p, err := NewCELPolicy([]Rule{
		{Name: "cap", Expr: `intent.params.amount <= 2000`, Reason: "order exceeds cap"},
		{Name: "active", Expr: `!has(state.frozen) || state.frozen == false`},
	})
	require.NoError(t, err)

	d, err := p.Evaluate(trade(t, "user-456", contracts.Int(1000)), snapshot("user-456", 0))
	require.NoError(t, err)
	assert.True(t, d.Allow, d.Reason)

	d, err = p.Evaluate(trade(t, "user-456", contracts.Int(5000)), snapshot("user-456", 0))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "order exceeds cap", d.Reason)

	frozen := snapshot("user-456", 0)
	frozen.State["frozen"] = contracts.Bool(true)
	d, err = p.Evaluate(trade(t, "user-456", contracts.Int(1)), frozen)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, `"active"`)

	_, err = p.Evaluate(trade(t, "user-456", contracts.Int(1)), snapshot("other", 0))
	require.ErrorIs(t, err, contracts.ErrSecurityViolation)
}

func TestCELPolicyFailsClosedOnMissingField(t *testing.T) {
	p, err := NewCELPolicy([]Rule{{Name: "needs-limit", Expr: `intent.params.amount <= state.limit`}})
	require.NoError(t, err)

	d, err := p.Evaluate(trade(t, "user-456", contracts.Int(1)), snapshot("user-456", 0))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "could not be evaluated")
}

func TestCELPolicyRejectsBadRules(t *testing.T) {
	_, err := NewCELPolicy([]Rule{{Name: "syntax", Expr: `intent.params.amount <=`}})
	require.Error(t, err)

	_, err = NewCELPolicy([]Rule{{Name: "not-bool", Expr: `1 + 2`}})
	require.Error(t, err)
}

func TestChain(t *testing.T) {
	allow := EvaluatorFunc(func(*contracts.Intent, *contracts.ContextSnapshot) (Decision, error) { return Permit(), nil })
	deny := EvaluatorFunc(func(*contracts.Intent, *contracts.ContextSnapshot) (Decision, error) { return Deny("second"), nil })

	d, err := Chain{allow, deny, allow}.Evaluate(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Deny("second"), d)

	d, err = Chain{}.Evaluate(nil, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

const policyV1 = `
actions:
  - name: execute_trade
  - name: deposit
    credit: true
rules:
  - name: cap
    expr: 'intent.params.amount <= 2000'
    reason: order exceeds cap
`

const policyV2 = `
actions:
  - name: deposit
    credit: true
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyV1), 0o600))

	eval, err := LoadFile(path)
	require.NoError(t, err)

	d, err := eval.Evaluate(trade(t, "user-456", contracts.Int(1500)), snapshot("user-456", 5000))
	require.NoError(t, err)
	assert.True(t, d.Allow, d.Reason)

	d, err = eval.Evaluate(trade(t, "user-456", contracts.Int(2500)), snapshot("user-456", 5000))
	require.NoError(t, err)
	assert.Equal(t, "order exceeds cap", d.Reason)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestReloaderPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyV1), 0o600))

	r, err := NewReloader(path, nil)
	require.NoError(t, err)
	r.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	in := trade(t, "user-456", contracts.Int(10))
	snap := snapshot("user-456", 5000)

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(policyV2), 0o600)
		d, err := r.Evaluate(in, snap)
		return err == nil && !d.Allow
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestReloaderCallbackCanChangeDuringReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyV1), 0o600))

	r, err := NewReloader(path, nil)
	require.NoError(t, err)

	var first, second atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.reloadAndReport()
		}()
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.OnReload(func(error) { first.Add(1) })
			} else {
				r.OnReload(func(error) { second.Add(1) })
			}
		}(i)
	}
	wg.Wait()

	r.OnReload(func(err error) {
		assert.NoError(t, err)
		second.Add(1)
	})
	before := second.Load()
	r.reloadAndReport()
	assert.Equal(t, before+1, second.Load())

	r.OnReload(nil)
	r.reloadAndReport()
	assert.Equal(t, before+1, second.Load())
}

func TestReloaderKeepsLastGoodPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyV1), 0o600))

	r, err := NewReloader(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - expr: 'intent.params.amount <='\n"), 0o600))
	require.Error(t, r.Reload())

	d, err := r.Evaluate(trade(t, "user-456", contracts.Int(10)), snapshot("user-456", 5000))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
