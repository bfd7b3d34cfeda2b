package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/crypto"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/gate"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/kernel"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/policy"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/store"
)

type servers struct {
	kernel http.Handler
	gate   http.Handler
}

func newServers(t *testing.T, replay gate.ReplayPolicy) servers {
	t.Helper()
	ring := crypto.NewKeyring[[]byte]()
	require.NoError(t, ring.Add(crypto.DefaultProtocolVersion, make([]byte, 32)))
	codec := crypto.NewPasetoCodec(ring)

	g := gate.New(codec, store.NewMemoryStore(), gate.WithReplayPolicy(replay))
	_, err := g.Seed(context.Background(), "user-456", 10, contracts.Attributes{"balance": contracts.Int(5000)})
	require.NoError(t, err)

	opts := ServerOptions{Version: crypto.DefaultProtocolVersion, AllowSeed: true}
	return servers{
		kernel: NewKernelHandler(kernel.New(policy.NewBaseline(), codec), opts),
		gate:   NewGateHandler(g, opts),
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func problemOf(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func authorizeBody(entity string, amount int64) map[string]any {
	return map[string]any{
		"intent": map[string]any{
			"entity_id": "user-456",
			"source":    "agent-1",
			"action":    "execute_trade",
			"params":    map[string]any{"amount": amount},
			"ttl":       300,
		},
		"context": map[string]any{
			"entity_id": entity,
			"state":     map[string]any{"balance": 5000, "version": 10},
		},
	}
}

func TestAuthorizeAndExecuteOverHTTP(t *testing.T) {
	s := newServers(t, gate.ReplayReject)

	rec := do(t, s.kernel, http.MethodPost, "/authorize", authorizeBody("user-456", 1000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var auth kernel.Authorization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	assert.Equal(t, contracts.DecisionAllow, auth.Decision)
	require.NotNil(t, auth.ManifestPreview)
	assert.NotEmpty(t, auth.ManifestPreview.IntentID)

	rec = do(t, s.gate, http.MethodPost, "/execute", ExecuteRequest{Token: auth.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res gate.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, gate.StatusExecuted, res.Status)
	assert.Equal(t, auth.ManifestPreview.IntentID, res.IntentID)

	rec = do(t, s.gate, http.MethodPost, "/execute", ExecuteRequest{Token: auth.Token})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, contracts.CodeReplayDetected, problemOf(t, rec).Code)

	rec = do(t, s.gate, http.MethodGet, "/records/"+res.IntentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s.gate, http.MethodGet, "/records?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Records []contracts.ExecutedIntentRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Records, 1)

	rec = do(t, s.gate, http.MethodGet, "/entities/user-456", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap contracts.ContextSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, contracts.Int(4000), snap.State["balance"])
	assert.Equal(t, contracts.Int(11), snap.State["version"])
}

func TestIdempotentReplayOverHTTP(t *testing.T) {
	s := newServers(t, gate.ReplayIdempotent)
	rec := do(t, s.kernel, http.MethodPost, "/authorize", authorizeBody("user-456", 10))
	require.Equal(t, http.StatusOK, rec.Code)
	var auth kernel.Authorization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))

	for _, want := range []gate.Status{gate.StatusExecuted, gate.StatusReplayed} {
		rec = do(t, s.gate, http.MethodPost, "/execute", ExecuteRequest{Token: auth.Token})
		require.Equal(t, http.StatusOK, rec.Code)
		var res gate.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, want, res.Status)
	}
}

func TestKernelErrorMapping(t *testing.T) {
	s := newServers(t, gate.ReplayReject)

	rec := do(t, s.kernel, http.MethodPost, "/authorize", authorizeBody("user-999", 1))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, contracts.CodeSecurityViolation, problemOf(t, rec).Code)

	rec = do(t, s.kernel, http.MethodPost, "/authorize", authorizeBody("user-456", 9999))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := problemOf(t, rec)
	assert.Equal(t, contracts.CodePolicyDenied, p.Code)
	assert.Contains(t, p.Detail, "insufficient balance")

	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader("{"))
	w := httptest.NewRecorder()
	s.kernel.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, contracts.CodeInvalidInput, problemOf(t, w).Code)

	rec = do(t, s.kernel, http.MethodPost, "/authorize", map[string]any{"context": map[string]any{"entity_id": "user-456"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateErrorMapping(t *testing.T) {
	s := newServers(t, gate.ReplayReject)

	rec := do(t, s.gate, http.MethodPost, "/execute", ExecuteRequest{Token: "v4.local.nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, contracts.CodeInvalidToken, problemOf(t, rec).Code)

	rec = do(t, s.gate, http.MethodPost, "/execute", ExecuteRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.gate, http.MethodGet, "/entities/nobody", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, contracts.CodeEntityNotFound, problemOf(t, rec).Code)

	rec = do(t, s.gate, http.MethodGet, "/records/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.gate, http.MethodGet, "/records?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeedEntityOverHTTP(t *testing.T) {
	s := newServers(t, gate.ReplayReject)
	rec := do(t, s.gate, http.MethodPut, "/entities/user-789", map[string]any{
		"version":    4,
		"attributes": map[string]any{"balance": 12.5},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s.gate, http.MethodGet, "/entities/user-789", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap contracts.ContextSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, contracts.Float(12.5), snap.State["balance"])
	assert.Equal(t, contracts.Int(4), snap.State["version"])
}

func TestSeedRefusesExistingEntity(t *testing.T) {
	s := newServers(t, gate.ReplayReject)
	rec := do(t, s.gate, http.MethodPut, "/entities/user-456", map[string]any{
		"version":    0,
		"attributes": map[string]any{"balance": 1000000},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, contracts.CodeEntityExists, problemOf(t, rec).Code)

	rec = do(t, s.gate, http.MethodGet, "/entities/user-456", nil)
	var snap contracts.ContextSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, contracts.Int(5000), snap.State["balance"])
	assert.Equal(t, contracts.Int(10), snap.State["version"])
}

func TestSeedDisabledByDefault(t *testing.T) {
	ring := crypto.NewKeyring[[]byte]()
	require.NoError(t, ring.Add(crypto.DefaultProtocolVersion, make([]byte, 32)))
	h := NewGateHandler(gate.New(crypto.NewPasetoCodec(ring), store.NewMemoryStore()), ServerOptions{})

	rec := do(t, h, http.MethodPut, "/entities/user-789", map[string]any{"version": 1})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodGet, "/entities/user-789", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newServers(t, gate.ReplayIdempotent)
	rec := do(t, s.kernel, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"kernel"`)

	rec = do(t, s.gate, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"replay_policy":"idempotent"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	cases := map[contracts.Code]int{
		contracts.CodeSecurityViolation: 403,
		contracts.CodePolicyDenied:      422,
		contracts.CodeInvalidInput:      400,
		contracts.CodeInvalidToken:      401,
		contracts.CodeTokenExpired:      401,
		contracts.CodeExecutionDenied:   403,
		contracts.CodeReplayDetected:    409,
		contracts.CodeEntityNotFound:    404,
		contracts.CodeOCCConflict:       409,
		"":                              500,
	}
	for code, status := range cases {
		assert.Equal(t, status, StatusFor(code), code)
	}
}

func TestInternalErrorsAreNotExposed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	WriteError(rec, req, nil, errors.New("password=hunter2"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "within burst")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client")

	limiter.evict(limiter.visitors["198.51.100.7"].lastSeen.Add(1))
	assert.Empty(t, limiter.visitors)
}

func TestDisabledRateLimiterPassesThrough(t *testing.T) {
	var limiter *RateLimiter
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
