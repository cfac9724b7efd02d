package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/governor"
	"github.com/arbiterhq/arbiter/pkg/idempotency"
	"github.com/arbiterhq/arbiter/pkg/intent"
	"github.com/arbiterhq/arbiter/pkg/invariant"
	"github.com/arbiterhq/arbiter/pkg/ledger"
	"github.com/arbiterhq/arbiter/pkg/policy"
	"github.com/arbiterhq/arbiter/pkg/resiliency"
)

type okCollaborator struct{}

func (okCollaborator) Execute(_ context.Context, req contracts.ActionRequest) (map[string]any, error) {
	return map[string]any{"performed": req.Action}, nil
}

type testEnv struct {
	handler http.Handler
	store   *ledger.MemoryStore
	led     *ledger.Service
	esc     *governor.EscalationManager
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	pack := &policy.Pack{
		ID:            "mesh-governance",
		Scope:         "mesh",
		Version:       "sha256:abc123def456",
		DefaultEffect: contracts.EffectDeny,
		Rules: []policy.Rule{
			{ID: "deny-detach", ActionPattern: "mesh:detach", Effect: contracts.EffectDeny},
			{ID: "warn-scale", ActionPattern: "mesh:scale", Effect: contracts.EffectWarn},
			{ID: "allow-all", ActionPattern: "mesh:*", Effect: contracts.EffectAllow},
		},
	}
	require.NoError(t, pack.Validate())
	registry := policy.NewRegistry()
	registry.SetPacks([]*policy.Pack{pack})

	store := ledger.NewMemoryStore()
	led := ledger.NewService(store, nil)
	idem := idempotency.NewMemoryStore(0)
	t.Cleanup(idem.Close)
	esc := governor.NewEscalationManager()
	gov := governor.New(invariant.NewChecker(), policy.NewEngine(registry), led, idem, esc, nil, nil)

	client := resiliency.NewClient("mesh", okCollaborator{})
	templates := []intent.Template{{
		ID:   "mesh-provision",
		Type: "provision",
		Steps: []intent.StepTemplate{
			{Action: operatorAction("mesh:reserve"), Collaborator: "mesh"},
			{Action: operatorAction("mesh:attach"), Collaborator: "mesh"},
		},
	}}
	orch := intent.NewOrchestrator(intent.NewMemoryStore(), gov, led,
		map[string]*resiliency.Client{"mesh": client}, templates, nil, nil)

	srv := NewServer(gov, orch, led, esc, nil, opts...)
	return &testEnv{handler: srv.Handler(), store: store, led: led, esc: esc}
}

func operatorAction(action string) contracts.ActionRequest {
	return contracts.ActionRequest{
		Action: action,
		Actor:  contracts.Actor{UserID: "u-1", Role: "operator"},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEvaluateAllow(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/policy/evaluate", operatorAction("mesh:join"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	resp := decode[evaluateResponse](t, rec)
	assert.Equal(t, contracts.EffectAllow, resp.Effect)
	assert.Equal(t, "allow-all", resp.MatchedPolicyID)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.NotEmpty(t, resp.LedgerEventID)
}

func TestEvaluateDenyIsStillHTTP200(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/policy/evaluate", operatorAction("mesh:detach"))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[evaluateResponse](t, rec)
	assert.Equal(t, contracts.EffectDeny, resp.Effect)
	assert.Equal(t, "deny-detach", resp.MatchedPolicyID)
}

func TestEvaluateInvariantViolation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/policy/evaluate", contracts.ActionRequest{
		Action: "mesh:join",
		Actor:  contracts.Actor{UserID: "u-2", Role: "analyst"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[evaluateResponse](t, rec)
	assert.Equal(t, contracts.EffectDeny, resp.Effect)
	assert.Equal(t, "invariant:mesh-delegation-required", resp.MatchedPolicyID)
}

func TestEvaluateIdempotencyHeader(t *testing.T) {
	env := newTestEnv(t)
	req := operatorAction("mesh:join")

	first := env.do(t, http.MethodPost, "/policy/evaluate", req, "Idempotency-Key", "k-1")
	second := env.do(t, http.MethodPost, "/policy/evaluate", req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	a := decode[evaluateResponse](t, first)
	b := decode[evaluateResponse](t, second)
	assert.False(t, a.Cached)
	assert.True(t, b.Cached)
	assert.Equal(t, a.LedgerEventID, b.LedgerEventID)

	n, err := env.led.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEvaluateRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/policy/evaluate", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	problem := decode[ProblemDetail](t, rec)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.NotEmpty(t, problem.CorrelationID)
}

func TestLedgerAppendAndRead(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ledger/event", ledger.Event{
		Partition: "external",
		Action:    "external:sync",
		Actor:     contracts.Actor{UserID: "u-1", Role: "operator"},
		Decision:  contracts.EffectAllow,
		PolicyID:  "library-eval",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	appended := decode[ledger.Event](t, rec)
	assert.Equal(t, uint64(1), appended.Sequence)
	assert.NotEmpty(t, appended.EventHash)

	list := env.do(t, http.MethodGet, "/ledger/events?partition=external", nil)
	require.Equal(t, http.StatusOK, list.Code)
	resp := decode[map[string]any](t, list)
	assert.Equal(t, float64(1), resp["count"])
}

func TestLedgerAppendValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ledger/event", ledger.Event{
		Partition: "external",
		Action:    "external:sync",
		Decision:  contracts.Effect("PERMIT"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/ledger/event", ledger.Event{Decision: contracts.EffectAllow})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerEventsPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/policy/evaluate", operatorAction("mesh:join"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	page := env.do(t, http.MethodGet, "/ledger/events?partition=mesh&limit=3", nil)
	require.Equal(t, http.StatusOK, page.Code)
	resp := decode[map[string]any](t, page)
	assert.Equal(t, float64(3), resp["count"])
	assert.Equal(t, float64(3), resp["next_after"])

	page = env.do(t, http.MethodGet, "/ledger/events?partition=mesh&limit=3&after=3", nil)
	resp = decode[map[string]any](t, page)
	assert.Equal(t, float64(2), resp["count"])

	// Paging the global stream, no partition parameter.
	page = env.do(t, http.MethodGet, "/ledger/events?limit=3&after=3", nil)
	resp = decode[map[string]any](t, page)
	assert.Equal(t, float64(2), resp["count"])

	bad := env.do(t, http.MethodGet, "/ledger/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestLedgerVerify(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/policy/evaluate", operatorAction("mesh:join"))
	require.Equal(t, http.StatusOK, rec.Code)

	verify := env.do(t, http.MethodGet, "/ledger/verify?partition=mesh", nil)
	require.Equal(t, http.StatusOK, verify.Code)
	resp := decode[map[string]any](t, verify)
	assert.Equal(t, true, resp["ok"])

	env.store.Tamper("mesh", 1, func(e *ledger.Event) { e.Decision = contracts.EffectDeny })

	verify = env.do(t, http.MethodGet, "/ledger/verify", nil)
	require.Equal(t, http.StatusOK, verify.Code)
	resp = decode[map[string]any](t, verify)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "mesh", resp["partition"])
	assert.Equal(t, float64(1), resp["broken_sequence"])
}

func TestIntentLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/intents/create", createIntentRequest{TemplateID: "mesh-provision", CreatedBy: "u-1"})
	require.Equal(t, http.StatusCreated, created.Code)
	body := decode[map[string]any](t, created)
	id := body["intent_id"].(string)
	require.NotEmpty(t, id)

	step := env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/step/1", id), nil)
	require.Equal(t, http.StatusOK, step.Code)
	sr := decode[stepResponse](t, step)
	assert.Equal(t, intent.StateInProgress, sr.State)
	assert.Equal(t, intent.StepCompleted, sr.StepStatus)
	assert.Equal(t, contracts.EffectAllow, sr.Decision.Effect)

	step = env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/step/2", id), nil)
	require.Equal(t, http.StatusOK, step.Code)
	sr = decode[stepResponse](t, step)
	assert.Equal(t, intent.StateCompleted, sr.State)

	get := env.do(t, http.MethodGet, "/intents/"+id, nil)
	require.Equal(t, http.StatusOK, get.Code)
	in := decode[intent.Intent](t, get)
	assert.Equal(t, intent.StateCompleted, in.State)

	audit := env.do(t, http.MethodGet, "/intents/"+id+"/audit", nil)
	require.Equal(t, http.StatusOK, audit.Code)
	auditBody := decode[map[string]any](t, audit)
	assert.Len(t, auditBody["events"], 2)
}

func TestIntentStepErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/intents/unknown/step/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	created := env.do(t, http.MethodPost, "/intents/create", createIntentRequest{TemplateID: "mesh-provision"})
	id := decode[map[string]any](t, created)["intent_id"].(string)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/step/2", id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/step/0", id), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/intents/create", createIntentRequest{TemplateID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollbackRequiresFailedIntent(t *testing.T) {
	env := newTestEnv(t)
	created := env.do(t, http.MethodPost, "/intents/create", createIntentRequest{TemplateID: "mesh-provision"})
	id := decode[map[string]any](t, created)["intent_id"].(string)
	env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/step/1", id), nil)
	env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/step/2", id), nil)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/intents/%s/rollback", id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/intents/unknown/rollback", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/policy/evaluate", operatorAction("mesh:join"))
	require.Equal(t, http.StatusOK, rec.Code)

	health := env.do(t, http.MethodGet, "/governance/health", nil)
	require.Equal(t, http.StatusOK, health.Code)
	resp := decode[healthResponse](t, health)
	assert.Equal(t, "ok", resp.PolicyEngine)
	assert.Equal(t, "ok", resp.LedgerService)
	assert.Equal(t, 1, resp.PolicyPacksLoaded)
	assert.Equal(t, int64(1), resp.LedgerEventCount)
}

func TestHealthReportsPolicyDegraded(t *testing.T) {
	env := newTestEnv(t, WithPolicyHealth(func() bool { return true }))

	health := env.do(t, http.MethodGet, "/governance/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, health.Code)
	resp := decode[healthResponse](t, health)
	assert.Equal(t, "degraded", resp.PolicyEngine)
}

func TestEscalationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/policy/evaluate", operatorAction("mesh:scale"))
	require.Equal(t, http.StatusOK, rec.Code)
	warned := decode[evaluateResponse](t, rec)
	require.Equal(t, contracts.EffectWarn, warned.Effect)

	list := env.do(t, http.MethodGet, "/governance/escalations", nil)
	require.Equal(t, http.StatusOK, list.Code)
	body := decode[struct {
		Escalations []governor.Escalation `json:"escalations"`
		Count       int                   `json:"count"`
	}](t, list)
	require.Equal(t, 1, body.Count)
	escID := body.Escalations[0].ID

	resolve := env.do(t, http.MethodPost, "/governance/escalations/"+escID+"/resolve",
		resolveEscalationRequest{ReviewerID: "reviewer-1", Approve: true})
	require.Equal(t, http.StatusOK, resolve.Code)
	resolved := decode[governor.Escalation](t, resolve)
	assert.Equal(t, governor.EscalationApproved, resolved.Status)

	again := env.do(t, http.MethodPost, "/governance/escalations/"+escID+"/resolve",
		resolveEscalationRequest{ReviewerID: "reviewer-2", Approve: false})
	assert.Equal(t, http.StatusConflict, again.Code)

	missing := env.do(t, http.MethodPost, "/governance/escalations/none/resolve",
		resolveEscalationRequest{ReviewerID: "reviewer-1", Approve: true})
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestRateLimiting(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	t.Cleanup(rl.Close)
	env := newTestEnv(t, WithRateLimiter(rl))

	first := env.do(t, http.MethodGet, "/governance/health", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodGet, "/governance/health", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "5", second.Header().Get("Retry-After"))

	time.Sleep(1100 * time.Millisecond)
	third := env.do(t, http.MethodGet, "/governance/health", nil)
	assert.Equal(t, http.StatusOK, third.Code)
}
