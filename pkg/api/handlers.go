package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/intent"
	"github.com/arbiterhq/arbiter/pkg/ledger"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// evaluateResponse flattens the decision with its ledger linkage.
type evaluateResponse struct {
	contracts.PolicyDecision
	LedgerEventID string `json:"ledger_event_id"`
	Cached        bool   `json:"cached,omitempty"`
}

// handleEvaluate runs one ActionRequest through the full pipeline. The HTTP
// status is 200 for ALLOW, DENY, and WARN alike; the decision is the payload,
// not the transport status.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req contracts.ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, r, "action is required")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := s.gov.Authorize(r.Context(), req)
	if err != nil {
		s.logger.Error("authorize failed", "action", req.Action, "error", err)
		WriteInternal(w, r)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		PolicyDecision: res.Decision,
		LedgerEventID:  res.LedgerEventID,
		Cached:         res.Cached,
	})
}

// handleLedgerAppend records a pre-built event. Intended for callers that
// run invariant and policy evaluation via library call.
func (s *Server) handleLedgerAppend(w http.ResponseWriter, r *http.Request) {
	var e ledger.Event
	if !decodeBody(w, r, &e) {
		return
	}
	if e.Partition == "" || e.Action == "" {
		WriteBadRequest(w, r, "partition and action are required")
		return
	}
	if !e.Decision.Valid() {
		WriteBadRequest(w, r, "decision must be ALLOW, DENY, or WARN")
		return
	}

	appended, err := s.ledger.AppendEvent(r.Context(), e)
	if err != nil {
		s.logger.Error("ledger append failed", "partition", e.Partition, "error", err)
		WriteInternal(w, r)
		return
	}
	writeJSON(w, http.StatusCreated, appended)
}

func (s *Server) handleLedgerEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Partition:     q.Get("partition"),
		CorrelationID: q.Get("correlation_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "after must be a sequence number")
			return
		}
		f.After = n
	}

	events, err := s.ledger.Events(r.Context(), f)
	if err != nil {
		s.logger.Error("ledger read failed", "error", err)
		WriteInternal(w, r)
		return
	}
	resp := map[string]any{"events": events, "count": len(events)}
	if len(events) > 0 {
		resp["next_after"] = events[len(events)-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")

	var (
		ok        bool
		brokenSeq uint64
		err       error
	)
	if partition != "" {
		ok, brokenSeq, err = s.ledger.VerifyChain(r.Context(), partition)
	} else {
		ok, partition, brokenSeq, err = s.ledger.VerifyAll(r.Context())
	}
	if err != nil {
		s.logger.Error("chain verification failed", "error", err)
		WriteInternal(w, r)
		return
	}
	if s.metrics != nil {
		result := "ok"
		if !ok {
			result = "broken"
		}
		s.metrics.ChainVerifications.WithLabelValues(result).Inc()
	}

	resp := map[string]any{"ok": ok}
	if !ok {
		resp["partition"] = partition
		resp["broken_sequence"] = brokenSeq
		s.logger.Error("ledger chain integrity violation", "partition", partition, "sequence", brokenSeq)
	}
	writeJSON(w, http.StatusOK, resp)
}

type createIntentRequest struct {
	TemplateID string `json:"template_id"`
	Type       string `json:"type,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
}

func (s *Server) handleIntentCreate(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TemplateID == "" {
		WriteBadRequest(w, r, "template_id is required")
		return
	}

	in, err := s.orch.Create(r.Context(), req.TemplateID, req.CreatedBy)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"intent_id": in.ID,
		"type":      in.Type,
		"state":     in.State,
		"steps":     len(in.Steps),
	})
}

type stepResponse struct {
	IntentID   string                   `json:"intent_id"`
	State      intent.State             `json:"state"`
	Sequence   int                      `json:"sequence"`
	StepStatus intent.StepStatus        `json:"step_status"`
	Decision   contracts.PolicyDecision `json:"decision"`
	Output     map[string]any           `json:"output,omitempty"`
}

func (s *Server) handleIntentStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sequence, err := strconv.Atoi(r.PathValue("sequence"))
	if err != nil || sequence < 1 {
		WriteBadRequest(w, r, "sequence must be a positive integer")
		return
	}

	res, err := s.orch.ExecuteStep(r.Context(), id, sequence)
	switch {
	case errors.Is(err, intent.ErrNotFound):
		WriteNotFound(w, r, "intent not found")
		return
	case errors.Is(err, intent.ErrOutOfOrder), errors.Is(err, intent.ErrBadState):
		WriteConflict(w, r, err.Error())
		return
	case err != nil:
		// Collaborator or ledger failure; the intent state in the response
		// body of a 502 would be stale, so log and return the error only.
		s.logger.Error("step execution failed", "intent_id", id, "sequence", sequence, "error", err)
		WriteError(w, r, http.StatusBadGateway, "Step Execution Failed", "the step could not be executed against its collaborator")
		return
	}

	step, _ := res.Intent.StepAt(sequence)
	resp := stepResponse{
		IntentID: res.Intent.ID,
		State:    res.Intent.State,
		Sequence: sequence,
		Decision: res.Decision,
		Output:   res.Output,
	}
	if step != nil {
		resp.StepStatus = step.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIntentRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := s.orch.Rollback(r.Context(), id)
	switch {
	case errors.Is(err, intent.ErrNotFound):
		WriteNotFound(w, r, "intent not found")
		return
	case errors.Is(err, intent.ErrBadState):
		WriteConflict(w, r, err.Error())
		return
	case err != nil:
		s.logger.Error("rollback failed", "intent_id", id, "error", err)
		WriteInternal(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intent_id": in.ID, "state": in.State})
}

func (s *Server) handleIntentGet(w http.ResponseWriter, r *http.Request) {
	in, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, intent.ErrNotFound) {
		WriteNotFound(w, r, "intent not found")
		return
	}
	if err != nil {
		WriteInternal(w, r)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleIntentAudit(w http.ResponseWriter, r *http.Request) {
	in, events, err := s.orch.Audit(r.Context(), r.PathValue("id"))
	if errors.Is(err, intent.ErrNotFound) {
		WriteNotFound(w, r, "intent not found")
		return
	}
	if err != nil {
		WriteInternal(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent_id": in.ID,
		"state":     in.State,
		"events":    events,
	})
}

// healthResponse is the shape external monitors poll.
type healthResponse struct {
	PolicyEngine      string `json:"policy_engine"`
	LedgerService     string `json:"ledger_service"`
	PolicyPacksLoaded int    `json:"policy_packs_loaded"`
	LedgerEventCount  int64  `json:"ledger_event_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.gov.Health(r.Context())
	resp := healthResponse{
		PolicyEngine:      "ok",
		LedgerService:     "ok",
		PolicyPacksLoaded: h.PolicyPacks,
		LedgerEventCount:  h.LedgerEvents,
	}
	if s.policyDegraded != nil && s.policyDegraded() {
		resp.PolicyEngine = "degraded"
	}
	if h.LedgerDegraded {
		resp.LedgerService = "degraded"
	}
	status := http.StatusOK
	if resp.PolicyEngine != "ok" || resp.LedgerService != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	pending := s.escalations.Pending()
	writeJSON(w, http.StatusOK, map[string]any{"escalations": pending, "count": len(pending)})
}

type resolveEscalationRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Approve    bool   `json:"approve"`
}

func (s *Server) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveEscalationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReviewerID == "" {
		WriteBadRequest(w, r, "reviewer_id is required")
		return
	}

	id := r.PathValue("id")
	esc, resolved := s.escalations.Resolve(id, req.ReviewerID, req.Approve)
	if !resolved {
		if _, exists := s.escalations.Get(id); !exists {
			WriteNotFound(w, r, "escalation not found")
			return
		}
		WriteConflict(w, r, "escalation is not pending")
		return
	}
	writeJSON(w, http.StatusOK, esc)
}
