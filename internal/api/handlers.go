package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/capgrid/gateway/internal/activity"
	"github.com/capgrid/gateway/internal/core"
	"github.com/capgrid/gateway/internal/obslog"
	"github.com/capgrid/gateway/internal/receipt"
	"github.com/capgrid/gateway/internal/registry"
	"github.com/capgrid/gateway/internal/router"
)

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req core.InvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}
	s.identify(&req, r)
	writeResult(w, s.router.Invoke(r.Context(), &req))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []*core.InvocationRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}
	for _, req := range body.Requests {
		if req == nil {
			writeError(w, core.NewError(core.KindValidation, "batch requests must not contain null entries"))
			return
		}
		s.identify(req, r)
	}

	results, gerr := s.router.Batch(r.Context(), body.Requests)
	if gerr != nil {
		writeError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Steps       []router.ComposeStep `json:"steps"`
		StopOnError *bool                `json:"stop_on_error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}
	stopOnError := true
	if body.StopOnError != nil {
		stopOnError = *body.StopOnError
	}

	var probe core.InvocationRequest
	s.identify(&probe, r)

	out, gerr := s.router.Compose(r.Context(), probe.Identity, probe.RemoteIP, body.Steps, stopOnError)
	if gerr != nil {
		writeError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		Tag:  r.URL.Query().Get("tag"),
		Mode: core.ExecutionMode(r.URL.Query().Get("mode")),
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"capabilities": s.registry.List(f)})
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	desc := s.registry.Get(id)
	if desc == nil {
		writeError(w, core.NewError(core.KindNotFound, "unknown capability").WithDetail("capability_id", id))
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleCapabilitySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Summary())
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.breaker.Reset(id)
	s.logs.Info("api", "circuit reset", map[string]interface{}{"capability": id})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capability_id": id,
		"state":         s.breaker.State(id).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system":       s.col.System(),
		"capabilities": s.col.All(),
		"circuits":     s.breaker.Status(),
		"rate_limiter": s.limiter.Stats(),
	})
}

func (s *Server) handleCapabilityMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cell := s.col.Get(id)
	if cell == nil {
		writeError(w, core.NewError(core.KindNotFound, "no metrics recorded").WithDetail("capability_id", id))
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthSnapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	level := obslog.Level(r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.logs.Recent(n, level),
		"stats":   s.logs.Stats(),
	})
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReceiptBlob string                 `json:"receipt_blob,omitempty"`
		Receipt     *receipt.Receipt       `json:"receipt,omitempty"`
		Inputs      map[string]interface{} `json:"inputs,omitempty"`
		Outputs     map[string]interface{} `json:"outputs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}

	rec := body.Receipt
	if rec == nil && body.ReceiptBlob != "" {
		decoded, err := receipt.Decode(body.ReceiptBlob)
		if err != nil {
			writeError(w, core.NewError(core.KindValidation, "invalid receipt blob: %v", err))
			return
		}
		rec = decoded
	}
	if rec == nil {
		writeError(w, core.NewError(core.KindValidation, "receipt or receipt_blob is required"))
		return
	}

	if err := s.receipts.Verify(rec, body.Inputs, body.Outputs); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid":      false,
			"receipt_id": rec.ReceiptID,
			"reason":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      true,
		"receipt_id": rec.ReceiptID,
	})
}

func (s *Server) handleReputationExport(w http.ResponseWriter, r *http.Request) {
	blob, err := s.scorer.Export()
	if err != nil {
		writeError(w, core.NewError(core.KindInternal, "export failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reputation": blob})
}

func (s *Server) handleReputationMerge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reputation string  `json:"reputation"`
		Weight     float64 `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.scorer.Merge(body.Reputation, body.Weight); err != nil {
		writeError(w, core.NewError(core.KindValidation, "merge rejected: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"merged": true})
}

// activityFilter parses the shared query parameters of the activity
// endpoints.
func activityFilter(r *http.Request) activity.Filter {
	q := r.URL.Query()
	f := activity.Filter{
		AgentID:    q.Get("agent_id"),
		Visibility: activity.Visibility(q.Get("visibility")),
	}
	if types := q.Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	if since := q.Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = ts
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	return f
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.feed.Query(activityFilter(r)),
	})
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}

	key, err := s.agents.Register(body.AgentID)
	if err != nil {
		writeError(w, core.NewError(core.KindValidation, "registration rejected: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent_id": body.AgentID,
		"api_key":  key,
	})
}

func (s *Server) handleAgentProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	profile, err := s.agents.Profile(id)
	if err != nil {
		writeError(w, core.NewError(core.KindNotFound, "unknown agent").WithDetail("agent_id", id))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleAgentEndorse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.agents.Endorse(id); err != nil {
		writeError(w, core.NewError(core.KindNotFound, "unknown agent").WithDetail("agent_id", id))
		return
	}
	s.feed.Record(activity.TypeAgentEndorsed, id, nil, activity.VisibilityPublic)
	writeJSON(w, http.StatusOK, map[string]interface{}{"endorsed": true})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var probe core.InvocationRequest
	s.identify(&probe, r)

	sessionID, expires, err := s.gate.OpenSession(probe.Identity)
	if err != nil {
		writeError(w, core.NewError(core.KindForbidden, "handshake rejected: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sessionID,
		"expires_at": expires.UTC(),
	})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CapabilityID string `json:"capability_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewError(core.KindValidation, "invalid request body: %v", err))
		return
	}
	if s.registry.Get(body.CapabilityID) == nil {
		writeError(w, core.NewError(core.KindNotFound, "unknown capability").
			WithDetail("capability_id", body.CapabilityID))
		return
	}

	var probe core.InvocationRequest
	s.identify(&probe, r)

	token, err := s.gate.IssueToken(probe.Identity, body.CapabilityID)
	if err != nil {
		writeError(w, core.NewError(core.KindForbidden, "token issuance rejected: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, token)
}
