package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/agent"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/escalation"
	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runtimes   map[model.Domain]*agent.Runtime
	kpi        *kpi.Framework
	busRef     *bus.Bus
	escalation *escalation.Controller
	broker     *Broker
	logger     *slog.Logger
	startedAt  time.Time
	version    string
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// runtimeByID resolves an {agent_id} path value to its runtime.
func (h *Handlers) runtimeByID(w http.ResponseWriter, r *http.Request) (*agent.Runtime, bool) {
	id := model.AgentID(r.PathValue("agent_id"))
	for _, rt := range h.runtimes {
		if rt.ID() == id {
			return rt, true
		}
	}
	writeError(w, http.StatusNotFound, "unknown agent: "+string(id))
	return nil, false
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   h.version,
		"uptime":    time.Since(h.startedAt).String(),
		"agents":    len(h.runtimes),
		"timestamp": time.Now().UTC(),
	})
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := make([]model.Agent, 0, len(h.runtimes))
	for _, d := range model.Domains() {
		if rt, ok := h.runtimes[d]; ok {
			agents = append(agents, rt.Status())
		}
	}
	writeJSON(w, http.StatusOK, agents)
}

// HandleAgentStatus handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.runtimeByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Status())
}

// HandleAgentInsights handles GET /v1/agents/{agent_id}/insights.
// Optional query params: category, min_confidence.
func (h *Handlers) HandleAgentInsights(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.runtimeByID(w, r)
	if !ok {
		return
	}
	minConfidence := 0.0
	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_confidence: "+raw)
			return
		}
		minConfidence = v
	}
	insights := rt.Insights(r.URL.Query().Get("category"), minConfidence)
	if insights == nil {
		insights = []model.Insight{}
	}
	writeJSON(w, http.StatusOK, insights)
}

// HandleDirective handles POST /v1/agents/{agent_id}/directive.
func (h *Handlers) HandleDirective(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.runtimeByID(w, r)
	if !ok {
		return
	}
	var d agent.Directive
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid directive body: "+err.Error())
		return
	}
	if err := rt.Submit(d); err != nil {
		if errors.Is(err, agent.ErrUnknownDirective) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.logger.Info("server: directive accepted", "agent", rt.ID(), "kind", d.Kind)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleAllKPIs handles GET /v1/kpis.
func (h *Handlers) HandleAllKPIs(w http.ResponseWriter, r *http.Request) {
	snapshot := h.kpi.SnapshotAll()
	out := make(map[string]model.KPIRecord, len(snapshot))
	for key, rec := range snapshot {
		out[key.String()] = rec
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDomainKPIs handles GET /v1/kpis/{domain}.
func (h *Handlers) HandleDomainKPIs(w http.ResponseWriter, r *http.Request) {
	domain, err := model.ParseDomain(r.PathValue("domain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.kpi.Snapshot(domain))
}

// HandleEmergencies handles GET /v1/emergencies.
func (h *Handlers) HandleEmergencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.escalation.Events())
}

type resolveRequest struct {
	Token string `json:"token"`
}

// HandleResolveEmergency handles POST /v1/emergencies/{event_id}/resolve.
func (h *Handlers) HandleResolveEmergency(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(r.PathValue("event_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "acknowledgment token required")
		return
	}

	switch err := h.escalation.Resolve(r.Context(), eventID, req.Token); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, escalation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escalation.ErrNotEscalated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, human.ErrInvalidToken):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("server: resolve emergency", "event_id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// HandleRecentMessages handles GET /v1/messages?limit=N.
func (h *Handlers) HandleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = v
	}
	writeJSON(w, http.StatusOK, h.busRef.Recent(limit))
}

// HandleSubscribe handles GET /v1/stream: an SSE feed of bus traffic.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable WriteTimeout for this long-lived connection; idle SSE streams
	// would otherwise be killed after the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
