package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/agent"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/decision"
	"github.com/ashita-ai/renkei/internal/escalation"
	"github.com/ashita-ai/renkei/internal/executor"
	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
	"github.com/ashita-ai/renkei/internal/server"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/testutil"
)

type gateway struct {
	handler   http.Handler
	framework *kpi.Framework
	msgBus    *bus.Bus
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()

	framework, err := kpi.New(ctx, storage.NewMemory(), logger)
	require.NoError(t, err)
	for _, d := range model.Domains() {
		for _, m := range model.Metrics() {
			require.NoError(t, framework.Seed(ctx, d, m, 100))
		}
	}

	msgBus := bus.New(logger)
	tokens := human.NewTokenManager([]byte("test-secret"), time.Hour)
	controller := escalation.New(msgBus, framework, human.NewLogNotifier(tokens, logger), tokens, escalation.Config{}, logger)

	runtimes := make(map[model.Domain]*agent.Runtime, len(model.Domains()))
	catalog := plan.DefaultCatalog()
	for _, d := range model.Domains() {
		id := model.AgentIDForDomain(d)
		runtimes[d] = agent.New(agent.Config{}, agent.Deps{
			Domain:    d,
			KPI:       framework,
			Bus:       msgBus,
			Engine:    decision.New(d, decision.Config{}, logger),
			Generator: plan.New(id, d, catalog, nil, 0, logger),
			Executor:  executor.New(id, framework, nil, logger),
			Logger:    logger,
		})
	}

	srv := server.New(server.ServerConfig{
		Runtimes:   runtimes,
		KPI:        framework,
		Bus:        msgBus,
		Escalation: controller,
		Logger:     logger,
		Version:    "test",
	})
	return &gateway{handler: srv.Handler(), framework: framework, msgBus: msgBus}
}

func (g *gateway) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 3, body["agents"])
}

func TestListAgents(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	agents := decode[[]model.Agent](t, rec)
	require.Len(t, agents, 3)
	assert.Equal(t, model.AgentID("sales-agent"), agents[0].ID, "domain order is stable")
	for _, a := range agents {
		assert.Equal(t, model.StateIdle, a.State)
	}
}

func TestAgentStatus(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodGet, "/v1/agents/production-agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	a := decode[model.Agent](t, rec)
	assert.Equal(t, model.DomainProduction, a.Domain)

	rec = g.do(t, http.MethodGet, "/v1/agents/warehouse-agent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentInsights(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodGet, "/v1/agents/sales-agent/insights", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String(), "no insights yet encodes as an empty array")

	rec = g.do(t, http.MethodGet, "/v1/agents/sales-agent/insights?min_confidence=high", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirective(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodPost, "/v1/agents/logistics-agent/directive", `{"kind":"evaluate_now"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = g.do(t, http.MethodPost, "/v1/agents/logistics-agent/directive", `{"kind":"self_destruct"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodPost, "/v1/agents/logistics-agent/directive", `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodPost, "/v1/agents/ghost-agent/directive", `{"kind":"evaluate_now"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKPIEndpoints(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodGet, "/v1/kpis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[map[string]model.KPIRecord](t, rec)
	require.Contains(t, all, "production/efficiency")
	assert.InDelta(t, 100, all["production/efficiency"].Value, 1e-9)

	rec = g.do(t, http.MethodGet, "/v1/kpis/production", "")
	require.Equal(t, http.StatusOK, rec.Code)
	domain := decode[map[model.Metric]model.KPIRecord](t, rec)
	assert.Len(t, domain, len(model.Metrics()))

	rec = g.do(t, http.MethodGet, "/v1/kpis/warehouse", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmergencyEndpoints(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodGet, "/v1/emergencies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = g.do(t, http.MethodPost, "/v1/emergencies/not-a-uuid/resolve", `{"token":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodPost, "/v1/emergencies/"+uuid.NewString()+"/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "token is required")

	rec = g.do(t, http.MethodPost, "/v1/emergencies/"+uuid.NewString()+"/resolve", `{"token":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecentMessages(t *testing.T) {
	g := newGateway(t)

	for i := 0; i < 3; i++ {
		_, err := g.msgBus.Publish(model.Message{
			Type:       model.MsgStatusUpdate,
			Sender:     "sales-agent",
			Recipients: []model.AgentID{model.Broadcast},
			Payload:    model.EncodePayload(model.StatusUpdatePayload{State: model.StateIdle}),
		})
		require.NoError(t, err)
	}

	rec := g.do(t, http.MethodGet, "/v1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]model.Message](t, rec)
	assert.Len(t, msgs, 3)

	rec = g.do(t, http.MethodGet, "/v1/messages?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs = decode[[]model.Message](t, rec)
	assert.Len(t, msgs, 2)

	rec = g.do(t, http.MethodGet, "/v1/messages?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
