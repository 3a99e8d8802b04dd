package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/decision"
	"github.com/ashita-ai/renkei/internal/executor"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/testutil"
)

type harness struct {
	runtime   *Runtime
	framework *kpi.Framework
	msgBus    *bus.Bus
	engine    *decision.Engine
	observer  *bus.Subscription
}

// newHarness builds a production-domain runtime over an in-memory framework
// seeded at 100 everywhere, with the efficiency baseline settled at 100.
func newHarness(t *testing.T, catalog plan.Catalog) *harness {
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
	engine := decision.New(model.DomainProduction, decision.Config{}, logger)
	for i := 0; i < 12; i++ {
		engine.Observe(model.MetricEfficiency, 100)
	}

	agentID := model.AgentIDForDomain(model.DomainProduction)
	rt := New(Config{CollaborationTimeout: 100 * time.Millisecond}, Deps{
		Domain:    model.DomainProduction,
		KPI:       framework,
		Bus:       msgBus,
		Engine:    engine,
		Generator: plan.New(agentID, model.DomainProduction, catalog, nil, 0, logger),
		Executor:  executor.New(agentID, framework, nil, logger),
		Logger:    logger,
	})

	return &harness{
		runtime:   rt,
		framework: framework,
		msgBus:    msgBus,
		engine:    engine,
		observer:  msgBus.Subscribe("observer"),
	}
}

func (h *harness) drop(t *testing.T, metric model.Metric, delta float64) {
	t.Helper()
	ctx := context.Background()
	rec, err := h.framework.Get(model.DomainProduction, metric)
	require.NoError(t, err)
	_, err = h.framework.Propose(ctx, model.DomainProduction, metric, delta, rec.Version, "test")
	require.NoError(t, err)
}

func (h *harness) drain() []model.Message {
	var out []model.Message
	for {
		select {
		case msg := <-h.observer.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func localCatalog() plan.Catalog {
	return plan.Catalog{
		model.DomainProduction: {
			{
				Name:    "tune-line",
				Domain:  model.DomainProduction,
				Effects: map[model.Metric]float64{model.MetricEfficiency: 0.05},
			},
		},
	}
}

func TestCycleIdleWhenHealthy(t *testing.T) {
	h := newHarness(t, localCatalog())

	h.runtime.cycle(context.Background())

	assert.Equal(t, model.StateIdle, h.runtime.Status().State)
	assert.Empty(t, h.drain(), "a healthy domain publishes nothing")
	assert.False(t, h.runtime.Status().LastDecisionAt.IsZero())
}

func TestCycleRemediatesMediumIssue(t *testing.T) {
	h := newHarness(t, localCatalog())
	h.drop(t, model.MetricEfficiency, -30) // 30% below baseline: Medium

	h.runtime.cycle(context.Background())

	status := h.runtime.Status()
	assert.Equal(t, model.StateIdle, status.State)
	assert.Nil(t, status.PendingPlan)

	rec, err := h.framework.Get(model.DomainProduction, model.MetricEfficiency)
	require.NoError(t, err)
	assert.InDelta(t, 73.5, rec.Value, 1e-9, "plan effect of +5%% on 70 must be applied")

	msgs := h.drain()
	require.Len(t, msgs, 2, "accepted and executed status updates")
	for _, msg := range msgs {
		assert.Equal(t, model.MsgStatusUpdate, msg.Type)
	}
	var final model.StatusUpdatePayload
	require.NoError(t, model.DecodePayload(msgs[1].Payload, &final))
	assert.Equal(t, model.PlanExecuted, final.PlanStatus)
	assert.Equal(t, 1, final.AppliedActions)

	assert.False(t, h.engine.InFlight(model.MetricEfficiency), "terminal plan clears the marker")

	insights := h.runtime.Insights("efficiency_deviation", 0)
	require.Len(t, insights, 1)
	assert.InDelta(t, 0.7, insights[0].Confidence, 1e-9)
}

func TestCriticalIssueAlertsThenEscalatesWithoutPlan(t *testing.T) {
	h := newHarness(t, plan.Catalog{model.DomainProduction: {}})
	h.drop(t, model.MetricEfficiency, -70) // 70% below baseline: Critical

	h.runtime.cycle(context.Background())

	assert.Equal(t, model.StateIdle, h.runtime.Status().State)

	msgs := h.drain()
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.MsgAlert, msgs[0].Type, "alert precedes planning on critical issues")

	var alert model.AlertPayload
	require.NoError(t, model.DecodePayload(msgs[0].Payload, &alert))
	assert.Equal(t, model.SeverityCritical, alert.Severity)
	assert.Equal(t, model.MetricEfficiency, alert.Metric)
	assert.InDelta(t, -0.70, alert.Deviation, 1e-9)
	assert.InDelta(t, 100, alert.Baseline, 1e-9)

	var sawEscalated bool
	for _, msg := range msgs[1:] {
		if msg.Type != model.MsgStatusUpdate {
			continue
		}
		var payload model.StatusUpdatePayload
		require.NoError(t, model.DecodePayload(msg.Payload, &payload))
		if payload.State == model.StateEscalated {
			sawEscalated = true
		}
	}
	assert.True(t, sawEscalated, "no viable plan for a critical issue must surface as escalated")
}

func TestHandleProposalEvaluatesOwnDomainEffect(t *testing.T) {
	h := newHarness(t, localCatalog())
	sales := h.msgBus.Subscribe("sales-agent")

	propose := func(delta map[string]float64) model.Message {
		p := model.Plan{ID: uuid.New(), ProposingAgent: "sales-agent", ProjectedDelta: delta}
		return model.Message{
			ID:         uuid.New(),
			Type:       model.MsgPlanProposal,
			Sender:     "sales-agent",
			Recipients: []model.AgentID{h.runtime.ID()},
			Payload:    model.EncodePayload(model.PlanProposalPayload{Plan: p}),
		}
	}

	// Net-positive effect on production: ack.
	h.runtime.handleProposal(propose(map[string]float64{"production/output": 5}))
	select {
	case msg := <-sales.C():
		assert.Equal(t, model.MsgPlanAck, msg.Type)
		require.NotNil(t, msg.CausationID, "replies must cite the proposal")
	case <-time.After(time.Second):
		t.Fatal("no reply to beneficial proposal")
	}

	// Cost increase weighs negative: reject.
	h.runtime.handleProposal(propose(map[string]float64{"production/cost": 5}))
	select {
	case msg := <-sales.C():
		assert.Equal(t, model.MsgPlanReject, msg.Type)
		var reply model.PlanReplyPayload
		require.NoError(t, model.DecodePayload(msg.Payload, &reply))
		assert.NotEmpty(t, reply.Reason)
	case <-time.After(time.Second):
		t.Fatal("no reply to harmful proposal")
	}
}

func TestCollaborateUnanimousAck(t *testing.T) {
	h := newHarness(t, localCatalog())
	h.msgBus.Register("logistics-agent")
	h.msgBus.Register("sales-agent")

	p := model.Plan{
		ID:            uuid.New(),
		TargetDomains: []model.Domain{model.DomainProduction, model.DomainLogistics, model.DomainSales},
		Status:        model.PlanSimulated,
	}

	go func() {
		h.runtime.replies <- planReply{planID: p.ID, sender: "logistics-agent", ack: true}
		h.runtime.replies <- planReply{planID: p.ID, sender: "sales-agent", ack: true}
	}()

	ok := h.runtime.collaborate(context.Background(), p, time.Now().Add(time.Minute))
	assert.True(t, ok)
}

func TestCollaborateRejectOrTimeout(t *testing.T) {
	h := newHarness(t, localCatalog())
	h.msgBus.Register("logistics-agent")

	p := model.Plan{
		ID:            uuid.New(),
		TargetDomains: []model.Domain{model.DomainProduction, model.DomainLogistics},
		Status:        model.PlanSimulated,
	}

	// One peer rejects: collaboration fails immediately.
	go func() {
		h.runtime.replies <- planReply{planID: p.ID, sender: "logistics-agent", ack: false}
	}()
	assert.False(t, h.runtime.collaborate(context.Background(), p, time.Now().Add(time.Minute)))

	// Silence: the collaboration timeout (100ms in the harness) fails it.
	start := time.Now()
	assert.False(t, h.runtime.collaborate(context.Background(), p, time.Now().Add(time.Minute)))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCollaborateOperatorApproval(t *testing.T) {
	h := newHarness(t, localCatalog())
	h.msgBus.Register("logistics-agent")

	p := model.Plan{
		ID:            uuid.New(),
		TargetDomains: []model.Domain{model.DomainProduction, model.DomainLogistics},
		Status:        model.PlanSimulated,
	}

	id := p.ID
	require.NoError(t, h.runtime.Submit(Directive{Kind: DirectiveApprovePlan, PlanID: &id}))

	ok := h.runtime.collaborate(context.Background(), p, time.Now().Add(time.Minute))
	assert.True(t, ok, "operator approval bypasses peer acks")
}

func TestSubmitDirectiveValidation(t *testing.T) {
	h := newHarness(t, localCatalog())

	assert.ErrorIs(t, h.runtime.Submit(Directive{Kind: "reboot"}), ErrUnknownDirective)
	assert.ErrorIs(t, h.runtime.Submit(Directive{Kind: DirectiveApprovePlan}), ErrUnknownDirective)

	require.NoError(t, h.runtime.Submit(Directive{Kind: DirectiveEvaluateNow}))
	// Coalesces instead of erroring when one is already queued.
	require.NoError(t, h.runtime.Submit(Directive{Kind: DirectiveEvaluateNow}))
}
