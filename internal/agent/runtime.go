// Package agent implements the per-agent runtime: the control loop that
// wires the decision engine, plan generator, executor, and bus interface
// into a continuous evaluate → plan → collaborate → execute cycle.
//
// The five capabilities are composed strategies bound at construction, not
// base classes; per-domain behavior comes from the injected catalog and
// weights, never from subclassing. The runtime is the single writer of its
// Agent record.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/decision"
	"github.com/ashita-ai/renkei/internal/executor"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
	"github.com/ashita-ai/renkei/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DirectiveKind enumerates operator directives.
type DirectiveKind string

const (
	// DirectiveApprovePlan accepts the pending cross-domain plan on behalf
	// of all peers, bypassing the collaboration timeout.
	DirectiveApprovePlan DirectiveKind = "approve_plan"
	// DirectiveEvaluateNow forces an immediate decision cycle.
	DirectiveEvaluateNow DirectiveKind = "evaluate_now"
)

// Directive is an operator command injected through the gateway.
type Directive struct {
	Kind   DirectiveKind `json:"kind"`
	PlanID *uuid.UUID    `json:"plan_id,omitempty"`
}

// ErrUnknownDirective is returned for directives the runtime cannot handle.
var ErrUnknownDirective = errors.New("agent: unknown directive")

// Config holds runtime timing. Zero values pick sane defaults.
type Config struct {
	// EvaluationInterval is the control loop's tick cadence.
	EvaluationInterval time.Duration
	// CollaborationTimeout bounds the wait for peer PLAN_ACKs.
	CollaborationTimeout time.Duration
	// AlertGraceWindow bounds how long a Critical issue may go without an
	// accepted plan before the runtime escalates.
	AlertGraceWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 10 * time.Second
	}
	if c.CollaborationTimeout <= 0 {
		c.CollaborationTimeout = 15 * time.Second
	}
	if c.AlertGraceWindow <= 0 {
		c.AlertGraceWindow = time.Minute
	}
}

// Deps are the composed capabilities of one agent.
type Deps struct {
	Domain    model.Domain
	KPI       *kpi.Framework
	Bus       *bus.Bus
	Engine    *decision.Engine
	Generator *plan.Generator
	Executor  *executor.Executor
	Weights   map[model.Domain]map[model.Metric]float64
	Logger    *slog.Logger
}

type planReply struct {
	planID uuid.UUID
	sender model.AgentID
	ack    bool
}

// Runtime is one agent's control loop.
type Runtime struct {
	cfg    Config
	deps   Deps
	id     model.AgentID
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	agent    model.Agent
	insights []model.Insight

	replies   chan planReply
	approvals chan uuid.UUID
	evalNow   chan struct{}
}

// New creates a runtime. Nil weights fall back to the plan defaults.
func New(cfg Config, deps Deps) *Runtime {
	cfg.applyDefaults()
	if deps.Weights == nil {
		deps.Weights = plan.DefaultWeights()
	}
	id := model.AgentIDForDomain(deps.Domain)
	r := &Runtime{
		cfg:    cfg,
		deps:   deps,
		id:     id,
		logger: deps.Logger.With("agent", id),
		tracer: telemetry.Tracer("renkei/agent"),
		agent: model.Agent{
			ID:     id,
			Domain: deps.Domain,
			State:  model.StateIdle,
		},
		replies:   make(chan planReply, 16),
		approvals: make(chan uuid.UUID, 4),
		evalNow:   make(chan struct{}, 1),
	}
	deps.Bus.Register(id)
	return r
}

// ID returns the agent's bus identity.
func (r *Runtime) ID() model.AgentID { return r.id }

// Domain returns the agent's domain.
func (r *Runtime) Domain() model.Domain { return r.deps.Domain }

// Status returns a copy of the agent record.
func (r *Runtime) Status() model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.agent
	if r.agent.PendingPlan != nil {
		id := *r.agent.PendingPlan
		snap.PendingPlan = &id
	}
	return snap
}

// Insights returns recorded insights filtered by category (empty = all) and
// minimum confidence, newest first.
func (r *Runtime) Insights(category string, minConfidence float64) []model.Insight {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Insight
	for i := len(r.insights) - 1; i >= 0; i-- {
		in := r.insights[i]
		if category != "" && in.Category != category {
			continue
		}
		if in.Confidence < minConfidence {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Submit injects an operator directive.
func (r *Runtime) Submit(d Directive) error {
	switch d.Kind {
	case DirectiveApprovePlan:
		if d.PlanID == nil {
			return fmt.Errorf("agent: approve_plan requires plan_id: %w", ErrUnknownDirective)
		}
		select {
		case r.approvals <- *d.PlanID:
			return nil
		default:
			return fmt.Errorf("agent: directive queue full")
		}
	case DirectiveEvaluateNow:
		select {
		case r.evalNow <- struct{}{}:
		default:
			// An evaluation is already pending; coalesce.
		}
		return nil
	default:
		return fmt.Errorf("agent: %q: %w", d.Kind, ErrUnknownDirective)
	}
}

// Run executes the control loop and the bus message loop until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	sub := r.deps.Bus.Subscribe(r.id,
		model.MsgPlanProposal, model.MsgPlanAck, model.MsgPlanReject, model.MsgCollabRequest)
	defer r.deps.Bus.Unsubscribe(sub)

	updates := make(chan model.KPIRecord, 16)
	var kpiSubs []*kpi.Subscription
	for _, metric := range model.Metrics() {
		kpiSubs = append(kpiSubs, r.deps.KPI.Subscribe(r.deps.Domain, metric))
	}
	defer func() {
		for _, s := range kpiSubs {
			r.deps.KPI.Unsubscribe(s)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range kpiSubs {
		g.Go(func() error { return forward(ctx, s, updates) })
	}
	g.Go(func() error { return r.messageLoop(ctx, sub) })
	g.Go(func() error { return r.controlLoop(ctx, updates) })

	r.logger.Info("agent: runtime started", "domain", r.deps.Domain,
		"interval", r.cfg.EvaluationInterval)
	return g.Wait()
}

func forward(ctx context.Context, s *kpi.Subscription, out chan<- model.KPIRecord) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-s.C():
			if !ok {
				return nil
			}
			select {
			case out <- rec:
			default:
				// The control loop snapshots on wake; a dropped wake-up
				// is covered by the next tick.
			}
		}
	}
}

// controlLoop runs decision cycles on ticks, KPI changes, and operator
// force-evaluations.
func (r *Runtime) controlLoop(ctx context.Context, updates <-chan model.KPIRecord) error {
	ticker := time.NewTicker(r.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-updates:
			drain(updates)
		case <-r.evalNow:
		}
		if r.Status().State != model.StateIdle {
			continue
		}
		r.cycle(ctx)
	}
}

func drain(ch <-chan model.KPIRecord) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// cycle is one pass of the decision loop.
func (r *Runtime) cycle(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "agent.cycle",
		trace.WithAttributes(attribute.String("agent.id", string(r.id))))
	defer span.End()

	r.setState(model.StateEvaluating)
	r.touchDecision()

	snapshot := r.deps.KPI.Snapshot(r.deps.Domain)
	issues := r.deps.Engine.Evaluate(snapshot)
	for metric, rec := range snapshot {
		r.deps.Engine.Observe(metric, rec.Value)
	}

	sev := decision.Aggregate(issues)
	if !sev.AtLeast(model.SeverityMedium) {
		r.setState(model.StateIdle)
		return
	}

	issue := issues[0]
	r.recordInsight(issue)
	span.SetAttributes(
		attribute.String("issue.metric", string(issue.Metric)),
		attribute.String("issue.severity", string(issue.Severity)))

	alerting := false
	if sev == model.SeverityCritical {
		// Alert before planning so escalation latency does not depend on
		// how long plan generation takes.
		r.publishAlert(issue)
		r.setState(model.StateAlerting)
		alerting = true
	}

	r.remediate(ctx, issue, alerting)
}

// remediate drives planning, collaboration, and execution for one issue.
func (r *Runtime) remediate(ctx context.Context, issue decision.Issue, alerting bool) {
	graceDeadline := time.Now().Add(r.cfg.AlertGraceWindow)

	r.setState(model.StatePlanning)
	p, err := r.deps.Generator.Generate(issue, r.deps.KPI.SnapshotAll(), false)
	if err != nil {
		r.handleNoPlan(issue, alerting, err)
		return
	}

	r.setPendingPlan(&p)
	defer r.clearPendingPlan()
	r.deps.Engine.MarkInFlight(issue.Metric, p.ID)

	if p.CrossDomain(r.deps.Domain) {
		r.setState(model.StateAwaitingCollaboration)
		if !r.collaborate(ctx, p, graceDeadline) {
			// Peers declined or timed out: regenerate within our own domain.
			r.deps.Engine.ClearInFlight(p.ID)
			if terr := p.TransitionTo(model.PlanRejected); terr != nil {
				r.logger.Warn("agent: plan transition", "error", terr)
			}
			r.setState(model.StatePlanning)
			p, err = r.deps.Generator.Generate(issue, r.deps.KPI.SnapshotAll(), true)
			if err != nil {
				r.handleNoPlan(issue, alerting, err)
				return
			}
			r.setPendingPlan(&p)
			r.deps.Engine.MarkInFlight(issue.Metric, p.ID)
		}
	}

	if alerting && time.Now().After(graceDeadline) {
		r.escalate(issue, "no plan accepted within grace window")
		r.deps.Engine.ClearInFlight(p.ID)
		return
	}

	if err := p.TransitionTo(model.PlanAccepted); err != nil {
		r.logger.Warn("agent: plan transition", "error", err)
		r.deps.Engine.ClearInFlight(p.ID)
		r.setState(model.StateIdle)
		return
	}
	r.publishStatus(model.StatusUpdatePayload{
		State:      model.StateExecuting,
		PlanID:     &p.ID,
		PlanStatus: p.Status,
		Note:       fmt.Sprintf("plan accepted for %s/%s", issue.Domain, issue.Metric),
	})

	r.setState(model.StateExecuting)
	applied, execErr := r.deps.Executor.Execute(ctx, &p)
	r.deps.Engine.ClearInFlight(p.ID)

	status := model.StatusUpdatePayload{
		State:          model.StateIdle,
		PlanID:         &p.ID,
		PlanStatus:     p.Status,
		AppliedActions: len(applied),
	}
	if execErr != nil {
		// Partial effects stay visible; the update documents them so the
		// failure is never silent.
		status.Note = execErr.Error()
		r.logger.Error("agent: plan execution failed",
			"plan_id", p.ID, "applied", len(applied), "error", execErr)
	} else {
		status.Note = fmt.Sprintf("remediated %s/%s", issue.Domain, issue.Metric)
	}
	r.publishStatus(status)
	r.setState(model.StateIdle)
}

// handleNoPlan escalates the issue one severity bucket and reports it.
func (r *Runtime) handleNoPlan(issue decision.Issue, alerting bool, err error) {
	if !errors.Is(err, plan.ErrNoViablePlan) {
		r.logger.Error("agent: plan generation failed", "error", err)
		r.setState(model.StateIdle)
		return
	}

	escalated := issue
	escalated.Severity = model.EscalateSeverity(issue.Severity)
	r.logger.Warn("agent: no viable plan, escalating severity",
		"metric", issue.Metric, "from", issue.Severity, "to", escalated.Severity)

	if escalated.Severity == model.SeverityCritical && !alerting {
		r.publishAlert(escalated)
	}
	r.publishStatus(model.StatusUpdatePayload{
		State: r.Status().State,
		Note:  fmt.Sprintf("no viable plan for %s/%s", issue.Domain, issue.Metric),
	})

	if alerting {
		r.escalate(issue, "no viable plan for critical issue")
		return
	}
	r.setState(model.StateIdle)
}

// collaborate proposes a cross-domain plan to every targeted peer and waits
// for unanimous PLAN_ACK. An operator approve_plan directive for the same
// plan bypasses the wait.
func (r *Runtime) collaborate(ctx context.Context, p model.Plan, graceDeadline time.Time) bool {
	peers := p.PeerDomains(r.deps.Domain)
	pending := make(map[model.AgentID]struct{}, len(peers))
	recipients := make([]model.AgentID, 0, len(peers))
	for _, d := range peers {
		id := model.AgentIDForDomain(d)
		pending[id] = struct{}{}
		recipients = append(recipients, id)
	}

	proposalID, err := r.deps.Bus.Publish(model.Message{
		Type:       model.MsgPlanProposal,
		Sender:     r.id,
		Recipients: recipients,
		Payload:    model.EncodePayload(model.PlanProposalPayload{Plan: p}),
	})
	if err != nil {
		r.logger.Error("agent: proposal publish failed", "plan_id", p.ID, "error", err)
		return false
	}
	r.logger.Info("agent: awaiting collaboration",
		"plan_id", p.ID, "proposal_id", proposalID, "peers", len(pending))

	timeout := r.cfg.CollaborationTimeout
	if rem := time.Until(graceDeadline); rem < timeout {
		timeout = rem
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			r.logger.Warn("agent: collaboration timeout",
				"plan_id", p.ID, "missing_acks", len(pending))
			return false
		case planID := <-r.approvals:
			if planID == p.ID {
				r.logger.Info("agent: plan approved by operator directive", "plan_id", p.ID)
				return true
			}
		case reply := <-r.replies:
			if reply.planID != p.ID {
				continue
			}
			if !reply.ack {
				r.logger.Info("agent: plan rejected by peer",
					"plan_id", p.ID, "peer", reply.sender)
				return false
			}
			delete(pending, reply.sender)
		}
	}
	return true
}

// messageLoop answers peer traffic: proposals to evaluate, replies to route
// to the collaboration wait, and collaboration context requests.
func (r *Runtime) messageLoop(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch msg.Type {
			case model.MsgPlanProposal:
				r.handleProposal(msg)
			case model.MsgPlanAck, model.MsgPlanReject:
				r.handleReply(msg)
			case model.MsgCollabRequest:
				r.handleCollabRequest(msg)
			}
		}
	}
}

// handleProposal acks a peer's plan when its projected net effect on our
// domain is non-negative under our weights, rejects it otherwise.
func (r *Runtime) handleProposal(msg model.Message) {
	var payload model.PlanProposalPayload
	if err := model.DecodePayload(msg.Payload, &payload); err != nil {
		r.logger.Warn("agent: undecodable proposal", "message_id", msg.ID, "error", err)
		return
	}
	p := payload.Plan

	net := r.netDomainEffect(p)
	ack := net >= 0
	reply := model.MsgPlanAck
	reason := ""
	if !ack {
		reply = model.MsgPlanReject
		reason = fmt.Sprintf("projected net effect on %s is %.4f", r.deps.Domain, net)
	}

	causation := msg.ID
	if _, err := r.deps.Bus.Publish(model.Message{
		Type:        reply,
		Sender:      r.id,
		Recipients:  []model.AgentID{msg.Sender},
		Payload:     model.EncodePayload(model.PlanReplyPayload{PlanID: p.ID, Reason: reason}),
		CausationID: &causation,
	}); err != nil {
		r.logger.Warn("agent: reply publish failed", "plan_id", p.ID, "error", err)
		return
	}
	r.logger.Info("agent: evaluated peer proposal",
		"plan_id", p.ID, "from", msg.Sender, "ack", ack, "net_effect", net)
}

// netDomainEffect sums the plan's projected deltas on our domain, weighted
// and normalized by current values.
func (r *Runtime) netDomainEffect(p model.Plan) float64 {
	var net float64
	for keyStr, delta := range p.ProjectedDelta {
		for _, metric := range model.Metrics() {
			key := model.KPIKey{Domain: r.deps.Domain, Metric: metric}
			if keyStr != key.String() {
				continue
			}
			rec, err := r.deps.KPI.Get(key.Domain, key.Metric)
			if err != nil || rec.Value == 0 {
				continue
			}
			w := 1.0
			if dw, ok := r.deps.Weights[key.Domain]; ok {
				if mw, ok := dw[key.Metric]; ok {
					w = mw
				}
			}
			net += w * delta / rec.Value
		}
	}
	return net
}

func (r *Runtime) handleReply(msg model.Message) {
	var payload model.PlanReplyPayload
	if err := model.DecodePayload(msg.Payload, &payload); err != nil {
		r.logger.Warn("agent: undecodable plan reply", "message_id", msg.ID, "error", err)
		return
	}
	select {
	case r.replies <- planReply{
		planID: payload.PlanID,
		sender: msg.Sender,
		ack:    msg.Type == model.MsgPlanAck,
	}:
	default:
		r.logger.Warn("agent: reply queue full, dropping", "plan_id", payload.PlanID)
	}
}

func (r *Runtime) handleCollabRequest(msg model.Message) {
	causation := msg.ID
	if _, err := r.deps.Bus.Publish(model.Message{
		Type:       model.MsgCollabResponse,
		Sender:     r.id,
		Recipients: []model.AgentID{msg.Sender},
		Payload: model.EncodePayload(model.CollabResponsePayload{
			Domain:  r.deps.Domain,
			Records: r.deps.KPI.Snapshot(r.deps.Domain),
		}),
		CausationID: &causation,
	}); err != nil {
		r.logger.Warn("agent: collab response failed", "error", err)
	}
}

func (r *Runtime) publishAlert(issue decision.Issue) {
	if _, err := r.deps.Bus.Publish(model.Message{
		Type:       model.MsgAlert,
		Sender:     r.id,
		Recipients: []model.AgentID{model.Broadcast},
		Payload: model.EncodePayload(model.AlertPayload{
			Domain:    issue.Domain,
			Metric:    issue.Metric,
			Severity:  issue.Severity,
			Deviation: issue.Deviation,
			Baseline:  issue.Baseline,
			Threshold: r.deps.Engine.Threshold(issue.Metric),
			Current:   issue.Current,
		}),
	}); err != nil {
		r.logger.Error("agent: alert publish failed", "metric", issue.Metric, "error", err)
	}
}

func (r *Runtime) publishStatus(payload model.StatusUpdatePayload) {
	if _, err := r.deps.Bus.Publish(model.Message{
		Type:       model.MsgStatusUpdate,
		Sender:     r.id,
		Recipients: []model.AgentID{model.Broadcast},
		Payload:    model.EncodePayload(payload),
	}); err != nil {
		r.logger.Warn("agent: status publish failed", "error", err)
	}
}

// escalate marks the runtime Escalated, reports it, and hands control back
// to Idle; the escalation controller owns the emergency from here.
func (r *Runtime) escalate(issue decision.Issue, reason string) {
	r.setState(model.StateEscalated)
	r.publishStatus(model.StatusUpdatePayload{
		State: model.StateEscalated,
		Note:  fmt.Sprintf("%s: %s/%s", reason, issue.Domain, issue.Metric),
	})
	r.setState(model.StateIdle)
}

func (r *Runtime) recordInsight(issue decision.Issue) {
	confidence := map[model.Severity]float64{
		model.SeverityLow:      0.5,
		model.SeverityMedium:   0.7,
		model.SeverityHigh:     0.85,
		model.SeverityCritical: 0.95,
	}[issue.Severity]

	r.mu.Lock()
	r.insights = append(r.insights, model.Insight{
		ID:       uuid.New(),
		AgentID:  r.id,
		Category: string(issue.Metric) + "_deviation",
		Observation: fmt.Sprintf("%s deviated %.1f%% from baseline %.2f",
			issue.Metric, issue.Deviation*100, issue.Baseline),
		Confidence: confidence,
		Impact:     map[model.Metric]float64{issue.Metric: issue.Current - issue.Baseline},
		CreatedAt:  time.Now().UTC(),
	})
	// Insights live in memory only; keep a bounded window.
	if len(r.insights) > 512 {
		r.insights = r.insights[len(r.insights)-512:]
	}
	r.mu.Unlock()
}

func (r *Runtime) setState(next model.AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent.State == next {
		return
	}
	if !model.ValidAgentTransition(r.agent.State, next) {
		r.logger.Warn("agent: invalid state transition",
			"from", r.agent.State, "to", next)
		return
	}
	r.logger.Debug("agent: state transition", "from", r.agent.State, "to", next)
	r.agent.State = next
}

func (r *Runtime) setPendingPlan(p *model.Plan) {
	r.mu.Lock()
	id := p.ID
	r.agent.PendingPlan = &id
	r.mu.Unlock()
}

func (r *Runtime) clearPendingPlan() {
	r.mu.Lock()
	r.agent.PendingPlan = nil
	r.mu.Unlock()
}

func (r *Runtime) touchDecision() {
	r.mu.Lock()
	r.agent.LastDecisionAt = time.Now().UTC()
	r.mu.Unlock()
}
