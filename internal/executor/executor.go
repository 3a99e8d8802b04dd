// Package executor applies accepted plans to the KPI framework.
//
// Actions are applied in order through optimistic proposals. A stale-version
// rejection triggers a re-read and a re-simulation of the remaining actions
// against the fresh snapshot; the executor never applies an action whose
// preconditions no longer hold. Partial effects are never rolled back —
// applied KPI changes are already visible in the shared store — so failures
// surface the applied prefix for the runtime's STATUS_UPDATE.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
)

// ErrExecutionFailed marks an irrecoverable mid-plan failure. The plan moves
// to its ExecutionFailed terminal status; a fresh decision cycle re-evaluates.
var ErrExecutionFailed = errors.New("executor: execution failed")

// staleRetries bounds how often one action is retried after losing a
// version race before the plan is abandoned.
const staleRetries = 3

// KPI is the slice of the framework the executor needs. Satisfied by
// *kpi.Framework; narrowed so tests can inject write races.
type KPI interface {
	Get(domain model.Domain, metric model.Metric) (model.KPIRecord, error)
	Propose(ctx context.Context, domain model.Domain, metric model.Metric, delta float64, baseVersion int64, requester model.AgentID) (model.KPIRecord, error)
	SnapshotAll() map[model.KPIKey]model.KPIRecord
}

// Applied records one successfully applied effect.
type Applied struct {
	Action model.ActionSpec
	Metric model.Metric
	Record model.KPIRecord
}

// Executor applies plans on behalf of one agent.
type Executor struct {
	agentID model.AgentID
	kpi     KPI
	weights map[model.Domain]map[model.Metric]float64
	logger  *slog.Logger
}

// New creates an executor. Nil weights fall back to the plan defaults.
func New(agentID model.AgentID, framework KPI, weights map[model.Domain]map[model.Metric]float64, logger *slog.Logger) *Executor {
	if weights == nil {
		weights = plan.DefaultWeights()
	}
	return &Executor{agentID: agentID, kpi: framework, weights: weights, logger: logger}
}

// Execute applies an accepted plan's actions in order. It returns the
// applied effects — also on failure, since they stay visible — and an error
// wrapping ErrExecutionFailed when the plan could not complete.
func (x *Executor) Execute(ctx context.Context, p *model.Plan) ([]Applied, error) {
	if p.Status != model.PlanAccepted {
		return nil, fmt.Errorf("executor: plan %s is %s, want %s: %w", p.ID, p.Status, model.PlanAccepted, ErrExecutionFailed)
	}

	var applied []Applied
	for i, action := range p.Actions {
		for mi, metric := range model.Metrics() {
			effect, ok := action.Effects[metric]
			if !ok {
				continue
			}
			rec, err := x.applyEffect(ctx, p, action, metric, effect, pendingTail(p.Actions[i:], mi))
			if err != nil {
				x.failPlan(p)
				return applied, err
			}
			applied = append(applied, Applied{Action: action, Metric: metric, Record: rec})
		}
	}

	if err := p.TransitionTo(model.PlanExecuted); err != nil {
		return applied, fmt.Errorf("executor: %w", err)
	}
	x.logger.Info("executor: plan executed",
		"agent", x.agentID, "plan_id", p.ID, "effects", len(applied))
	return applied, nil
}

// applyEffect proposes one effect, retrying version races. After any stale
// rejection the remaining actions are re-simulated against the fresh
// snapshot; if they no longer project an improvement the plan is abandoned.
func (x *Executor) applyEffect(ctx context.Context, p *model.Plan, action model.ActionSpec, metric model.Metric, effect float64, remaining []model.ActionSpec) (model.KPIRecord, error) {
	for attempt := 0; attempt <= staleRetries; attempt++ {
		cur, err := x.kpi.Get(action.Domain, metric)
		if err != nil {
			return model.KPIRecord{}, fmt.Errorf("executor: read %s/%s: %v: %w", action.Domain, metric, err, ErrExecutionFailed)
		}
		if attempt > 0 {
			score, _ := plan.Score(remaining, x.kpi.SnapshotAll(), x.weights)
			if score <= 0 {
				return model.KPIRecord{}, fmt.Errorf(
					"executor: plan %s no longer viable after concurrent KPI change (score %.4f): %w",
					p.ID, score, ErrExecutionFailed)
			}
		}
		delta := cur.Value * effect
		rec, err := x.kpi.Propose(ctx, action.Domain, metric, delta, cur.Version, x.agentID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, kpi.ErrStaleVersion) {
			return model.KPIRecord{}, fmt.Errorf("executor: apply %s on %s/%s: %v: %w",
				action.Name, action.Domain, metric, err, ErrExecutionFailed)
		}
		x.logger.Debug("executor: stale version, re-reading",
			"agent", x.agentID, "plan_id", p.ID, "action", action.Name,
			"metric", metric, "attempt", attempt+1)
	}
	return model.KPIRecord{}, fmt.Errorf("executor: apply %s on %s/%s: exhausted %d retries: %w",
		action.Name, action.Domain, metric, staleRetries, ErrExecutionFailed)
}

// pendingTail returns the not-yet-applied remainder of the plan: the current
// action trimmed to its effects from metric index mi onward (earlier effects
// are already in the store and must not be scored again), followed by the
// later actions unchanged.
func pendingTail(actions []model.ActionSpec, mi int) []model.ActionSpec {
	head := actions[0]
	effects := make(map[model.Metric]float64)
	for _, m := range model.Metrics()[mi:] {
		if e, ok := head.Effects[m]; ok {
			effects[m] = e
		}
	}
	out := make([]model.ActionSpec, 0, len(actions))
	if len(effects) > 0 {
		out = append(out, model.ActionSpec{Name: head.Name, Domain: head.Domain, Effects: effects})
	}
	return append(out, actions[1:]...)
}

func (x *Executor) failPlan(p *model.Plan) {
	if err := p.TransitionTo(model.PlanExecutionFailed); err != nil {
		x.logger.Warn("executor: could not mark plan failed", "plan_id", p.ID, "error", err)
	}
}
