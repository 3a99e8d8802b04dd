// Package plan generates and simulates candidate remediation plans.
//
// Each candidate is an ordered action sequence drawn from the agent's
// catalog. Candidates are scored by applying every action's projected
// effects to a sandboxed copy of the current KPI records and summing the
// weighted relative improvements. Only the highest positive scorer is
// proposed; when no candidate scores positive the generator reports
// ErrNoViablePlan and the caller escalates.
package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/decision"
	"github.com/ashita-ai/renkei/internal/model"
)

// ErrNoViablePlan is returned when no candidate projects a net improvement.
// Recoverable: the decision engine escalates severity by one bucket.
var ErrNoViablePlan = errors.New("plan: no viable plan")

// maxActionsPerPlan bounds candidate length; longer sequences compound
// projection error without adding realistic options.
const maxActionsPerPlan = 3

// Generator produces plans for one agent.
type Generator struct {
	agentID       model.AgentID
	domain        model.Domain
	catalog       []model.ActionSpec
	weights       map[model.Domain]map[model.Metric]float64
	maxCandidates int
	logger        *slog.Logger
}

// New creates a generator for one agent. A nil catalog or weights map falls
// back to the built-in defaults for the domain.
func New(agentID model.AgentID, domain model.Domain, catalog Catalog, weights map[model.Domain]map[model.Metric]float64, maxCandidates int, logger *slog.Logger) *Generator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if weights == nil {
		weights = DefaultWeights()
	}
	if maxCandidates <= 0 {
		maxCandidates = 24
	}
	return &Generator{
		agentID:       agentID,
		domain:        domain,
		catalog:       catalog[domain],
		weights:       weights,
		maxCandidates: maxCandidates,
		logger:        logger,
	}
}

// Generate builds candidate plans for an issue, simulates them against the
// snapshot, and returns the best positive scorer with status Simulated.
// singleDomainOnly restricts candidates to actions in the agent's own domain
// (the collaboration-timeout fallback path).
func (g *Generator) Generate(issue decision.Issue, snapshot map[model.KPIKey]model.KPIRecord, singleDomainOnly bool) (model.Plan, error) {
	relevant := g.relevantActions(issue.Metric, singleDomainOnly)
	if len(relevant) == 0 {
		return model.Plan{}, fmt.Errorf("plan: no catalog actions for %s/%s: %w", issue.Domain, issue.Metric, ErrNoViablePlan)
	}

	candidates := g.enumerate(relevant)
	plans := make([]model.Plan, 0, len(candidates))
	for _, actions := range candidates {
		score, delta := Score(actions, snapshot, g.weights)
		plans = append(plans, model.Plan{
			ID:              uuid.New(),
			ProposingAgent:  g.agentID,
			IssueDomain:     issue.Domain,
			IssueMetric:     issue.Metric,
			TargetDomains:   targetDomains(actions),
			Actions:         actions,
			ProjectedDelta:  delta,
			SimulationScore: score,
			Status:          model.PlanSimulated,
			CreatedAt:       time.Now().UTC(),
		})
	}

	best, ok := selectBest(plans)
	if !ok {
		g.logger.Info("plan: no viable candidate",
			"agent", g.agentID, "metric", issue.Metric, "candidates", len(plans))
		return model.Plan{}, fmt.Errorf("plan: %d candidates for %s/%s, none positive: %w",
			len(plans), issue.Domain, issue.Metric, ErrNoViablePlan)
	}
	g.logger.Info("plan: candidate selected",
		"agent", g.agentID, "plan_id", best.ID, "metric", issue.Metric,
		"score", best.SimulationScore, "actions", len(best.Actions),
		"cross_domain", best.CrossDomain(g.domain))
	return best, nil
}

// relevantActions filters the catalog to actions that move the issue metric
// in the improving direction: up for most metrics, down for cost.
func (g *Generator) relevantActions(metric model.Metric, singleDomainOnly bool) []model.ActionSpec {
	var out []model.ActionSpec
	for _, a := range g.catalog {
		if singleDomainOnly && a.Domain != g.domain {
			continue
		}
		effect, ok := a.Effects[metric]
		if !ok {
			continue
		}
		improving := effect > 0
		if metric == model.MetricCost {
			improving = effect < 0
		}
		if improving {
			out = append(out, a)
		}
	}
	return out
}

// enumerate builds candidate sequences in deterministic order: singles in
// catalog order, then pairs, then triples, capped at maxCandidates.
func (g *Generator) enumerate(actions []model.ActionSpec) [][]model.ActionSpec {
	var out [][]model.ActionSpec
	var build func(prefix []model.ActionSpec, start int)
	for size := 1; size <= maxActionsPerPlan && size <= len(actions); size++ {
		build = func(prefix []model.ActionSpec, start int) {
			if len(out) >= g.maxCandidates {
				return
			}
			if len(prefix) == size {
				seq := make([]model.ActionSpec, size)
				copy(seq, prefix)
				out = append(out, seq)
				return
			}
			for i := start; i < len(actions); i++ {
				build(append(prefix, actions[i]), i+1)
			}
		}
		build(nil, 0)
		if len(out) >= g.maxCandidates {
			break
		}
	}
	return out
}

// Score applies the actions' effects in order to a sandboxed copy of the
// snapshot and returns the weighted improvement score and the absolute
// projected deltas keyed by KPIKey.String(). Deterministic for a given
// snapshot, so re-scoring a plan reproduces its stored score exactly.
func Score(actions []model.ActionSpec, snapshot map[model.KPIKey]model.KPIRecord, weights map[model.Domain]map[model.Metric]float64) (float64, map[string]float64) {
	sandbox := make(map[model.KPIKey]float64, len(snapshot))
	for key, rec := range snapshot {
		sandbox[key] = rec.Value
	}

	touched := make(map[model.KPIKey]struct{})
	for _, a := range actions {
		for _, metric := range model.Metrics() {
			effect, ok := a.Effects[metric]
			if !ok {
				continue
			}
			key := model.KPIKey{Domain: a.Domain, Metric: metric}
			cur, ok := sandbox[key]
			if !ok {
				continue // no record for this key; effect has nothing to act on
			}
			sandbox[key] = cur * (1 + effect)
			touched[key] = struct{}{}
		}
	}

	// Sum in fixed domain/metric order: float addition is not associative,
	// and re-scoring must reproduce the stored score bit for bit.
	var score float64
	delta := make(map[string]float64, len(touched))
	for _, domain := range model.Domains() {
		for _, metric := range model.Metrics() {
			key := model.KPIKey{Domain: domain, Metric: metric}
			if _, ok := touched[key]; !ok {
				continue
			}
			base := snapshot[key].Value
			if base == 0 {
				continue
			}
			projected := sandbox[key]
			delta[key.String()] = projected - base
			w := 1.0
			if dw, ok := weights[key.Domain]; ok {
				if mw, ok := dw[key.Metric]; ok {
					w = mw
				}
			}
			score += w * (projected - base) / base
		}
	}
	return score, delta
}

// selectBest picks the highest positive scorer. Ties prefer fewer actions
// (lower execution risk), then the earlier candidate for determinism.
func selectBest(plans []model.Plan) (model.Plan, bool) {
	var best model.Plan
	found := false
	for _, p := range plans {
		if p.SimulationScore <= 0 {
			continue
		}
		if !found || better(p, best) {
			best = p
			found = true
		}
	}
	return best, found
}

func better(a, b model.Plan) bool {
	if a.SimulationScore != b.SimulationScore {
		return a.SimulationScore > b.SimulationScore
	}
	if len(a.Actions) != len(b.Actions) {
		return len(a.Actions) < len(b.Actions)
	}
	return a.ProposingAgent < b.ProposingAgent
}

func targetDomains(actions []model.ActionSpec) []model.Domain {
	var out []model.Domain
	seen := make(map[model.Domain]bool)
	for _, a := range actions {
		if !seen[a.Domain] {
			seen[a.Domain] = true
			out = append(out, a.Domain)
		}
	}
	return out
}
