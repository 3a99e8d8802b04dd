package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlanStatus tracks a plan through its lifecycle.
type PlanStatus string

const (
	PlanProposed        PlanStatus = "proposed"
	PlanSimulated       PlanStatus = "simulated"
	PlanAccepted        PlanStatus = "accepted"
	PlanRejected        PlanStatus = "rejected"
	PlanExecuted        PlanStatus = "executed"
	PlanSuperseded      PlanStatus = "superseded"
	PlanExecutionFailed PlanStatus = "execution_failed"
)

// Terminal reports whether a plan in this status can never transition again.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanRejected, PlanExecuted, PlanSuperseded, PlanExecutionFailed:
		return true
	}
	return false
}

// planTransitions lists the legal status moves. Superseded is reachable from
// any non-terminal status because a fresher plan may arrive at any point.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanProposed:  {PlanSimulated, PlanRejected, PlanSuperseded},
	PlanSimulated: {PlanAccepted, PlanRejected, PlanSuperseded},
	PlanAccepted:  {PlanExecuted, PlanExecutionFailed, PlanSuperseded},
}

// ActionSpec is one step of a plan. Effects are relative adjustments applied
// to the current value of each metric in the action's target domain, e.g.
// {efficiency: 0.05} projects a 5% efficiency gain.
type ActionSpec struct {
	Name    string             `json:"name"`
	Domain  Domain             `json:"domain"`
	Effects map[Metric]float64 `json:"effects"`
}

// Plan is an ordered action sequence projected to remediate a detected issue.
type Plan struct {
	ID              uuid.UUID          `json:"id"`
	ProposingAgent  AgentID            `json:"proposing_agent"`
	IssueDomain     Domain             `json:"issue_domain"`
	IssueMetric     Metric             `json:"issue_metric"`
	TargetDomains   []Domain           `json:"target_domains"`
	Actions         []ActionSpec       `json:"actions"`
	ProjectedDelta  map[string]float64 `json:"projected_kpi_delta"` // keyed by KPIKey.String()
	SimulationScore float64            `json:"simulation_score"`
	Status          PlanStatus         `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
}

// TransitionTo advances the plan status, rejecting illegal moves.
func (p *Plan) TransitionTo(next PlanStatus) error {
	for _, allowed := range planTransitions[p.Status] {
		if allowed == next {
			p.Status = next
			return nil
		}
	}
	return fmt.Errorf("model: illegal plan transition %s -> %s", p.Status, next)
}

// CrossDomain reports whether the plan touches any domain other than own.
func (p Plan) CrossDomain(own Domain) bool {
	for _, d := range p.TargetDomains {
		if d != own {
			return true
		}
	}
	return false
}

// PeerDomains returns the target domains excluding own, deduplicated,
// preserving order of first appearance.
func (p Plan) PeerDomains(own Domain) []Domain {
	var peers []Domain
	seen := map[Domain]bool{own: true}
	for _, d := range p.TargetDomains {
		if !seen[d] {
			seen[d] = true
			peers = append(peers, d)
		}
	}
	return peers
}
