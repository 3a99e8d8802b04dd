package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentState is the runtime state of one agent's control loop.
type AgentState string

const (
	StateIdle                  AgentState = "idle"
	StateEvaluating            AgentState = "evaluating"
	StatePlanning              AgentState = "planning"
	StateAwaitingCollaboration AgentState = "awaiting_collaboration"
	StateExecuting             AgentState = "executing"
	StateAlerting              AgentState = "alerting"
	StateEscalated             AgentState = "escalated"
)

// agentTransitions encodes the control-loop state machine. Alerting is
// reachable from every active state because a Critical anomaly interrupts
// whatever the loop was doing. Escalated always hands back to Idle.
var agentTransitions = map[AgentState][]AgentState{
	StateIdle:                  {StateEvaluating},
	StateEvaluating:            {StatePlanning, StateAlerting, StateIdle},
	StatePlanning:              {StateAwaitingCollaboration, StateExecuting, StateAlerting, StateEscalated, StateIdle},
	StateAwaitingCollaboration: {StateExecuting, StatePlanning, StateAlerting, StateEscalated, StateIdle},
	StateExecuting:             {StateAlerting, StateIdle},
	StateAlerting:              {StatePlanning, StateExecuting, StateAwaitingCollaboration, StateEscalated, StateIdle},
	StateEscalated:             {StateIdle},
}

// ValidAgentTransition reports whether the state machine permits from -> to.
func ValidAgentTransition(from, to AgentState) bool {
	for _, allowed := range agentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Agent is the externally visible snapshot of one agent. It is mutated only
// by its own runtime; everyone else receives copies.
type Agent struct {
	ID             AgentID    `json:"id"`
	Domain         Domain     `json:"domain"`
	State          AgentState `json:"state"`
	PendingPlan    *uuid.UUID `json:"pending_plan,omitempty"`
	LastDecisionAt time.Time  `json:"last_decision_at"`
}

// Insight records one observation an agent derived from its KPI data,
// kept for operator review alongside the plans it produced.
type Insight struct {
	ID          uuid.UUID          `json:"id"`
	AgentID     AgentID            `json:"agent_id"`
	Category    string             `json:"category"`
	Observation string             `json:"observation"`
	Confidence  float64            `json:"confidence"`
	Impact      map[Metric]float64 `json:"impact,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// AgentIDForDomain returns the canonical agent id for a domain.
func AgentIDForDomain(d Domain) AgentID {
	return AgentID(fmt.Sprintf("%s-agent", d))
}
