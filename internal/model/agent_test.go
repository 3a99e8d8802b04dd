package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/renkei/internal/model"
)

func TestValidAgentTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.AgentState
		to   model.AgentState
		want bool
	}{
		{"idle to evaluating", model.StateIdle, model.StateEvaluating, true},
		{"evaluating to planning", model.StateEvaluating, model.StatePlanning, true},
		{"evaluating to alerting", model.StateEvaluating, model.StateAlerting, true},
		{"evaluating back to idle", model.StateEvaluating, model.StateIdle, true},
		{"planning to awaiting collaboration", model.StatePlanning, model.StateAwaitingCollaboration, true},
		{"planning straight to executing", model.StatePlanning, model.StateExecuting, true},
		{"awaiting collaboration back to planning", model.StateAwaitingCollaboration, model.StatePlanning, true},
		{"alerting to planning", model.StateAlerting, model.StatePlanning, true},
		{"alerting to escalated", model.StateAlerting, model.StateEscalated, true},
		{"escalated hands back to idle", model.StateEscalated, model.StateIdle, true},
		{"executing to idle", model.StateExecuting, model.StateIdle, true},
		{"idle cannot jump to executing", model.StateIdle, model.StateExecuting, false},
		{"idle cannot jump to planning", model.StateIdle, model.StatePlanning, false},
		{"escalated cannot resume planning", model.StateEscalated, model.StatePlanning, false},
		{"executing cannot re-plan mid-flight", model.StateExecuting, model.StatePlanning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, model.ValidAgentTransition(tt.from, tt.to))
		})
	}
}

func TestAgentIDForDomain(t *testing.T) {
	assert.Equal(t, model.AgentID("sales-agent"), model.AgentIDForDomain(model.DomainSales))
	assert.Equal(t, model.AgentID("production-agent"), model.AgentIDForDomain(model.DomainProduction))
	assert.Equal(t, model.AgentID("logistics-agent"), model.AgentIDForDomain(model.DomainLogistics))
}
