package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/renkei/internal/model"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, model.SeverityCritical.AtLeast(model.SeverityHigh))
	assert.True(t, model.SeverityMedium.AtLeast(model.SeverityMedium))
	assert.False(t, model.SeverityLow.AtLeast(model.SeverityMedium))
	assert.False(t, model.SeverityNone.AtLeast(model.SeverityLow))

	assert.Equal(t, model.SeverityHigh, model.MaxSeverity(model.SeverityHigh, model.SeverityLow))
	assert.Equal(t, model.SeverityHigh, model.MaxSeverity(model.SeverityLow, model.SeverityHigh))
}

func TestEscalateSeverity(t *testing.T) {
	tests := []struct {
		in, want model.Severity
	}{
		{model.SeverityNone, model.SeverityLow},
		{model.SeverityLow, model.SeverityMedium},
		{model.SeverityMedium, model.SeverityHigh},
		{model.SeverityHigh, model.SeverityCritical},
		{model.SeverityCritical, model.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.EscalateSeverity(tt.in), "escalating %q", tt.in)
	}
}

func TestEmergencyEventResolved(t *testing.T) {
	ev := model.EmergencyEvent{Domain: model.DomainSales, Metric: model.MetricOutput}
	assert.False(t, ev.Resolved())
	assert.Equal(t, "sales/output", ev.Key().String())

	now := time.Now()
	ev.ResolvedAt = &now
	assert.True(t, ev.Resolved())
}
