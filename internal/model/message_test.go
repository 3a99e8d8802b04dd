package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     model.Message
		wantErr string
	}{
		{
			name: "valid direct message",
			msg: model.Message{
				Type:       model.MsgPlanAck,
				Sender:     "sales-agent",
				Recipients: []model.AgentID{"production-agent"},
			},
		},
		{
			name: "valid broadcast",
			msg: model.Message{
				Type:       model.MsgAlert,
				Sender:     "sales-agent",
				Recipients: []model.AgentID{model.Broadcast},
			},
		},
		{
			name: "unknown type",
			msg: model.Message{
				Type:       "GOSSIP",
				Sender:     "sales-agent",
				Recipients: []model.AgentID{model.Broadcast},
			},
			wantErr: "unknown message type",
		},
		{
			name: "missing sender",
			msg: model.Message{
				Type:       model.MsgAlert,
				Recipients: []model.AgentID{model.Broadcast},
			},
			wantErr: "sender is required",
		},
		{
			name: "no recipients",
			msg: model.Message{
				Type:   model.MsgAlert,
				Sender: "sales-agent",
			},
			wantErr: "at least one recipient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := model.AlertPayload{
		Domain:    model.DomainLogistics,
		Metric:    model.MetricCost,
		Severity:  model.SeverityHigh,
		Deviation: 0.42,
		Baseline:  100,
		Threshold: 0.15,
		Current:   142,
	}
	raw := model.EncodePayload(in)

	var out model.AlertPayload
	require.NoError(t, model.DecodePayload(raw, &out))
	assert.Equal(t, in, out)
}

func TestDecodePayloadEmpty(t *testing.T) {
	var out model.AlertPayload
	assert.Error(t, model.DecodePayload(nil, &out))
}

func TestIsBroadcast(t *testing.T) {
	direct := model.Message{Recipients: []model.AgentID{"sales-agent"}}
	assert.False(t, direct.IsBroadcast())

	mixed := model.Message{Recipients: []model.AgentID{"sales-agent", model.Broadcast}}
	assert.True(t, mixed.IsBroadcast())
}

func TestParseDomainAndMetric(t *testing.T) {
	d, err := model.ParseDomain("production")
	require.NoError(t, err)
	assert.Equal(t, model.DomainProduction, d)

	_, err = model.ParseDomain("finance")
	assert.Error(t, err)

	m, err := model.ParseMetric("cost")
	require.NoError(t, err)
	assert.Equal(t, model.MetricCost, m)

	_, err = model.ParseMetric("velocity")
	assert.Error(t, err)
}
