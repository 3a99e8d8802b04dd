package bus

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/testutil"
)

func TestCausationMapAgesOutWithRecentRing(t *testing.T) {
	b := New(testutil.TestLogger(), WithRecentLimit(3))
	b.Register("sales-agent")

	var first uuid.UUID
	var prev *uuid.UUID
	for i := 0; i < 20; i++ {
		id, err := b.Publish(model.Message{
			Type:        model.MsgStatusUpdate,
			Sender:      "sales-agent",
			Recipients:  []model.AgentID{model.Broadcast},
			Payload:     model.EncodePayload(model.StatusUpdatePayload{State: model.StateIdle}),
			CausationID: prev,
		})
		require.NoError(t, err)
		if i == 0 {
			first = id
		}
		prev = &id
	}

	b.mu.RLock()
	size := len(b.causes)
	b.mu.RUnlock()
	assert.Equal(t, 3, size, "causation entries must not outlive the retained window")

	// Citing an evicted message is a chain break, not an error.
	_, err := b.Publish(model.Message{
		Type:        model.MsgStatusUpdate,
		Sender:      "sales-agent",
		Recipients:  []model.AgentID{model.Broadcast},
		Payload:     model.EncodePayload(model.StatusUpdatePayload{State: model.StateIdle}),
		CausationID: &first,
	})
	assert.NoError(t, err)
}
