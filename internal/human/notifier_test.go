package human_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/testutil"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := human.NewTokenManager([]byte("test-secret"), time.Hour)
	eventID := uuid.New()

	token, err := tm.Issue(eventID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.NoError(t, tm.Verify(token, eventID))
}

func TestTokenBoundToEvent(t *testing.T) {
	tm := human.NewTokenManager([]byte("test-secret"), time.Hour)

	token, err := tm.Issue(uuid.New())
	require.NoError(t, err)

	err = tm.Verify(token, uuid.New())
	assert.ErrorIs(t, err, human.ErrInvalidToken)
}

func TestTokenWrongSecret(t *testing.T) {
	issued, err := human.NewTokenManager([]byte("secret-a"), time.Hour).Issue(uuid.New())
	require.NoError(t, err)

	eventID := uuid.New()
	err = human.NewTokenManager([]byte("secret-b"), time.Hour).Verify(issued, eventID)
	assert.ErrorIs(t, err, human.ErrInvalidToken)
}

func TestTokenGarbageRejected(t *testing.T) {
	tm := human.NewTokenManager([]byte("test-secret"), time.Hour)
	assert.ErrorIs(t, tm.Verify("not-a-jwt", uuid.New()), human.ErrInvalidToken)
	assert.ErrorIs(t, tm.Verify("", uuid.New()), human.ErrInvalidToken)
}

func TestLogNotifierIssuesVerifiableToken(t *testing.T) {
	tm := human.NewTokenManager([]byte("test-secret"), time.Hour)
	n := human.NewLogNotifier(tm, testutil.TestLogger())

	ev := model.EmergencyEvent{
		ID:            uuid.New(),
		Domain:        model.DomainLogistics,
		Metric:        model.MetricCost,
		Severity:      model.SeverityCritical,
		ResponseLevel: 3,
		OpenedAt:      time.Now().UTC(),
	}
	token, err := n.NotifyHuman(context.Background(), ev)
	require.NoError(t, err)
	assert.NoError(t, tm.Verify(token, ev.ID))
}

func TestLogNotifierLogsTheToken(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	tm := human.NewTokenManager([]byte("test-secret"), time.Hour)
	n := human.NewLogNotifier(tm, logger)

	token, err := n.NotifyHuman(context.Background(), model.EmergencyEvent{
		ID:       uuid.New(),
		Domain:   model.DomainSales,
		Metric:   model.MetricOutput,
		Severity: model.SeverityCritical,
	})
	require.NoError(t, err)

	// The log line is the operator's delivery channel; without the token in
	// it the event could never be acknowledged.
	assert.Contains(t, buf.String(), token)
}
