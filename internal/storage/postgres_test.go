package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/testutil"
)

var pgContainer *testutil.TestContainer

func TestMain(m *testing.M) {
	// Postgres integration tests need Docker; opt in explicitly.
	if os.Getenv("RENKEI_POSTGRES_TESTS") != "" {
		pgContainer = testutil.MustStartPostgres()
	}
	code := m.Run()
	if pgContainer != nil {
		pgContainer.Terminate()
	}
	os.Exit(code)
}

func openPostgres(t *testing.T) *storage.Postgres {
	t.Helper()
	if pgContainer == nil {
		t.Skip("set RENKEI_POSTGRES_TESTS=1 to run postgres integration tests")
	}
	ctx := context.Background()
	st, err := pgContainer.NewTestStore(ctx, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(ctx) })
	return st
}

func TestPostgresRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openPostgres(t)

	rec := record(model.DomainSales, model.MetricEfficiency, 73.2, 1)
	require.NoError(t, st.Save(ctx, rec))

	got, err := st.Load(ctx, model.DomainSales, model.MetricEfficiency)
	require.NoError(t, err)
	assert.Equal(t, rec.Value, got.Value)
	assert.Equal(t, rec.Version, got.Version)
}

func TestPostgresVersionGuard(t *testing.T) {
	ctx := context.Background()
	st := openPostgres(t)

	require.NoError(t, st.Save(ctx, record(model.DomainProduction, model.MetricOutput, 200, 5)))
	assert.ErrorIs(t, st.Save(ctx, record(model.DomainProduction, model.MetricOutput, 190, 5)), storage.ErrVersionConflict)
	require.NoError(t, st.Save(ctx, record(model.DomainProduction, model.MetricOutput, 210, 6)))
}
