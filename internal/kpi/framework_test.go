package kpi_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/testutil"
)

func newFramework(t *testing.T) *kpi.Framework {
	t.Helper()
	f, err := kpi.New(context.Background(), storage.NewMemory(), testutil.TestLogger())
	require.NoError(t, err)
	return f
}

func TestSeedAndGet(t *testing.T) {
	ctx := context.Background()
	f := newFramework(t)

	_, err := f.Get(model.DomainSales, model.MetricOutput)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.Seed(ctx, model.DomainSales, model.MetricOutput, 100))

	rec, err := f.Get(model.DomainSales, model.MetricOutput)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rec.Value)
	assert.Equal(t, int64(1), rec.Version)

	// Seeding again must not overwrite.
	require.NoError(t, f.Seed(ctx, model.DomainSales, model.MetricOutput, 500))
	rec, err = f.Get(model.DomainSales, model.MetricOutput)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rec.Value)
}

func TestProposeAppliesDelta(t *testing.T) {
	ctx := context.Background()
	f := newFramework(t)
	require.NoError(t, f.Seed(ctx, model.DomainProduction, model.MetricEfficiency, 80))

	rec, err := f.Propose(ctx, model.DomainProduction, model.MetricEfficiency, 5, 1, "production-agent")
	require.NoError(t, err)
	assert.Equal(t, 85.0, rec.Value)
	assert.Equal(t, int64(2), rec.Version)

	rec, err = f.Propose(ctx, model.DomainProduction, model.MetricEfficiency, -10, 2, "production-agent")
	require.NoError(t, err)
	assert.Equal(t, 75.0, rec.Value)
	assert.Equal(t, int64(3), rec.Version)
}

func TestProposeStaleVersion(t *testing.T) {
	ctx := context.Background()
	f := newFramework(t)
	require.NoError(t, f.Seed(ctx, model.DomainSales, model.MetricCost, 50))

	_, err := f.Propose(ctx, model.DomainSales, model.MetricCost, 1, 1, "sales-agent")
	require.NoError(t, err)

	// A second writer still holding version 1 must be rejected and the
	// record left untouched.
	_, err = f.Propose(ctx, model.DomainSales, model.MetricCost, 9, 1, "logistics-agent")
	assert.ErrorIs(t, err, kpi.ErrStaleVersion)

	rec, err := f.Get(model.DomainSales, model.MetricCost)
	require.NoError(t, err)
	assert.Equal(t, 51.0, rec.Value)
	assert.Equal(t, int64(2), rec.Version)
}

func TestProposeUnknownKey(t *testing.T) {
	f := newFramework(t)
	_, err := f.Propose(context.Background(), model.DomainSales, model.MetricOutput, 1, 1, "sales-agent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestConcurrentProposals races many writers against one key. Exactly one
// writer may win each version; the final version counts the winners.
func TestConcurrentProposals(t *testing.T) {
	ctx := context.Background()
	f := newFramework(t)
	require.NoError(t, f.Seed(ctx, model.DomainLogistics, model.MetricOutput, 100))

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Propose(ctx, model.DomainLogistics, model.MetricOutput, 1, 1, "logistics-agent")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, kpi.ErrStaleVersion)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "only one writer may win a version race")

	rec, err := f.Get(model.DomainLogistics, model.MetricOutput)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, 101.0, rec.Value)
}

func TestSnapshotFiltersByDomain(t *testing.T) {
	ctx := context.Background()
	f := newFramework(t)
	require.NoError(t, f.Seed(ctx, model.DomainSales, model.MetricOutput, 1))
	require.NoError(t, f.Seed(ctx, model.DomainSales, model.MetricCost, 2))
	require.NoError(t, f.Seed(ctx, model.DomainProduction, model.MetricOutput, 3))

	snap := f.Snapshot(model.DomainSales)
	assert.Len(t, snap, 2)
	assert.Equal(t, 1.0, snap[model.MetricOutput].Value)

	all := f.SnapshotAll()
	assert.Len(t, all, 3)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFramework(t)
	require.NoError(t, f.Seed(ctx, model.DomainSales, model.MetricEfficiency, 100))

	sub := f.Subscribe(model.DomainSales, model.MetricEfficiency)
	defer f.Unsubscribe(sub)

	other := f.Subscribe(model.DomainSales, model.MetricCost)
	defer f.Unsubscribe(other)

	_, err := f.Propose(ctx, model.DomainSales, model.MetricEfficiency, 10, 1, "sales-agent")
	require.NoError(t, err)

	select {
	case rec := <-sub.C():
		assert.Equal(t, 110.0, rec.Value)
		assert.Equal(t, int64(2), rec.Version)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the update")
	}

	select {
	case rec := <-other.C():
		t.Fatalf("cost subscriber received unrelated update: %+v", rec)
	default:
	}
}

func TestFrameworkPrimesFromStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Save(ctx, model.KPIRecord{
		Domain: model.DomainSales, Metric: model.MetricOutput,
		Value: 42, Version: 7, UpdatedAt: time.Now().UTC(),
	}))

	f, err := kpi.New(ctx, store, testutil.TestLogger())
	require.NoError(t, err)

	rec, err := f.Get(model.DomainSales, model.MetricOutput)
	require.NoError(t, err)
	assert.Equal(t, 42.0, rec.Value)
	assert.Equal(t, int64(7), rec.Version)
}
