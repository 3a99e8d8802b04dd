// Package kpi implements the shared KPI framework: the single ownership
// boundary for all mutable KPI state.
//
// Writes are serialized and versioned per (domain, metric) key with
// optimistic concurrency: a proposal built on a stale version is rejected
// with ErrStaleVersion and the caller must re-read and retry. Reads serve
// from an in-memory snapshot and never wait on a write in progress.
package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// ErrStaleVersion is returned when a proposal's base version no longer
// matches the current record. Recoverable: re-read and retry.
var ErrStaleVersion = errors.New("kpi: stale version")

// subscriberBuffer bounds each subscription channel. Subscribers that fall
// further behind than this lose intermediate updates, never the latest one.
const subscriberBuffer = 64

// Framework owns all KPI records and their subscriber fanout.
type Framework struct {
	store  storage.Store
	logger *slog.Logger

	mu      sync.RWMutex
	records map[model.KPIKey]model.KPIRecord
	subs    map[model.KPIKey]map[*Subscription]struct{}

	applied   metric.Int64Counter
	conflicts metric.Int64Counter
}

// Subscription is one subscriber's view of a key's update stream.
type Subscription struct {
	key model.KPIKey
	ch  chan model.KPIRecord
}

// C returns the update channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan model.KPIRecord { return s.ch }

// New creates a framework backed by store, priming the in-memory snapshot
// from whatever the store already holds.
func New(ctx context.Context, store storage.Store, logger *slog.Logger) (*Framework, error) {
	f := &Framework{
		store:   store,
		logger:  logger,
		records: make(map[model.KPIKey]model.KPIRecord),
		subs:    make(map[model.KPIKey]map[*Subscription]struct{}),
	}
	existing, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("kpi: prime from store: %w", err)
	}
	for _, rec := range existing {
		f.records[rec.Key()] = rec
	}
	f.registerMetrics()
	return f, nil
}

// Seed writes an initial record for a key that has none. Existing records
// are left untouched so restarts keep the store's history.
func (f *Framework) Seed(ctx context.Context, domain model.Domain, metric model.Metric, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := model.KPIKey{Domain: domain, Metric: metric}
	if _, ok := f.records[key]; ok {
		return nil
	}
	rec := model.KPIRecord{
		Domain:    domain,
		Metric:    metric,
		Value:     value,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.store.Save(ctx, rec); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		return fmt.Errorf("kpi: seed %s: %w", key, err)
	}
	f.records[key] = rec
	return nil
}

// Get returns the current record for one key, or storage.ErrNotFound.
func (f *Framework) Get(domain model.Domain, metric model.Metric) (model.KPIRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[model.KPIKey{Domain: domain, Metric: metric}]
	if !ok {
		return model.KPIRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// Snapshot returns copies of all records for one domain.
func (f *Framework) Snapshot(domain model.Domain) map[model.Metric]model.KPIRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[model.Metric]model.KPIRecord)
	for key, rec := range f.records {
		if key.Domain == domain {
			out[key.Metric] = rec
		}
	}
	return out
}

// SnapshotAll returns copies of every record keyed by (domain, metric).
func (f *Framework) SnapshotAll() map[model.KPIKey]model.KPIRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[model.KPIKey]model.KPIRecord, len(f.records))
	for key, rec := range f.records {
		out[key] = rec
	}
	return out
}

// Propose applies a delta to one key if baseVersion still matches the
// current record. On success the new record (version+1) is persisted,
// published to subscribers, and returned. A mismatched base version or a
// lost store race returns ErrStaleVersion.
func (f *Framework) Propose(ctx context.Context, domain model.Domain, metric model.Metric, delta float64, baseVersion int64, requester model.AgentID) (model.KPIRecord, error) {
	f.mu.Lock()
	key := model.KPIKey{Domain: domain, Metric: metric}
	cur, ok := f.records[key]
	if !ok {
		f.mu.Unlock()
		return model.KPIRecord{}, storage.ErrNotFound
	}
	if cur.Version != baseVersion {
		f.mu.Unlock()
		f.conflicts.Add(ctx, 1)
		return model.KPIRecord{}, fmt.Errorf("kpi: propose %s by %s: base %d, current %d: %w",
			key, requester, baseVersion, cur.Version, ErrStaleVersion)
	}

	next := model.KPIRecord{
		Domain:    domain,
		Metric:    metric,
		Value:     cur.Value + delta,
		Version:   cur.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.store.Save(ctx, next); err != nil {
		f.mu.Unlock()
		if errors.Is(err, storage.ErrVersionConflict) {
			f.conflicts.Add(ctx, 1)
			return model.KPIRecord{}, fmt.Errorf("kpi: propose %s by %s: %w", key, requester, ErrStaleVersion)
		}
		return model.KPIRecord{}, fmt.Errorf("kpi: propose %s: %w", key, err)
	}
	f.records[key] = next
	subs := make([]*Subscription, 0, len(f.subs[key]))
	for sub := range f.subs[key] {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	f.applied.Add(ctx, 1)
	f.logger.Debug("kpi: applied proposal",
		"key", key.String(), "requester", requester, "delta", delta,
		"value", next.Value, "version", next.Version)

	for _, sub := range subs {
		select {
		case sub.ch <- next:
		default:
			// Subscriber buffer full — drop the oldest so the latest lands.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- next:
			default:
			}
		}
	}
	return next, nil
}

// Subscribe returns an update stream for one key, starting from the next
// applied proposal. Restartable: callers that lose their place can resubscribe
// and re-read the current record via Get.
func (f *Framework) Subscribe(domain model.Domain, metric model.Metric) *Subscription {
	key := model.KPIKey{Domain: domain, Metric: metric}
	sub := &Subscription{key: key, ch: make(chan model.KPIRecord, subscriberBuffer)}
	f.mu.Lock()
	if f.subs[key] == nil {
		f.subs[key] = make(map[*Subscription]struct{})
	}
	f.subs[key][sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Framework) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	if set, ok := f.subs[sub.key]; ok {
		delete(set, sub)
	}
	f.mu.Unlock()
	close(sub.ch)
}

func (f *Framework) registerMetrics() {
	meter := telemetry.Meter("renkei/kpi")
	noop := noopmetric.NewMeterProvider().Meter("renkei/kpi")
	var err error
	f.applied, err = meter.Int64Counter("kpi.proposals.applied",
		metric.WithDescription("KPI proposals applied"))
	if err != nil {
		f.applied, _ = noop.Int64Counter("kpi.proposals.applied")
	}
	f.conflicts, err = meter.Int64Counter("kpi.proposals.conflicts",
		metric.WithDescription("KPI proposals rejected as stale"))
	if err != nil {
		f.conflicts, _ = noop.Int64Counter("kpi.proposals.conflicts")
	}
}
