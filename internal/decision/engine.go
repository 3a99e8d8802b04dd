// Package decision implements per-agent anomaly detection over rolling
// KPI baselines.
package decision

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/model"
)

// Severity bucket boundaries on absolute deviation from baseline.
// Anything past the per-metric anomaly threshold but below bucketMedium
// lands in Low.
const (
	bucketMedium   = 0.20
	bucketHigh     = 0.35
	bucketCritical = 0.60
)

// DefaultThresholds returns the per-metric anomaly thresholds. Cost is
// tolerated further before alarm because cost swings are routine.
func DefaultThresholds() map[model.Metric]float64 {
	return map[model.Metric]float64{
		model.MetricEfficiency: 0.10,
		model.MetricOutput:     0.10,
		model.MetricQuality:    0.10,
		model.MetricCost:       0.15,
	}
}

// Config holds decision engine tuning.
type Config struct {
	// Thresholds is the minimum absolute deviation per metric that counts
	// as anomalous. Missing metrics fall back to 0.10.
	Thresholds map[model.Metric]float64
	// BaselineWindow is how many observations the rolling baseline averages.
	BaselineWindow int
}

func (c *Config) applyDefaults() {
	if c.Thresholds == nil {
		c.Thresholds = DefaultThresholds()
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 12
	}
}

// Issue is one anomalous metric found during evaluation.
type Issue struct {
	Domain    model.Domain
	Metric    model.Metric
	Current   float64
	Baseline  float64
	Deviation float64 // signed (current - baseline) / baseline
	Severity  model.Severity
}

func (i Issue) String() string {
	return fmt.Sprintf("%s/%s dev=%.2f sev=%s", i.Domain, i.Metric, i.Deviation, i.Severity)
}

// Engine evaluates one domain's KPI snapshot against rolling baselines.
// Not shared between agents; each runtime owns its engine.
type Engine struct {
	domain model.Domain
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	baselines map[model.Metric]*rollingBaseline
	inflight  map[model.Metric]uuid.UUID
}

// New creates an engine for one domain.
func New(domain model.Domain, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		domain:    domain,
		cfg:       cfg,
		logger:    logger,
		baselines: make(map[model.Metric]*rollingBaseline),
		inflight:  make(map[model.Metric]uuid.UUID),
	}
}

// Threshold returns the anomaly threshold for a metric.
func (e *Engine) Threshold(metric model.Metric) float64 {
	if t, ok := e.cfg.Thresholds[metric]; ok {
		return t
	}
	return 0.10
}

// Observe feeds one reading into a metric's rolling baseline. Call after
// evaluation so the anomalous reading itself does not mask the next one.
func (e *Engine) Observe(metric model.Metric, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rb, ok := e.baselines[metric]
	if !ok {
		rb = &rollingBaseline{max: e.cfg.BaselineWindow}
		e.baselines[metric] = rb
	}
	rb.add(value)
}

// Evaluate scores every metric in the snapshot against its baseline and
// returns the anomalous ones, worst first. Metrics with an in-flight plan
// are skipped so one anomaly does not trigger a remediation storm. Metrics
// without an established baseline are skipped (the first observation seeds
// the baseline instead).
func (e *Engine) Evaluate(snapshot map[model.Metric]model.KPIRecord) []Issue {
	e.mu.Lock()
	defer e.mu.Unlock()

	var issues []Issue
	for _, metric := range model.Metrics() {
		rec, ok := snapshot[metric]
		if !ok {
			continue
		}
		if _, busy := e.inflight[metric]; busy {
			continue
		}
		rb, ok := e.baselines[metric]
		if !ok || rb.empty() {
			continue
		}
		baseline := rb.mean()
		if baseline == 0 {
			continue
		}
		dev := (rec.Value - baseline) / baseline
		sev, anomalous := e.classify(metric, dev)
		if !anomalous {
			continue
		}
		issues = append(issues, Issue{
			Domain:    e.domain,
			Metric:    metric,
			Current:   rec.Value,
			Baseline:  baseline,
			Deviation: dev,
			Severity:  sev,
		})
	}
	sortIssues(issues)
	if len(issues) > 0 {
		e.logger.Debug("decision: anomalies detected", "domain", e.domain, "count", len(issues), "worst", issues[0].String())
	}
	return issues
}

// Aggregate returns the overall severity of a set of issues.
func Aggregate(issues []Issue) model.Severity {
	sev := model.SeverityNone
	for _, i := range issues {
		sev = model.MaxSeverity(sev, i.Severity)
	}
	return sev
}

// classify maps a signed deviation to a severity bucket, honoring the
// per-metric threshold as the anomaly floor.
func (e *Engine) classify(metric model.Metric, dev float64) (model.Severity, bool) {
	d := math.Abs(dev)
	if d < e.Threshold(metric) {
		return model.SeverityNone, false
	}
	switch {
	case d > bucketCritical:
		return model.SeverityCritical, true
	case d > bucketHigh:
		return model.SeverityHigh, true
	case d > bucketMedium:
		return model.SeverityMedium, true
	default:
		return model.SeverityLow, true
	}
}

// MarkInFlight records that a plan targets a metric. Further issues for the
// metric are suppressed until the plan reaches a terminal status.
func (e *Engine) MarkInFlight(metric model.Metric, planID uuid.UUID) {
	e.mu.Lock()
	e.inflight[metric] = planID
	e.mu.Unlock()
}

// ClearInFlight removes every in-flight marker held by planID.
func (e *Engine) ClearInFlight(planID uuid.UUID) {
	e.mu.Lock()
	for metric, id := range e.inflight {
		if id == planID {
			delete(e.inflight, metric)
		}
	}
	e.mu.Unlock()
}

// InFlight reports whether a metric has an active plan marker.
func (e *Engine) InFlight(metric model.Metric) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[metric]
	return ok
}

func sortIssues(issues []Issue) {
	// Worst severity first; absolute deviation breaks ties.
	for i := 1; i < len(issues); i++ {
		for j := i; j > 0 && worse(issues[j], issues[j-1]); j-- {
			issues[j], issues[j-1] = issues[j-1], issues[j]
		}
	}
}

func worse(a, b Issue) bool {
	ra, rb := model.SeverityRank(a.Severity), model.SeverityRank(b.Severity)
	if ra != rb {
		return ra > rb
	}
	return math.Abs(a.Deviation) > math.Abs(b.Deviation)
}

// rollingBaseline is a bounded window mean.
type rollingBaseline struct {
	window []float64
	max    int
}

func (rb *rollingBaseline) add(v float64) {
	rb.window = append(rb.window, v)
	if len(rb.window) > rb.max {
		rb.window = rb.window[1:]
	}
}

func (rb *rollingBaseline) empty() bool { return len(rb.window) == 0 }

func (rb *rollingBaseline) mean() float64 {
	if len(rb.window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range rb.window {
		sum += v
	}
	return sum / float64(len(rb.window))
}
