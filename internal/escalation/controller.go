// Package escalation implements the emergency escalation controller.
//
// The controller consumes ALERT messages from the bus and tracks one
// EmergencyEvent per (domain, metric), merging repeated alerts about the
// same underlying issue. Response levels only ever rise; an event leaves
// the open set through sustained KPI recovery (dwell period) or, at the
// response ceiling, through hand-off to a human operator.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// ControllerID is the controller's identity on the bus.
const ControllerID model.AgentID = "escalation-controller"

// ErrNotFound is returned when resolving an unknown emergency event.
var ErrNotFound = errors.New("escalation: event not found")

// ErrNotEscalated is returned when a human acknowledgment arrives for an
// event that automation still owns.
var ErrNotEscalated = errors.New("escalation: event not escalated to human")

// Config holds escalation tuning. All values come from configuration, not
// hardcoded constants, so deployments can tune response cadence.
type Config struct {
	// GraceWindow is how long an event may sit at one response level
	// without recovery before the level is raised.
	GraceWindow time.Duration
	// ResponseCeiling is the level at which automation gives up and the
	// event is handed to a human.
	ResponseCeiling int
	// DwellPeriod is how long a metric must stay within its threshold
	// before the event resolves.
	DwellPeriod time.Duration
	// SeverityFloor is the minimum alert severity that opens an event.
	SeverityFloor model.Severity
	// CheckInterval is the cadence of the recovery/grace sweep.
	CheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Minute
	}
	if c.ResponseCeiling <= 0 {
		c.ResponseCeiling = 3
	}
	if c.DwellPeriod <= 0 {
		c.DwellPeriod = time.Minute
	}
	if c.SeverityFloor == model.SeverityNone {
		c.SeverityFloor = model.SeverityMedium
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
}

// tracked pairs an event with the recovery context from its alerts.
type tracked struct {
	event         model.EmergencyEvent
	baseline      float64
	threshold     float64
	levelRaisedAt time.Time
	recoveredAt   *time.Time // since when the metric has been back in range
}

// Controller runs the escalation state machine.
type Controller struct {
	busRef *bus.Bus
	kpiRef *kpi.Framework
	notify human.Notifier
	verify human.Verifier
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	open     map[model.KPIKey]*tracked
	archived []model.EmergencyEvent

	openGauge metric.Int64UpDownCounter
}

// New creates a controller. It registers on the bus but does not consume
// anything until Run.
func New(b *bus.Bus, framework *kpi.Framework, notify human.Notifier, verify human.Verifier, cfg Config, logger *slog.Logger) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		busRef: b,
		kpiRef: framework,
		notify: notify,
		verify: verify,
		cfg:    cfg,
		logger: logger,
		open:   make(map[model.KPIKey]*tracked),
	}
	b.Register(ControllerID)
	c.registerMetrics()
	return c
}

// Run consumes ALERT messages and sweeps open events until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	sub := c.busRef.Subscribe(ControllerID, model.MsgAlert)
	defer c.busRef.Unsubscribe(sub)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	c.logger.Info("escalation: controller running",
		"grace_window", c.cfg.GraceWindow, "ceiling", c.cfg.ResponseCeiling,
		"dwell", c.cfg.DwellPeriod)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.C():
			c.handleAlert(ctx, msg)
		case <-ticker.C:
			c.sweep(ctx, time.Now().UTC())
		}
	}
}

// handleAlert opens a new event or merges the alert into the existing one
// for the same (domain, metric).
func (c *Controller) handleAlert(ctx context.Context, msg model.Message) {
	var payload model.AlertPayload
	if err := model.DecodePayload(msg.Payload, &payload); err != nil {
		c.logger.Warn("escalation: undecodable alert", "message_id", msg.ID, "error", err)
		return
	}
	if !payload.Severity.AtLeast(c.cfg.SeverityFloor) {
		c.logger.Debug("escalation: alert below severity floor",
			"severity", payload.Severity, "domain", payload.Domain, "metric", payload.Metric)
		return
	}

	key := model.KPIKey{Domain: payload.Domain, Metric: payload.Metric}
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.open[key]; ok {
		// Repeated alert for a live issue: worsen severity if needed and
		// raise the response level, never lower it.
		t.event.Severity = model.MaxSeverity(t.event.Severity, payload.Severity)
		if !t.event.EscalatedToHuman && t.event.ResponseLevel < c.cfg.ResponseCeiling {
			t.event.ResponseLevel++
			t.levelRaisedAt = now
		}
		t.baseline = payload.Baseline
		t.threshold = payload.Threshold
		t.recoveredAt = nil
		c.logger.Info("escalation: merged repeated alert",
			"event_id", t.event.ID, "key", key.String(),
			"severity", t.event.Severity, "response_level", t.event.ResponseLevel)
		return
	}

	t := &tracked{
		event: model.EmergencyEvent{
			ID:              uuid.New(),
			TriggeringAlert: msg.ID,
			Domain:          payload.Domain,
			Metric:          payload.Metric,
			Severity:        payload.Severity,
			ResponseLevel:   1,
			OpenedAt:        now,
		},
		baseline:      payload.Baseline,
		threshold:     payload.Threshold,
		levelRaisedAt: now,
	}
	c.open[key] = t
	c.openGauge.Add(ctx, 1)
	c.logger.Warn("escalation: emergency opened",
		"event_id", t.event.ID, "key", key.String(), "severity", t.event.Severity,
		"triggering_alert", msg.ID)
}

// sweep checks every open event for recovery and for grace-window expiry.
func (c *Controller) sweep(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, t := range c.open {
		if t.event.EscalatedToHuman {
			continue // immutable until a human acknowledges, even through recovery
		}
		if c.checkRecovered(key, t, now) {
			c.resolveLocked(ctx, key, t, now, "kpi recovered")
			continue
		}
		if now.Sub(t.levelRaisedAt) < c.cfg.GraceWindow {
			continue
		}
		if t.event.ResponseLevel >= c.cfg.ResponseCeiling {
			c.escalateToHumanLocked(ctx, key, t)
			continue
		}
		t.event.ResponseLevel++
		t.levelRaisedAt = now
		c.logger.Warn("escalation: response level raised",
			"event_id", t.event.ID, "key", key.String(), "response_level", t.event.ResponseLevel)
	}
}

// checkRecovered updates the dwell tracking for one event and reports
// whether the metric has stayed in range for the full dwell period.
func (c *Controller) checkRecovered(key model.KPIKey, t *tracked, now time.Time) bool {
	rec, err := c.kpiRef.Get(key.Domain, key.Metric)
	if err != nil || t.baseline == 0 {
		return false
	}
	dev := math.Abs(rec.Value-t.baseline) / t.baseline
	if dev >= t.threshold {
		t.recoveredAt = nil
		return false
	}
	if t.recoveredAt == nil {
		ts := now
		t.recoveredAt = &ts
		return false
	}
	return now.Sub(*t.recoveredAt) >= c.cfg.DwellPeriod
}

func (c *Controller) escalateToHumanLocked(ctx context.Context, key model.KPIKey, t *tracked) {
	t.event.EscalatedToHuman = true
	_, err := c.notify.NotifyHuman(ctx, t.event)
	if err != nil {
		// The event stays escalated; the next sweep retries notification.
		t.event.EscalatedToHuman = false
		c.logger.Error("escalation: human notification failed",
			"event_id", t.event.ID, "error", err)
		return
	}
	c.logger.Error("escalation: ceiling reached, escalated to human",
		"event_id", t.event.ID, "key", key.String(), "response_level", t.event.ResponseLevel)
}

func (c *Controller) resolveLocked(ctx context.Context, key model.KPIKey, t *tracked, now time.Time, reason string) {
	ts := now
	t.event.ResolvedAt = &ts
	c.archived = append(c.archived, t.event)
	delete(c.open, key)
	c.openGauge.Add(ctx, -1)
	c.logger.Info("escalation: emergency resolved",
		"event_id", t.event.ID, "key", key.String(), "reason", reason,
		"open_for", now.Sub(t.event.OpenedAt))
}

// Resolve closes an event that was escalated to a human, on presentation of
// the acknowledgment token issued at hand-off.
func (c *Controller) Resolve(ctx context.Context, eventID uuid.UUID, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, t := range c.open {
		if t.event.ID != eventID {
			continue
		}
		if !t.event.EscalatedToHuman {
			return fmt.Errorf("%w: %s", ErrNotEscalated, eventID)
		}
		if err := c.verify.Verify(token, eventID); err != nil {
			return err
		}
		c.resolveLocked(ctx, key, t, time.Now().UTC(), "human acknowledgment")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, eventID)
}

// Events returns snapshots of all open events followed by the archive,
// newest archive entries last.
func (c *Controller) Events() []model.EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EmergencyEvent, 0, len(c.open)+len(c.archived))
	for _, t := range c.open {
		out = append(out, t.event)
	}
	out = append(out, c.archived...)
	return out
}

func (c *Controller) registerMetrics() {
	meter := telemetry.Meter("renkei/escalation")
	noop := noopmetric.NewMeterProvider().Meter("renkei/escalation")
	var err error
	c.openGauge, err = meter.Int64UpDownCounter("escalation.events.open",
		metric.WithDescription("currently open emergency events"))
	if err != nil {
		c.openGauge, _ = noop.Int64UpDownCounter("escalation.events.open")
	}
}
