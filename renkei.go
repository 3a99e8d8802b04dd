// Package renkei is the public API for embedding the renkei coordination
// engine: three domain agents (sales, production, logistics) that watch a
// shared KPI framework, negotiate remediation plans over a typed message
// bus, and hand persistent emergencies to a human operator.
//
//	app, err := renkei.New(
//	    renkei.WithVersion(version),
//	    renkei.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: renkei (root) imports
// internal/*, but internal/* never imports renkei (root). Public types
// (AgentStatus, Emergency, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package renkei

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/renkei/internal/agent"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/config"
	"github.com/ashita-ai/renkei/internal/decision"
	"github.com/ashita-ai/renkei/internal/escalation"
	"github.com/ashita-ai/renkei/internal/executor"
	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
	"github.com/ashita-ai/renkei/internal/server"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// ErrUnknownAgent is returned by facade lookups with a bad agent ID.
var ErrUnknownAgent = errors.New("renkei: unknown agent")

// App is the engine lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	framework    *kpi.Framework
	msgBus       *bus.Bus
	runtimes     map[model.Domain]*agent.Runtime
	controller   *escalation.Controller
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires the engine: storage, the KPI framework, the bus, one runtime per
// domain, the escalation controller, and the HTTP gateway. It does NOT start
// any goroutines or accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storageDriver != "" {
		cfg.StorageDriver = o.storageDriver
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("renkei starting", "version", version, "port", cfg.Port,
		"storage", cfg.StorageDriver)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	framework, err := kpi.New(ctx, store, logger)
	if err != nil {
		_ = store.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("kpi: %w", err)
	}

	seeds := o.seeds
	if seeds == nil {
		seeds = defaultSeeds()
	}
	for key, value := range seeds {
		if err := framework.Seed(ctx, key.Domain, key.Metric, value); err != nil {
			_ = store.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("seed %s: %w", key, err)
		}
	}

	msgBus := bus.New(logger,
		bus.WithSubscriberBuffer(cfg.BusSubscriberBuffer),
		bus.WithRecentLimit(cfg.BusRecentLimit))

	secret := []byte(cfg.AckTokenSecret)
	if len(secret) == 0 {
		// Tokens survive only this process; fine for dev, set
		// RENKEI_ACK_TOKEN_SECRET in production.
		secret = []byte(uuid.NewString())
		logger.Warn("renkei: RENKEI_ACK_TOKEN_SECRET not set, using ephemeral secret")
	}
	tokens := human.NewTokenManager(secret, cfg.AckTokenTTL)
	notifier := o.notifier
	if notifier == nil {
		notifier = human.NewLogNotifier(tokens, logger)
	}

	controller := escalation.New(msgBus, framework, notifier, tokens, escalation.Config{
		GraceWindow:     cfg.EscalationGraceWindow,
		ResponseCeiling: cfg.ResponseCeiling,
		DwellPeriod:     cfg.RecoveryDwellPeriod,
		CheckInterval:   cfg.EscalationSweep,
	}, logger)

	runtimes := make(map[model.Domain]*agent.Runtime, len(model.Domains()))
	for _, domain := range model.Domains() {
		agentID := model.AgentIDForDomain(domain)
		engine := decision.New(domain, decision.Config{
			Thresholds:     o.thresholds,
			BaselineWindow: cfg.BaselineWindow,
		}, logger)
		generator := plan.New(agentID, domain, o.catalog, o.weights, cfg.MaxPlanCandidates, logger)
		exec := executor.New(agentID, framework, o.weights, logger)
		runtimes[domain] = agent.New(agent.Config{
			EvaluationInterval:   cfg.EvaluationInterval,
			CollaborationTimeout: cfg.CollaborationTimeout,
			AlertGraceWindow:     cfg.AlertGraceWindow,
		}, agent.Deps{
			Domain:    domain,
			KPI:       framework,
			Bus:       msgBus,
			Engine:    engine,
			Generator: generator,
			Executor:  exec,
			Weights:   o.weights,
			Logger:    logger,
		})
	}

	srv := server.New(server.ServerConfig{
		Runtimes:     runtimes,
		KPI:          framework,
		Bus:          msgBus,
		Escalation:   controller,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		framework:    framework,
		msgBus:       msgBus,
		runtimes:     runtimes,
		controller:   controller,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		return storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// defaultSeeds starts every domain at 100 on every metric, a neutral index
// the rolling baselines converge on quickly.
func defaultSeeds() map[model.KPIKey]float64 {
	seeds := make(map[model.KPIKey]float64)
	for _, d := range model.Domains() {
		for _, m := range model.Metrics() {
			seeds[model.KPIKey{Domain: d, Metric: m}] = 100
		}
	}
	return seeds
}

// Run starts every agent runtime, the escalation controller, the SSE broker,
// and the HTTP gateway, then blocks until ctx is cancelled or a component
// fails. Cancellation triggers a graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, rt := range a.runtimes {
		g.Go(func() error {
			if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("agent %s: %w", rt.ID(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := a.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("escalation: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.srv.Broker().Start(ctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	return errors.Join(err, a.close())
}

func (a *App) close() error {
	a.logger.Info("renkei shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	if err := a.store.Close(ctx); err != nil {
		firstErr = err
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AgentStatus returns the state of one agent by ID.
func (a *App) AgentStatus(agentID string) (AgentStatus, error) {
	rt, err := a.runtime(agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	return toPublicAgent(rt.Status()), nil
}

// AgentInsights returns an agent's recorded insights, filtered by category
// (empty = all) and minimum confidence.
func (a *App) AgentInsights(agentID, category string, minConfidence float64) ([]Insight, error) {
	rt, err := a.runtime(agentID)
	if err != nil {
		return nil, err
	}
	internal := rt.Insights(category, minConfidence)
	out := make([]Insight, 0, len(internal))
	for _, in := range internal {
		out = append(out, toPublicInsight(in))
	}
	return out, nil
}

// KPISnapshot returns the current KPI records for one domain.
func (a *App) KPISnapshot(domain string) (map[string]KPIValue, error) {
	d, err := model.ParseDomain(domain)
	if err != nil {
		return nil, err
	}
	snap := a.framework.Snapshot(d)
	out := make(map[string]KPIValue, len(snap))
	for metric, rec := range snap {
		out[string(metric)] = toPublicKPI(rec)
	}
	return out, nil
}

// SubmitDirective injects an operator directive into one agent's runtime.
func (a *App) SubmitDirective(agentID string, d OperatorDirective) error {
	rt, err := a.runtime(agentID)
	if err != nil {
		return err
	}
	internal := agent.Directive{Kind: agent.DirectiveKind(d.Kind)}
	if d.PlanID != "" {
		id, err := uuid.Parse(d.PlanID)
		if err != nil {
			return fmt.Errorf("renkei: invalid plan id %q: %w", d.PlanID, err)
		}
		internal.PlanID = &id
	}
	return rt.Submit(internal)
}

// Emergencies returns all open and archived emergency events.
func (a *App) Emergencies() []Emergency {
	events := a.controller.Events()
	out := make([]Emergency, 0, len(events))
	for _, ev := range events {
		out = append(out, toPublicEmergency(ev))
	}
	return out
}

// ResolveEmergency closes a human-escalated emergency with its
// acknowledgment token.
func (a *App) ResolveEmergency(ctx context.Context, eventID, token string) error {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return fmt.Errorf("renkei: invalid event id %q: %w", eventID, err)
	}
	return a.controller.Resolve(ctx, id, token)
}

func (a *App) runtime(agentID string) (*agent.Runtime, error) {
	for _, rt := range a.runtimes {
		if string(rt.ID()) == agentID {
			return rt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
}
