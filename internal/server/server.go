// Package server exposes the coordination engine over HTTP: agent status and
// insights, KPI snapshots, operator directives, emergency queries and
// resolution, and a Server-Sent Events stream of bus traffic.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/renkei/internal/agent"
	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/escalation"
	"github.com/ashita-ai/renkei/internal/kpi"
	"github.com/ashita-ai/renkei/internal/model"
)

// Server is the renkei HTTP gateway.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	broker     *Broker
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Broker returns the SSE broker; Run its Start in a goroutine.
func (s *Server) Broker() *Broker {
	return s.broker
}

// ServerConfig holds all dependencies and settings for creating a Server.
type ServerConfig struct {
	Runtimes   map[model.Domain]*agent.Runtime
	KPI        *kpi.Framework
	Bus        *bus.Bus
	Escalation *escalation.Controller
	Logger     *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates the gateway with all routes configured.
func New(cfg ServerConfig) *Server {
	broker := NewBroker(cfg.Bus, cfg.Logger)
	h := &Handlers{
		runtimes:   cfg.Runtimes,
		kpi:        cfg.KPI,
		busRef:     cfg.Bus,
		escalation: cfg.Escalation,
		broker:     broker,
		logger:     cfg.Logger,
		startedAt:  time.Now(),
		version:    cfg.Version,
	}

	mux := http.NewServeMux()

	mux.Handle("GET /health", http.HandlerFunc(h.HandleHealth))

	mux.Handle("GET /v1/agents", http.HandlerFunc(h.HandleListAgents))
	mux.Handle("GET /v1/agents/{agent_id}", http.HandlerFunc(h.HandleAgentStatus))
	mux.Handle("GET /v1/agents/{agent_id}/insights", http.HandlerFunc(h.HandleAgentInsights))
	mux.Handle("POST /v1/agents/{agent_id}/directive", http.HandlerFunc(h.HandleDirective))

	mux.Handle("GET /v1/kpis", http.HandlerFunc(h.HandleAllKPIs))
	mux.Handle("GET /v1/kpis/{domain}", http.HandlerFunc(h.HandleDomainKPIs))

	mux.Handle("GET /v1/emergencies", http.HandlerFunc(h.HandleEmergencies))
	mux.Handle("POST /v1/emergencies/{event_id}/resolve", http.HandlerFunc(h.HandleResolveEmergency))

	mux.Handle("GET /v1/messages", http.HandlerFunc(h.HandleRecentMessages))
	mux.Handle("GET /v1/stream", http.HandlerFunc(h.HandleSubscribe))

	handler := requestLogger(cfg.Logger)(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		broker:  broker,
		logger:  cfg.Logger,
	}
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request at debug with method, path, and duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("server: request",
				"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}
