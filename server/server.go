// Package server exposes event submission and run queries over HTTP.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/engine"
	"github.com/sicko7947/hubflow/ingress"
)

// Runs is the engine surface the API reads and cancels through
type Runs interface {
	GetRun(ctx context.Context, runID string) (*hubflow.WorkflowRun, error)
	GetStepExecutions(ctx context.Context, runID string) ([]*hubflow.StepExecution, error)
	ListRuns(ctx context.Context, filter hubflow.RunFilter) ([]*hubflow.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) (*hubflow.WorkflowRun, error)
	Running() bool
	ActiveRuns() int
}

// Submitter accepts inbound envelopes
type Submitter interface {
	SubmitDetailed(ctx context.Context, raw ingress.RawEvent) (*ingress.Result, error)
}

// Definitions lists registered workflow definitions
type Definitions interface {
	List() []*hubflow.WorkflowDefinition
}

// Activity reports recent engine notifications and per-action counters
type Activity interface {
	Recent(limit int) []engine.Notification
	Metrics() engine.Metrics
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP API onto a fiber app
type Server struct {
	runs        Runs
	ingress     Submitter
	definitions Definitions
	health      Pinger
	activity    Activity
	logger      zerolog.Logger
	app         *fiber.App
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth reports store health on /health
func WithHealth(p Pinger) Option {
	return func(s *Server) {
		s.health = p
	}
}

// WithActivity serves /api/v1/metrics and /api/v1/events from a
func WithActivity(a Activity) Option {
	return func(s *Server) {
		s.activity = a
	}
}

// New creates the API server
func New(runs Runs, in Submitter, defs Definitions, opts ...Option) *Server {
	s := &Server{
		runs:        runs,
		ingress:     in,
		definitions: defs,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "hubflow",
		ErrorHandler: s.handleError,
	})
	s.app.Use(recover.New())
	s.registerRoutes()
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/api/v1")

	v1.Post("/events", s.handleSubmitEvent)
	v1.Get("/definitions", s.handleListDefinitions)
	if s.activity != nil {
		v1.Get("/metrics", s.handleMetrics)
		v1.Get("/events", s.handleRecentEvents)
	}

	runs := v1.Group("/runs")
	runs.Get("/", s.handleListRuns)
	runs.Get("/:runId", s.handleGetRun)
	runs.Get("/:runId/steps", s.handleGetSteps)
	runs.Post("/:runId/cancel", s.handleCancelRun)
}
