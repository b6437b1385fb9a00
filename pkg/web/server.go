package web

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type Server struct {
	logger   *slog.Logger
	handlers *APIHandlers
	app      *fiber.App
}

func NewServer(logger *slog.Logger, handlers *APIHandlers) *Server {
	s := &Server{
		logger:   logger.With("module", "web"),
		handlers: handlers,
	}
	s.app = s.routes()

	return s
}

// App returns the fiber application with every route mounted.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() *fiber.App {
	handlers := s.handlers

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conductor API")
	})

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Post("/", handlers.EnqueueExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/steps", handlers.GetExecutionSteps)

	app.Post("/graphs/preview", handlers.PreviewGraph)
	app.Post("/steps/:id/resume", handlers.ResumeStep)

	d := app.Group("/dead-letters")
	d.Get("/", handlers.GetDeadLetters)
	d.Get("/:id", handlers.GetDeadLetter)
	d.Post("/:id/replay", handlers.ReplayDeadLetter)

	app.Get("/nodes", handlers.GetNodeTypes)
	app.Get("/organizations/:id/quota", handlers.GetQuotaState)

	t := app.Group("/telemetry")
	t.Get("/locks", handlers.GetLockTelemetry)
	t.Get("/retry", handlers.GetRetryTelemetry)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// Start listens on port until Shutdown is called.
func (s *Server) Start(port int) error {
	s.logger.Info("api listening", "port", port)

	return s.app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
