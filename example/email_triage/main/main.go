package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sicko7947/hubflow/engine"
	"github.com/sicko7947/hubflow/example/email_triage"
	"github.com/sicko7947/hubflow/server"
	"github.com/sicko7947/hubflow/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	memStore := store.NewMemoryStore()
	orchestrator, err := email_triage.NewOrchestrator(memStore, log.Logger, engine.EngineConfig{
		Workers:      4,
		LeaseTTL:     30 * time.Second,
		PollInterval: 500 * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	if err := orchestrator.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	srv := server.New(orchestrator.Engine, orchestrator.Ingress, orchestrator.Registry,
		server.WithLogger(log.Logger),
		server.WithHealth(memStore),
	)
	app := srv.App()

	// Convenience endpoint taking a plain email instead of an envelope
	app.Post("/api/v1/emails", func(c fiber.Ctx) error {
		var email email_triage.Email
		if err := c.Bind().JSON(&email); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		res, err := orchestrator.SubmitEmail(c.Context(), email)
		if err != nil {
			log.Error().Err(err).Msg("Failed to submit email")
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusAccepted).JSON(res)
	})

	app.Get("/api/v1/emails/systems", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"issues":   orchestrator.Systems.Issues(),
			"messages": orchestrator.Systems.Messages(),
			"docs":     orchestrator.Systems.Docs(),
		})
	})

	go func() {
		if err := srv.Listen(":3000"); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if err := srv.Shutdown(5 * time.Second); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Engine did not drain")
	}

	log.Info().Msg("Server stopped")
}
