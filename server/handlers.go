package server

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/ingress"
)

const maxListLimit = 500

// SubmitResponse is returned by POST /api/v1/events
type SubmitResponse struct {
	EventID   string   `json:"eventId"`
	Duplicate bool     `json:"duplicate"`
	RunIDs    []string `json:"runIds"`
	Error     string   `json:"error,omitempty"`
}

// handleSubmitEvent accepts an envelope from a webhook
func (s *Server) handleSubmitEvent(c fiber.Ctx) error {
	var raw ingress.RawEvent
	if err := c.Bind().JSON(&raw); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	res, err := s.ingress.SubmitDetailed(c.Context(), raw)
	if res == nil {
		return s.problem(c, err)
	}

	resp := SubmitResponse{
		EventID:   res.EventID,
		Duplicate: res.Duplicate,
		RunIDs:    res.RunIDs,
	}
	if resp.RunIDs == nil {
		resp.RunIDs = []string{}
	}
	if err != nil {
		// Stored; resubmitting with the same key starts the missing runs
		s.logger.Error().Err(err).Str("event_id", res.EventID).Msg("Event stored with run errors")
		resp.Error = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}

	status := fiber.StatusAccepted
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(resp)
}

// handleGetRun returns a run with its context
func (s *Server) handleGetRun(c fiber.Ctx) error {
	run, err := s.runs.GetRun(c.Context(), c.Params("runId"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(run)
}

// handleGetSteps returns the audit trail of a run
func (s *Server) handleGetSteps(c fiber.Ctx) error {
	execs, err := s.runs.GetStepExecutions(c.Context(), c.Params("runId"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{
		"runId": c.Params("runId"),
		"steps": execs,
	})
}

// handleListRuns lists run summaries, newest first
func (s *Server) handleListRuns(c fiber.Ctx) error {
	filter := hubflow.RunFilter{
		DefinitionID: c.Query("definition_id"),
		Limit:        50,
	}

	if raw := c.Query("status"); raw != "" {
		status, ok := hubflow.ParseRunStatus(raw)
		if !ok {
			return badRequest(c, "unknown status "+raw)
		}
		filter.Status = &status
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		}
		filter.Limit = limit
	}

	runs, err := s.runs.ListRuns(c.Context(), filter)
	if err != nil {
		return s.problem(c, err)
	}

	summaries := make([]hubflow.RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, run.Summary())
	}
	return c.JSON(fiber.Map{
		"runs":  summaries,
		"count": len(summaries),
	})
}

// handleCancelRun requests cooperative cancellation
func (s *Server) handleCancelRun(c fiber.Ctx) error {
	run, err := s.runs.Cancel(c.Context(), c.Params("runId"))
	if err != nil {
		return s.problem(c, err)
	}

	status := fiber.StatusAccepted
	if run.Status == hubflow.RunStatusCancelled {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(run)
}

// handleListDefinitions lists every registered definition version
func (s *Server) handleListDefinitions(c fiber.Ctx) error {
	defs := s.definitions.List()
	return c.JSON(fiber.Map{
		"definitions": defs,
		"count":       len(defs),
	})
}

// handleHealth reports store and worker state
func (s *Server) handleHealth(c fiber.Ctx) error {
	workers := fiber.Map{
		"running": s.runs.Running(),
		"active":  s.runs.ActiveRuns(),
	}

	if s.health != nil {
		if err := s.health.Ping(c.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "unhealthy",
				"store":   err.Error(),
				"workers": workers,
			})
		}
	}

	return c.JSON(fiber.Map{
		"status":  "healthy",
		"store":   "ok",
		"workers": workers,
	})
}

// handleMetrics returns per-action success and error counters
func (s *Server) handleMetrics(c fiber.Ctx) error {
	return c.JSON(s.activity.Metrics())
}

// handleRecentEvents returns the latest run and step notifications, newest first
func (s *Server) handleRecentEvents(c fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		}
		limit = n
	}

	recent := s.activity.Recent(limit)
	return c.JSON(fiber.Map{
		"events": recent,
		"count":  len(recent),
	})
}
