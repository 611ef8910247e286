package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/sicko7947/hubflow"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem, problems.ProblemMediaType)
}

// problem maps hub errors onto RFC 7807 responses
func (s *Server) problem(c fiber.Ctx, err error) error {
	status, kind := fiber.StatusInternalServerError, "internal_error"

	switch {
	case errors.Is(err, hubflow.ErrMalformedPayload):
		status, kind = fiber.StatusBadRequest, "malformed_payload"
	case errors.Is(err, hubflow.ErrUnknownSource):
		status, kind = fiber.StatusUnprocessableEntity, "unknown_source"
	case errors.Is(err, hubflow.ErrNotFound):
		status, kind = fiber.StatusNotFound, "not_found"
	case errors.Is(err, hubflow.ErrRunTerminal):
		status, kind = fiber.StatusConflict, "run_terminal"
	case errors.Is(err, hubflow.ErrConcurrentUpdate), errors.Is(err, hubflow.ErrLeaseConflict):
		status, kind = fiber.StatusConflict, "conflict"
	case errors.Is(err, hubflow.ErrStorageUnavailable):
		status, kind = fiber.StatusServiceUnavailable, "storage_unavailable"
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(err.Error())

	return c.Status(status).JSON(problem, problems.ProblemMediaType)
}

// handleError renders errors escaping handlers, such as unknown routes
func (s *Server) handleError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithDetail(err.Error())

	return c.Status(status).JSON(problem, problems.ProblemMediaType)
}
