package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/capture"
	"github.com/sicko7947/talkflow/orchestrator"
)

func problem(c fiber.Ctx, status int, typ, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(typ).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

// handleError maps domain errors to problem responses
func (s *Server) handleError(c fiber.Ctx, err error) error {
	switch {
	case talkflow.IsConfigError(err):
		return problem(c, fiber.StatusUnprocessableEntity, "configuration_error", err.Error())
	case errors.Is(err, talkflow.ErrRunNotFound),
		errors.Is(err, talkflow.ErrWorkflowNotFound),
		errors.Is(err, capture.ErrNotFound):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, talkflow.ErrRunTerminal),
		errors.Is(err, talkflow.ErrRunActive),
		errors.Is(err, talkflow.ErrStaleTransition),
		errors.Is(err, capture.ErrAlreadyPromoted),
		errors.Is(err, orchestrator.ErrNotTranscribed):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	}

	s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)
	return c.Status(fiber.StatusInternalServerError).JSON(p)
}
