// Package api exposes runs, live state and dictations over HTTP. Runs
// started here carry the `api` trigger source.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/capture"
	"github.com/sicko7947/talkflow/engine"
	"github.com/sicko7947/talkflow/livestate"
	"github.com/sicko7947/talkflow/orchestrator"
)

// Server serves the HTTP API
type Server struct {
	app      *fiber.App
	engine   *engine.Engine
	catalog  talkflow.WorkflowCatalog
	captures *capture.Store
	live     livestate.Bus
	orch     *orchestrator.Orchestrator
	logger   zerolog.Logger
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCaptures enables the dictation routes
func WithCaptures(captures *capture.Store, orch *orchestrator.Orchestrator) Option {
	return func(s *Server) {
		s.captures = captures
		s.orch = orch
	}
}

// WithLiveState enables GET /live
func WithLiveState(bus livestate.Bus) Option {
	return func(s *Server) {
		s.live = bus
	}
}

// NewServer creates the server and registers its routes
func NewServer(eng *engine.Engine, catalog talkflow.WorkflowCatalog, opts ...Option) *Server {
	s := &Server{
		app:     fiber.New(fiber.Config{AppName: "talkflow"}),
		engine:  eng,
		catalog: catalog,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
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

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "talkflow",
		})
	})

	s.app.Get("/workflows", s.handleListWorkflows)
	s.app.Post("/workflows/:slug/runs", s.handleStartRun)

	s.app.Get("/runs", s.handleListRuns)
	s.app.Get("/runs/:id", s.handleGetRun)
	s.app.Get("/runs/:id/steps", s.handleListSteps)
	s.app.Post("/runs/:id/cancel", s.handleCancelRun)
	s.app.Post("/runs/:id/rerun", s.handleRerun)

	s.app.Get("/live", s.handleLive)

	s.app.Get("/dictations", s.handleListDictations)
	dictations := s.app.Group("/dictations")
	dictations.Get("/retry-queue", s.handleRetryQueue)
	dictations.Get("/queue", s.handleQueue)
	dictations.Post("/:id/promote", s.handlePromote)
}

// WorkflowSummary is one catalog entry
type WorkflowSummary struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"stepCount"`
}

func (s *Server) handleListWorkflows(c fiber.Ctx) error {
	defs := s.catalog.List()
	out := make([]WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, WorkflowSummary{
			Slug:        def.Slug,
			Name:        def.Name,
			Icon:        def.Icon,
			Version:     def.DisplayVersion(),
			Description: def.Description,
			StepCount:   len(def.Steps),
		})
	}
	return c.JSON(fiber.Map{"workflows": out})
}

// StartRunRequest is the body of POST /workflows/:slug/runs
type StartRunRequest struct {
	Transcript  string            `json:"transcript"`
	Title       string            `json:"title"`
	Date        *time.Time        `json:"date"`
	Variables   map[string]string `json:"variables"`
	Synchronous bool              `json:"synchronous"`
}

func (s *Server) handleStartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	def, err := s.catalog.Get(c.Params("slug"))
	if err != nil {
		return s.handleError(c, err)
	}

	input := talkflow.RunInput{
		Transcript: req.Transcript,
		Title:      req.Title,
		Date:       time.Now(),
		Variables:  req.Variables,
	}
	if req.Date != nil {
		input.Date = *req.Date
	}

	runID, err := s.engine.Start(c.Context(), def, input,
		talkflow.WithTriggerSource(talkflow.TriggerAPI),
		talkflow.WithSynchronous(req.Synchronous),
	)
	if err != nil && runID == "" {
		return s.handleError(c, err)
	}

	if req.Synchronous {
		run, getErr := s.engine.GetRun(c.Context(), runID)
		if getErr != nil {
			return s.handleError(c, getErr)
		}
		return c.JSON(run)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"runId":  runID,
		"status": talkflow.RunStatusPending,
	})
}

func (s *Server) handleListRuns(c fiber.Ctx) error {
	filter := talkflow.RunFilter{
		WorkflowID:    c.Query("workflow"),
		TriggerSource: talkflow.TriggerSource(c.Query("trigger")),
		ParentRunID:   c.Query("parent"),
	}
	if status := c.Query("status"); status != "" {
		st := talkflow.RunStatus(status)
		if !st.Valid() {
			return badRequest(c, "unknown status '"+status+"'")
		}
		filter.Status = &st
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	filter.Limit = int(limit)

	runs, err := s.engine.ListRuns(c.Context(), filter)
	if err != nil {
		return s.handleError(c, err)
	}
	if runs == nil {
		runs = []*talkflow.WorkflowRun{}
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (s *Server) handleGetRun(c fiber.Ctx) error {
	run, err := s.engine.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(run)
}

func (s *Server) handleListSteps(c fiber.Ctx) error {
	runID := c.Params("id")
	if _, err := s.engine.GetRun(c.Context(), runID); err != nil {
		return s.handleError(c, err)
	}
	steps, err := s.engine.ListSteps(c.Context(), runID)
	if err != nil {
		return s.handleError(c, err)
	}
	if steps == nil {
		steps = []*talkflow.WorkflowStep{}
	}
	return c.JSON(fiber.Map{"steps": steps})
}

func (s *Server) handleCancelRun(c fiber.Ctx) error {
	runID := c.Params("id")
	if err := s.engine.Cancel(c.Context(), runID); err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(fiber.Map{
		"runId":  runID,
		"status": talkflow.RunStatusCancelled,
	})
}

func (s *Server) handleRerun(c fiber.Ctx) error {
	runID, err := s.engine.Rerun(c.Context(), c.Params("id"), talkflow.WithTriggerSource(talkflow.TriggerAPI))
	if err != nil {
		return s.handleError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"runId":   runID,
		"rerunOf": c.Params("id"),
		"status":  talkflow.RunStatusPending,
	})
}

func (s *Server) handleLive(c fiber.Ctx) error {
	if s.live == nil {
		return c.JSON(livestate.Idle())
	}
	state, err := s.live.Latest(c.Context())
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(state)
}

func capturesDisabled(c fiber.Ctx) error {
	return problem(c, fiber.StatusNotFound, "not_found", "capture store is not configured")
}

func (s *Server) handleListDictations(c fiber.Ctx) error {
	if s.captures == nil {
		return capturesDisabled(c)
	}
	after, err := queryInt(c, "after", 0)
	if err != nil {
		return badRequest(c, "after must be an integer")
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}

	records, err := s.captures.ListSince(c.Context(), after, int(limit))
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(fiber.Map{"dictations": nonNil(records)})
}

func (s *Server) handleRetryQueue(c fiber.Ctx) error {
	if s.captures == nil {
		return capturesDisabled(c)
	}
	records, err := s.captures.RetryQueue(c.Context())
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(fiber.Map{"dictations": nonNil(records)})
}

func (s *Server) handleQueue(c fiber.Ctx) error {
	if s.captures == nil {
		return capturesDisabled(c)
	}
	records, err := s.captures.Queue(c.Context())
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(fiber.Map{"dictations": nonNil(records)})
}

// PromoteRequest is the body of POST /dictations/:id/promote
type PromoteRequest struct {
	Target    capture.PromotionStatus `json:"target"`
	Workflow  string                  `json:"workflow"`
	Title     string                  `json:"title"`
	Variables map[string]string       `json:"variables"`
}

func (s *Server) handlePromote(c fiber.Ctx) error {
	if s.captures == nil || s.orch == nil {
		return capturesDisabled(c)
	}
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return badRequest(c, "dictation id must be an integer")
	}
	var req PromoteRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	switch req.Target {
	case capture.PromotionCommand:
		if req.Workflow == "" {
			return badRequest(c, "workflow is required for command promotion")
		}
		runID, err := s.orch.RunCommand(c.Context(), id, req.Workflow, req.Variables)
		if err != nil {
			return s.handleError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"dictationId": id, "target": req.Target, "runId": runID})

	case capture.PromotionMemo:
		memo, err := s.orch.SaveMemo(c.Context(), id, req.Title)
		if err != nil {
			return s.handleError(c, err)
		}
		return c.JSON(fiber.Map{"dictationId": id, "target": req.Target, "memo": memo})

	case capture.PromotionIgnored:
		if err := s.orch.Ignore(c.Context(), id); err != nil {
			return s.handleError(c, err)
		}
		return c.JSON(fiber.Map{"dictationId": id, "target": req.Target})
	}

	return badRequest(c, "target must be one of command, memo, ignored")
}

func queryInt(c fiber.Ctx, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func nonNil(records []*capture.Dictation) []*capture.Dictation {
	if records == nil {
		return []*capture.Dictation{}
	}
	return records
}
