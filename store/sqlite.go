package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/internal/sqlite"
)

// SQLiteStore implements talkflow.RunStore on an embedded SQLite database.
// Other local processes may read the same file while this one writes.
type SQLiteStore struct {
	db *sql.DB
	// reader serves run and step lookups; it is db itself unless a separate
	// query-only pool was opened
	reader *sql.DB
	ownsDB bool
	logger zerolog.Logger
}

// SQLiteOption configures a SQLiteStore
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// NewSQLiteStore creates a run store on an open database and applies the
// schema migrations. The caller keeps ownership of db.
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, reader: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if err := sqlite.Migrate(ctx, db, migrationComponent, migrations, s.logger); err != nil {
		return nil, fmt.Errorf("failed to migrate run store: %w", err)
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path and returns a store
// that closes it on Close. File databases also get a query-only read pool, so
// status polling is not queued behind the engine's writes.
func OpenSQLiteStore(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true

	if path != sqlite.MemoryPath {
		reader, err := sqlite.OpenReader(path, sqlite.DefaultReaderConns)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.reader = reader
	}
	return s, nil
}

// Close releases the database if the store opened it
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	var readerErr error
	if s.reader != s.db {
		readerErr = s.reader.Close()
	}
	return errors.Join(s.db.Close(), readerErr)
}

var _ talkflow.RunStore = (*SQLiteStore)(nil)

const runColumns = `id, workflow_id, workflow_name, workflow_icon, workflow_version, status,
	created_at, updated_at, started_at, completed_at, duration_ms, input_json, output_json,
	error_code, error_message, error_stack, step_count, trigger_source, backend,
	parent_run_id, rerun_of, dictation_id`

const stepColumns = `id, run_id, step_number, step_key, step_type, config_json, output_key, status,
	created_at, updated_at, started_at, completed_at, duration_ms, input_json, output, retry_count,
	llm_provider, llm_model, llm_prompt_tokens, llm_completion_tokens, llm_cost_usd,
	error_code, error_message, error_stack, timeout_ms`

// Workflow run operations

func (s *SQLiteStore) CreateRun(ctx context.Context, run *talkflow.WorkflowRun) error {
	if err := run.CheckInvariants(); err != nil {
		return err
	}

	args, err := runArgs(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES (`+placeholders(22)+`)`,
		args...,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("workflow run %s already exists", run.ID)
		}
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*talkflow.WorkflowRun, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow run %s: %w", runID, talkflow.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *talkflow.WorkflowRun) error {
	return s.updateRun(ctx, run, "")
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, run *talkflow.WorkflowRun, from talkflow.RunStatus) error {
	return s.updateRun(ctx, run, from)
}

func (s *SQLiteStore) updateRun(ctx context.Context, run *talkflow.WorkflowRun, from talkflow.RunStatus) error {
	if err := run.CheckInvariants(); err != nil {
		return err
	}

	updatedAt := time.Now()
	prev := run.UpdatedAt
	run.UpdatedAt = updatedAt

	input, err := json.Marshal(run.Input)
	if err != nil {
		run.UpdatedAt = prev
		return fmt.Errorf("failed to marshal run input: %w", err)
	}
	output, err := marshalOutputMap(run.Output)
	if err != nil {
		run.UpdatedAt = prev
		return err
	}

	query := `UPDATE workflow_runs SET
		workflow_name = ?, workflow_icon = ?, workflow_version = ?, status = ?,
		updated_at = ?, started_at = ?, completed_at = ?, duration_ms = ?,
		input_json = ?, output_json = ?, error_code = ?, error_message = ?, error_stack = ?,
		step_count = ?, trigger_source = ?, backend = ?, parent_run_id = ?, rerun_of = ?, dictation_id = ?
		WHERE id = ?`
	args := []any{
		run.WorkflowName, sqlite.NullString(run.WorkflowIcon), sqlite.NullString(run.WorkflowVersion), string(run.Status),
		sqlite.ToUnix(updatedAt), sqlite.NullUnix(run.StartedAt), sqlite.NullUnix(run.CompletedAt), run.DurationMs,
		string(input), output, sqlite.NullString(run.ErrorCode), sqlite.NullString(run.ErrorMessage), sqlite.NullString(run.ErrorStack),
		run.StepCount, string(run.TriggerSource), run.Backend, sqlite.NullString(run.ParentRunID), sqlite.NullString(run.RerunOf), nullID(run.DictationID),
		run.ID,
	}
	if from != "" {
		query += ` AND status = ?`
		args = append(args, string(from))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		run.UpdatedAt = prev
		return fmt.Errorf("failed to update workflow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		run.UpdatedAt = prev
		current, err := s.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("workflow run %s is %s, expected %s: %w", run.ID, current.Status, from, talkflow.ErrStaleTransition)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter talkflow.RunFilter) ([]*talkflow.WorkflowRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggerSource != "" {
		where = append(where, "trigger_source = ?")
		args = append(args, string(filter.TriggerSource))
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	runs := []*talkflow.WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) PurgeRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to purge workflow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow run %s: %w", runID, talkflow.ErrRunNotFound)
	}
	return nil
}

// Step operations

func (s *SQLiteStore) CreateSteps(ctx context.Context, runID string, steps []*talkflow.WorkflowStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check workflow run: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("workflow run %s: %w", runID, talkflow.ErrRunNotFound)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO workflow_steps (`+stepColumns+`) VALUES (`+placeholders(25)+`)`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for _, step := range steps {
		if step.RunID != runID {
			return fmt.Errorf("step %s belongs to run %s, not %s", step.StepKey, step.RunID, runID)
		}
		if _, err := stmt.ExecContext(ctx, stepArgs(step)...); err != nil {
			return fmt.Errorf("failed to create step %s: %w", step.StepKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, runID string, stepNumber int) (*talkflow.WorkflowStep, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE run_id = ? AND step_number = ?`,
		runID, stepNumber,
	)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %d of run %s: %w", stepNumber, runID, talkflow.ErrStepNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*talkflow.WorkflowStep, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE run_id = ? ORDER BY step_number`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*talkflow.WorkflowStep{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) TransitionStep(ctx context.Context, step *talkflow.WorkflowStep, from talkflow.StepStatus) error {
	if !from.CanTransition(step.Status) {
		return fmt.Errorf("invalid step transition %s -> %s", from, step.Status)
	}

	updatedAt := time.Now()
	provider, model, promptTokens, completionTokens, cost := llmArgs(step.LLM)

	query := `UPDATE workflow_steps SET
		status = ?, updated_at = ?, started_at = ?, completed_at = ?, duration_ms = ?,
		input_json = ?, output = ?, retry_count = ?,
		llm_provider = ?, llm_model = ?, llm_prompt_tokens = ?, llm_completion_tokens = ?, llm_cost_usd = ?,
		error_code = ?, error_message = ?, error_stack = ?
		WHERE run_id = ? AND step_number = ? AND status = ?`
	args := []any{
		string(step.Status), sqlite.ToUnix(updatedAt), sqlite.NullUnix(step.StartedAt), sqlite.NullUnix(step.CompletedAt), step.DurationMs,
		nullRaw(step.Input), sqlite.NullString(step.Output), step.RetryCount,
		provider, model, promptTokens, completionTokens, cost,
		sqlite.NullString(step.ErrorCode), sqlite.NullString(step.ErrorMessage), sqlite.NullString(step.ErrorStack),
		step.RunID, step.StepNumber, string(from),
	}
	// A cancel committed by another process must stop the step from starting
	starting := startsStep(from, step.Status)
	if starting {
		query += ` AND EXISTS (SELECT 1 FROM workflow_runs WHERE id = ? AND status = ?)`
		args = append(args, step.RunID, string(talkflow.RunStatusRunning))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition step %s: %w", step.StepKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetStep(ctx, step.RunID, step.StepNumber)
		if err != nil {
			return err
		}
		if starting && current.Status == from {
			return fmt.Errorf("step %s of run %s: %w", step.StepKey, step.RunID, talkflow.ErrRunNotRunning)
		}
		return fmt.Errorf("step %s is %s, expected %s: %w", step.StepKey, current.Status, from, talkflow.ErrStaleTransition)
	}

	step.UpdatedAt = updatedAt
	return nil
}

// Row mapping

type scanner interface {
	Scan(dest ...any) error
}

func runArgs(run *talkflow.WorkflowRun) ([]any, error) {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run input: %w", err)
	}
	output, err := marshalOutputMap(run.Output)
	if err != nil {
		return nil, err
	}
	return []any{
		run.ID, run.WorkflowID, run.WorkflowName, sqlite.NullString(run.WorkflowIcon), sqlite.NullString(run.WorkflowVersion),
		string(run.Status), sqlite.ToUnix(run.CreatedAt), sqlite.ToUnix(run.UpdatedAt),
		sqlite.NullUnix(run.StartedAt), sqlite.NullUnix(run.CompletedAt), run.DurationMs,
		string(input), output,
		sqlite.NullString(run.ErrorCode), sqlite.NullString(run.ErrorMessage), sqlite.NullString(run.ErrorStack),
		run.StepCount, string(run.TriggerSource), run.Backend,
		sqlite.NullString(run.ParentRunID), sqlite.NullString(run.RerunOf), nullID(run.DictationID),
	}, nil
}

func scanRun(row scanner) (*talkflow.WorkflowRun, error) {
	var (
		run                           talkflow.WorkflowRun
		icon, version                 sql.NullString
		status, trigger               string
		createdAt, updatedAt          float64
		startedAt, completedAt        sql.NullFloat64
		inputJSON                     string
		outputJSON                    sql.NullString
		errCode, errMessage, errStack sql.NullString
		parentRunID, rerunOf          sql.NullString
		dictationID                   sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.WorkflowName, &icon, &version, &status,
		&createdAt, &updatedAt, &startedAt, &completedAt, &run.DurationMs, &inputJSON, &outputJSON,
		&errCode, &errMessage, &errStack, &run.StepCount, &trigger, &run.Backend,
		&parentRunID, &rerunOf, &dictationID,
	)
	if err != nil {
		return nil, err
	}

	run.WorkflowIcon = icon.String
	run.WorkflowVersion = version.String
	run.Status = talkflow.RunStatus(status)
	run.TriggerSource = talkflow.TriggerSource(trigger)
	run.CreatedAt = sqlite.FromUnix(createdAt)
	run.UpdatedAt = sqlite.FromUnix(updatedAt)
	run.StartedAt = sqlite.TimePtr(startedAt)
	run.CompletedAt = sqlite.TimePtr(completedAt)
	run.ErrorCode = errCode.String
	run.ErrorMessage = errMessage.String
	run.ErrorStack = errStack.String
	run.ParentRunID = parentRunID.String
	run.RerunOf = rerunOf.String
	run.DictationID = dictationID.Int64

	if err := json.Unmarshal([]byte(inputJSON), &run.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run input: %w", err)
	}
	if outputJSON.Valid {
		if err := json.Unmarshal([]byte(outputJSON.String), &run.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run output: %w", err)
		}
	}
	return &run, nil
}

func stepArgs(step *talkflow.WorkflowStep) []any {
	provider, model, promptTokens, completionTokens, cost := llmArgs(step.LLM)
	return []any{
		step.ID, step.RunID, step.StepNumber, step.StepKey, string(step.StepType), nullRaw(step.Config), step.OutputKey,
		string(step.Status), sqlite.ToUnix(step.CreatedAt), sqlite.ToUnix(step.UpdatedAt),
		sqlite.NullUnix(step.StartedAt), sqlite.NullUnix(step.CompletedAt), step.DurationMs,
		nullRaw(step.Input), sqlite.NullString(step.Output), step.RetryCount,
		provider, model, promptTokens, completionTokens, cost,
		sqlite.NullString(step.ErrorCode), sqlite.NullString(step.ErrorMessage), sqlite.NullString(step.ErrorStack),
		step.TimeoutMs,
	}
}

func scanStep(row scanner) (*talkflow.WorkflowStep, error) {
	var (
		step                          talkflow.WorkflowStep
		stepType, status              string
		config, input, output         sql.NullString
		createdAt, updatedAt          float64
		startedAt, completedAt        sql.NullFloat64
		provider, model               sql.NullString
		promptTokens, completionToks  sql.NullInt64
		cost                          sql.NullFloat64
		errCode, errMessage, errStack sql.NullString
	)
	err := row.Scan(
		&step.ID, &step.RunID, &step.StepNumber, &step.StepKey, &stepType, &config, &step.OutputKey, &status,
		&createdAt, &updatedAt, &startedAt, &completedAt, &step.DurationMs, &input, &output, &step.RetryCount,
		&provider, &model, &promptTokens, &completionToks, &cost,
		&errCode, &errMessage, &errStack, &step.TimeoutMs,
	)
	if err != nil {
		return nil, err
	}

	step.StepType = talkflow.StepType(stepType)
	step.Status = talkflow.StepStatus(status)
	step.CreatedAt = sqlite.FromUnix(createdAt)
	step.UpdatedAt = sqlite.FromUnix(updatedAt)
	step.StartedAt = sqlite.TimePtr(startedAt)
	step.CompletedAt = sqlite.TimePtr(completedAt)
	step.Output = output.String
	step.ErrorCode = errCode.String
	step.ErrorMessage = errMessage.String
	step.ErrorStack = errStack.String
	if config.Valid {
		step.Config = json.RawMessage(config.String)
	}
	if input.Valid {
		step.Input = json.RawMessage(input.String)
	}
	if provider.Valid || model.Valid {
		step.LLM = &talkflow.LLMMetadata{
			Provider:         provider.String,
			Model:            model.String,
			PromptTokens:     int(promptTokens.Int64),
			CompletionTokens: int(completionToks.Int64),
			CostUSD:          cost.Float64,
		}
	}
	return &step, nil
}

func llmArgs(llm *talkflow.LLMMetadata) (provider, model sql.NullString, promptTokens, completionTokens sql.NullInt64, cost sql.NullFloat64) {
	if llm == nil {
		return
	}
	provider = sqlite.NullString(llm.Provider)
	model = sqlite.NullString(llm.Model)
	promptTokens = sql.NullInt64{Int64: int64(llm.PromptTokens), Valid: true}
	completionTokens = sql.NullInt64{Int64: int64(llm.CompletionTokens), Valid: true}
	cost = sql.NullFloat64{Float64: llm.CostUSD, Valid: true}
	return
}

func marshalOutputMap(out map[string]string) (sql.NullString, error) {
	if out == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal run output: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
