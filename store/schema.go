package store

import "github.com/sicko7947/talkflow/internal/sqlite"

// Component name for the run store's migrations
const migrationComponent = "runs"

// Table names
const (
	tableRuns  = "workflow_runs"
	tableSteps = "workflow_steps"
)

var migrations = []sqlite.Migration{
	{
		Version:     1,
		Description: "create workflow_runs and workflow_steps",
		SQL: `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id               TEXT PRIMARY KEY,
	workflow_id      TEXT NOT NULL,
	workflow_name    TEXT NOT NULL,
	workflow_icon    TEXT,
	workflow_version TEXT,
	status           TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	created_at       REAL NOT NULL,
	updated_at       REAL NOT NULL,
	started_at       REAL,
	completed_at     REAL,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	input_json       TEXT NOT NULL,
	output_json      TEXT,
	error_code       TEXT,
	error_message    TEXT,
	error_stack      TEXT,
	step_count       INTEGER NOT NULL,
	trigger_source   TEXT NOT NULL,
	backend          TEXT NOT NULL,
	rerun_of         TEXT,
	dictation_id     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id                    TEXT PRIMARY KEY,
	run_id                TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	step_number           INTEGER NOT NULL,
	step_key              TEXT NOT NULL,
	step_type             TEXT NOT NULL,
	config_json           TEXT,
	output_key            TEXT NOT NULL,
	status                TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'skipped')),
	created_at            REAL NOT NULL,
	updated_at            REAL NOT NULL,
	started_at            REAL,
	completed_at          REAL,
	duration_ms           INTEGER NOT NULL DEFAULT 0,
	input_json            TEXT,
	output                TEXT,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	llm_provider          TEXT,
	llm_model             TEXT,
	llm_prompt_tokens     INTEGER,
	llm_completion_tokens INTEGER,
	llm_cost_usd          REAL,
	error_code            TEXT,
	error_message         TEXT,
	error_stack           TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_run_number ON workflow_steps(run_id, step_number);
`,
	},
	{
		Version:     2,
		Description: "track sub-workflow parent runs",
		SQL: `
ALTER TABLE workflow_runs ADD COLUMN parent_run_id TEXT;
CREATE INDEX IF NOT EXISTS idx_runs_parent ON workflow_runs(parent_run_id);
`,
	},
	{
		Version:     3,
		Description: "snapshot declared step timeouts",
		SQL: `
ALTER TABLE workflow_steps ADD COLUMN timeout_ms INTEGER NOT NULL DEFAULT 0;
`,
	},
}
