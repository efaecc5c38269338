package planstore

// SchemaSQLite creates the plan tables for SQLite. Timestamps are declared as
// TIMESTAMP so the driver scans them back into time.Time.
const SchemaSQLite = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	goal TEXT NOT NULL,
	goal_category TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_step_index INTEGER NOT NULL DEFAULT 0,
	requires_approval BOOLEAN NOT NULL DEFAULT 0,
	reasoning TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	conversation_id TEXT,
	pending_approval_id TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plan_steps (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	params TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	dependency_indices TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	requires_approval BOOLEAN NOT NULL DEFAULT 0,
	approval_id TEXT,
	rollback_action TEXT,
	result TEXT,
	resolved_params TEXT,
	error TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	skip_reason TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	rolled_back_at TIMESTAMP,
	retry_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (plan_id, step_index)
);

CREATE TABLE IF NOT EXISTS plan_assumptions (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	statement TEXT NOT NULL,
	category TEXT NOT NULL,
	evidence TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	verified BOOLEAN NOT NULL DEFAULT 0,
	correction TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_plans_user_created ON plans(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_plan_steps_plan ON plan_steps(plan_id, step_index);
CREATE INDEX IF NOT EXISTS idx_plan_assumptions_plan ON plan_assumptions(plan_id, position);
`

// SchemaPostgres is the PostgreSQL equivalent of SchemaSQLite.
const SchemaPostgres = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	goal TEXT NOT NULL,
	goal_category TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_step_index INTEGER NOT NULL DEFAULT 0,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	reasoning TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	conversation_id TEXT,
	pending_approval_id TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
	completed_at TIMESTAMP WITH TIME ZONE
);

CREATE TABLE IF NOT EXISTS plan_steps (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	params TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	dependency_indices TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	approval_id TEXT,
	rollback_action TEXT,
	result TEXT,
	resolved_params TEXT,
	error TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	skip_reason TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP WITH TIME ZONE,
	completed_at TIMESTAMP WITH TIME ZONE,
	rolled_back_at TIMESTAMP WITH TIME ZONE,
	retry_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (plan_id, step_index)
);

CREATE TABLE IF NOT EXISTS plan_assumptions (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	statement TEXT NOT NULL,
	category TEXT NOT NULL,
	evidence TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	correction TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_plans_user_created ON plans(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_plan_steps_plan ON plan_steps(plan_id, step_index);
CREATE INDEX IF NOT EXISTS idx_plan_assumptions_plan ON plan_assumptions(plan_id, position);
`
