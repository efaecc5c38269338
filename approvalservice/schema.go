package approvalservice

const SchemaSQLite = `
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL,
	reasoning TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	decided_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_approvals_plan_status ON approvals(plan_id, status);
`

const SchemaPostgres = `
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL,
	reasoning TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	decided_at TIMESTAMP WITH TIME ZONE
);

CREATE INDEX IF NOT EXISTS idx_approvals_plan_status ON approvals(plan_id, status);
`
