package store

import "context"

// schemaStatements creates the tables and indexes the store depends on.
// Statements are idempotent (IF NOT EXISTS) so migrate can run on every
// open; no external migration runner is involved.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS consensus_runs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		spec_id        TEXT NOT NULL,
		stage          TEXT NOT NULL,
		consensus_ok   INTEGER NOT NULL DEFAULT 0,
		degraded       INTEGER NOT NULL DEFAULT 0,
		synthesis_json TEXT NOT NULL DEFAULT '',
		run_timestamp  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consensus_runs_spec_stage
		ON consensus_runs(spec_id, stage)`,

	`CREATE TABLE IF NOT EXISTS agent_outputs (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id           INTEGER NOT NULL REFERENCES consensus_runs(id),
		agent_name       TEXT NOT NULL,
		model_version    TEXT NOT NULL DEFAULT '',
		content          TEXT NOT NULL,
		output_timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_outputs_run_id ON agent_outputs(run_id)`,

	`CREATE TABLE IF NOT EXISTS agent_executions (
		agent_id         TEXT PRIMARY KEY,
		spec_id          TEXT NOT NULL,
		stage            TEXT NOT NULL,
		phase_type       TEXT NOT NULL,
		agent_name       TEXT NOT NULL,
		run_id           INTEGER,
		spawned_at       INTEGER NOT NULL,
		completed_at     INTEGER,
		response_text    TEXT,
		extraction_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_executions_spec_stage
		ON agent_executions(spec_id, stage)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_executions_run_id
		ON agent_executions(run_id)`,
}

// migrate applies the schema once per Client open.
func (c *Client) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
