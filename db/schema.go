// ABOUTME: Database schema definitions
// ABOUTME: One polymorphic entities table, the derived search projection, and the sync run log
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	attributes TEXT NOT NULL DEFAULT '{}',
	relationships TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_workspace_type ON entities(workspace_id, type, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_scope_type ON entities(workspace_id, user_id, type);

CREATE TABLE IF NOT EXISTS entity_search (
	entity_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entity_search_scope ON entity_search(workspace_id, user_id);

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	service TEXT NOT NULL,
	status TEXT NOT NULL,
	total_synced INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_scope ON sync_runs(workspace_id, user_id, service, finished_at);
`

// InitSchema creates tables and indexes if they do not exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
