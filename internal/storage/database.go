package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// New opens a SQLite database connection at the given path.
// Foreign keys are enabled on every pooled connection, writers wait on the busy
// timeout instead of failing, and transactions begin IMMEDIATE so a write
// transaction holds the database write lock from its first statement. The outbox
// claim relies on that last property for exclusive row ownership.
func New(path string) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	dsn := fmt.Sprintf("file:%s?%s", path, params.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables.
// It is idempotent and can be run multiple times safely.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			vector_size INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			deleted_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			knowledge_base_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			status TEXT NOT NULL,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			version_number INTEGER NOT NULL DEFAULT 1,
			version_history TEXT NOT NULL DEFAULT '[]',
			processing_steps TEXT NOT NULL DEFAULT '{}',
			current_step TEXT NOT NULL DEFAULT '',
			step_errors TEXT NOT NULL DEFAULT '{}',
			processing_run_id TEXT NOT NULL DEFAULT '',
			processing_started_at TEXT,
			processing_completed_at TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			archived_at TEXT,
			FOREIGN KEY (knowledge_base_id) REFERENCES knowledge_bases(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kb_status ON documents (knowledge_base_id, status);`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			processed_at TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			dead_lettered_at TEXT,
			locked_by TEXT,
			locked_until TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox_events (processed_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_events (aggregate_id, event_type);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
