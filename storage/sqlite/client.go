package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/complymap/engine/mapper"
	"github.com/complymap/engine/mappings"
	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
	"github.com/complymap/engine/relationship"
	"github.com/complymap/engine/scoring"
)

// Client is the SQLite-backed store for mappings, history,
// relationships, weights, and the document and control catalogs.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS control_mappings (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		control_id TEXT NOT NULL,
		control_framework TEXT NOT NULL DEFAULT '',
		confidence_score REAL NOT NULL,
		mapping_criteria TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_mappings_document ON control_mappings(document_id);
	CREATE INDEX IF NOT EXISTS idx_mappings_control ON control_mappings(control_id);
	CREATE INDEX IF NOT EXISTS idx_mappings_framework ON control_mappings(control_framework);
	CREATE INDEX IF NOT EXISTS idx_mappings_confidence ON control_mappings(confidence_score);
	CREATE INDEX IF NOT EXISTS idx_mappings_created ON control_mappings(created_at);

	CREATE TABLE IF NOT EXISTS mapping_history (
		id TEXT PRIMARY KEY,
		mapping_id TEXT NOT NULL,
		action TEXT NOT NULL,
		old_confidence_score REAL,
		new_confidence_score REAL,
		change_reason TEXT NOT NULL DEFAULT '',
		changed_by TEXT NOT NULL DEFAULT '',
		changed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_mapping ON mapping_history(mapping_id);
	CREATE INDEX IF NOT EXISTS idx_history_changed ON mapping_history(changed_at);

	CREATE TABLE IF NOT EXISTS control_relationships (
		id TEXT PRIMARY KEY,
		source_control_id TEXT NOT NULL,
		target_control_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		framework TEXT NOT NULL DEFAULT '',
		strength REAL NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(source_control_id, target_control_id, relationship_type, framework)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON control_relationships(source_control_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON control_relationships(target_control_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_framework ON control_relationships(framework);

	CREATE TABLE IF NOT EXISTS confidence_weights (
		criterion TEXT PRIMARY KEY,
		weight REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		document_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		section_type TEXT NOT NULL DEFAULT '',
		document_type TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);

	CREATE TABLE IF NOT EXISTS controls (
		id TEXT PRIMARY KEY,
		framework TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_controls_framework ON controls(framework);
	CREATE INDEX IF NOT EXISTS idx_controls_active ON controls(active);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

// dbError maps driver failures onto the shared error taxonomy.
// Constraint violations are the caller's fault; everything else means
// the backend misbehaved.
func dbError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %w", op, models.ErrValidation, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}

var (
	_ mappings.Store          = (*Client)(nil)
	_ relationship.Store      = (*Client)(nil)
	_ relationship.Catalog    = (*Client)(nil)
	_ scoring.WeightsStore    = (*Client)(nil)
	_ mapper.DocumentProvider = (*Client)(nil)
	_ mapper.Catalog          = (*Client)(nil)
)
