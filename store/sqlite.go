package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/phaledang/learn-langraph/log"
)

// SqliteStore persists state documents in a local SQLite file. It is not
// selected by the factory; construct it directly for development, desktop
// use or tests that want a real SQL backend without a server.
type SqliteStore struct {
	lifecycle
	path      string
	tableName string
	db        *sql.DB
	logger    log.Logger
}

var _ StatePersistence = (*SqliteStore)(nil)

// SqliteOptions configures the SQLite driver.
type SqliteOptions struct {
	// Path is the database file, or a mattn/go-sqlite3 DSN.
	Path string
	// TableName defaults to DefaultTableName.
	TableName string
	// Logger defaults to the package-level logger.
	Logger log.Logger
}

// NewSqliteStore creates a SQLite driver. The file is opened by Initialize.
func NewSqliteStore(opts SqliteOptions) *SqliteStore {
	if opts.TableName == "" {
		opts.TableName = DefaultTableName
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	return &SqliteStore{
		path:      opts.Path,
		tableName: opts.TableName,
		logger:    opts.Logger,
	}
}

// Initialize opens the database and creates the schema if it does not exist.
func (s *SqliteStore) Initialize(ctx context.Context) error {
	if err := s.beginInitialize(); err != nil {
		return err
	}

	if s.db == nil {
		db, err := sql.Open("sqlite3", s.path)
		if err != nil {
			return fmt.Errorf("%w: unable to open database: %v", ErrConnection, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		s.db = db
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_thread_id ON %[1]s (thread_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at DESC);
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrConnection, err)
	}

	s.markInitialized()
	return nil
}

// SaveState upserts one checkpoint using SQLite's ON CONFLICT clause.
func (s *SqliteStore) SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	stateJSON, metadataJSON, err := marshalPayload(state, metadata)
	if err != nil {
		return swallowWriteError(s.logger, "sqlite save_state", err)
	}
	var metadataArg any
	if metadataJSON != nil {
		metadataArg = string(metadataJSON)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, state, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
			state = excluded.state,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, s.tableName)

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query, threadID, checkpointID, string(stateJSON), metadataArg, now, now)
	return swallowWriteError(s.logger, "sqlite save_state", err)
}

// LoadState fetches one checkpoint, or the newest for the thread when
// checkpointID is empty.
func (s *SqliteStore) LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	var row *sql.Row
	if checkpointID != "" {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = ? AND checkpoint_id = ?
		`, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID)
	}

	doc, err := scanSQLStateDocument(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListCheckpoints returns up to limit checkpoints, newest first.
func (s *SqliteStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
		FROM %s
		WHERE thread_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, threadID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list checkpoints: %v", ErrConnection, err)
	}
	defer rows.Close()

	var docs []*StateDocument
	for rows.Next() {
		doc, err := scanSQLStateDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating checkpoint rows: %v", ErrConnection, err)
	}
	return docs, nil
}

// DeleteState removes one checkpoint, or the whole thread when checkpointID
// is empty.
func (s *SqliteStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	var err error
	if checkpointID != "" {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ? AND checkpoint_id = ?", s.tableName)
		_, err = s.db.ExecContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
		_, err = s.db.ExecContext(ctx, query, threadID)
	}
	return swallowWriteError(s.logger, "sqlite delete_state", err)
}

// Close closes the database file.
func (s *SqliteStore) Close() error {
	if s.markClosed() && s.db != nil {
		return s.db.Close()
	}
	return nil
}
