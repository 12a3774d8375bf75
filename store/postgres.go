package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phaledang/learn-langraph/log"
)

// DBPool is the slice of pgxpool.Pool the postgres driver needs. Tests
// substitute a pgxmock pool through NewPostgresStoreWithPool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore persists state documents in PostgreSQL. State and metadata
// live in JSONB columns; the upsert uses the native ON CONFLICT clause backed
// by a unique constraint on (thread_id, checkpoint_id).
type PostgresStore struct {
	lifecycle
	connString string
	tableName  string
	pool       DBPool
	logger     log.Logger
}

var _ StatePersistence = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL driver. No connection is made until
// Initialize.
func NewPostgresStore(cfg Config) *PostgresStore {
	cfg = cfg.withDefaults()
	return &PostgresStore{
		connString: cfg.ConnectionString,
		tableName:  cfg.TableName,
		logger:     cfg.Logger,
	}
}

// NewPostgresStoreWithPool wraps an existing, already-connected pool. The
// returned store is in the initialized state. Useful for testing with mocks.
func NewPostgresStoreWithPool(pool DBPool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = DefaultTableName
	}
	s := &PostgresStore{
		tableName: tableName,
		pool:      pool,
		logger:    log.GetDefaultLogger(),
	}
	s.markInitialized()
	return s
}

// Initialize creates the connection pool and the schema if it does not exist.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	if err := s.beginInitialize(); err != nil {
		return err
	}

	if s.pool == nil {
		pool, err := pgxpool.New(ctx, s.connString)
		if err != nil {
			return fmt.Errorf("%w: unable to create connection pool: %v", ErrConnection, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		s.pool = pool
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state JSONB NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_thread_id ON %[1]s (thread_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at DESC);
	`, s.tableName)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrConnection, err)
	}

	s.markInitialized()
	return nil
}

// SaveState upserts one checkpoint. created_at is written only on insert.
func (s *PostgresStore) SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	stateJSON, metadataJSON, err := marshalPayload(state, metadata)
	if err != nil {
		return swallowWriteError(s.logger, "postgres save_state", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, state, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, s.tableName)

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, query, threadID, checkpointID, stateJSON, metadataJSON, now, now)
	return swallowWriteError(s.logger, "postgres save_state", err)
}

// LoadState fetches one checkpoint, or the newest one for the thread when
// checkpointID is empty. Absent rows return (nil, nil).
func (s *PostgresStore) LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	var row pgx.Row
	if checkpointID != "" {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = $1 AND checkpoint_id = $2
		`, s.tableName)
		row = s.pool.QueryRow(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, s.tableName)
		row = s.pool.QueryRow(ctx, query, threadID)
	}

	doc, err := scanStateDocument(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListCheckpoints returns up to limit checkpoints, newest first.
func (s *PostgresStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, threadID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list checkpoints: %v", ErrConnection, err)
	}
	defer rows.Close()

	var docs []*StateDocument
	for rows.Next() {
		doc, err := scanStateDocument(rows.Scan)
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
// is empty. Zero matched rows still count as success.
func (s *PostgresStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	var err error
	if checkpointID != "" {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1 AND checkpoint_id = $2", s.tableName)
		_, err = s.pool.Exec(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)
		_, err = s.pool.Exec(ctx, query, threadID)
	}
	return swallowWriteError(s.logger, "postgres delete_state", err)
}

// Close disposes the pool. pgxpool waits for acquired connections to be
// returned before tearing them down.
func (s *PostgresStore) Close() error {
	if s.markClosed() && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// marshalPayload serializes state and metadata for the SQL drivers. A nil
// metadata map becomes SQL NULL.
func marshalPayload(state, metadata map[string]any) ([]byte, []byte, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var metadataJSON []byte
	if metadata != nil {
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return stateJSON, metadataJSON, nil
}

// scanStateDocument reads one row in the shared column order. The scan
// callback abstracts over pgx.Row and pgx.Rows.
func scanStateDocument(scan func(dest ...any) error) (*StateDocument, error) {
	var (
		doc          StateDocument
		stateJSON    []byte
		metadataJSON []byte
	)
	err := scan(&doc.ThreadID, &doc.CheckpointID, &stateJSON, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read checkpoint row: %v", ErrConnection, err)
	}

	if err := json.Unmarshal(stateJSON, &doc.State); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal state: %v", ErrSerialization, err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal metadata: %v", ErrSerialization, err)
		}
	}
	return &doc, nil
}
