package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/phaledang/learn-langraph/log"
)

// SQLServerStore persists state documents in SQL Server. T-SQL has no
// ON CONFLICT clause, so the upsert is a MERGE that matches on the natural
// key and updates or inserts accordingly. State and metadata are stored as
// JSON text in NVARCHAR(MAX) columns.
type SQLServerStore struct {
	lifecycle
	connString string
	tableName  string
	db         *sql.DB
	logger     log.Logger
}

var _ StatePersistence = (*SQLServerStore)(nil)

// NewSQLServerStore creates a SQL Server driver. No connection is made until
// Initialize.
func NewSQLServerStore(cfg Config) *SQLServerStore {
	cfg = cfg.withDefaults()
	return &SQLServerStore{
		connString: cfg.ConnectionString,
		tableName:  cfg.TableName,
		logger:     cfg.Logger,
	}
}

// NewSQLServerStoreWithDB wraps an existing database handle. The returned
// store is in the initialized state. Useful for testing with mocks.
func NewSQLServerStoreWithDB(db *sql.DB, tableName string) *SQLServerStore {
	if tableName == "" {
		tableName = DefaultTableName
	}
	s := &SQLServerStore{
		tableName: tableName,
		db:        db,
		logger:    log.GetDefaultLogger(),
	}
	s.markInitialized()
	return s
}

// Initialize opens the connection pool and creates the table and its indexes
// if they do not exist, guarded by a sys.tables lookup.
func (s *SQLServerStore) Initialize(ctx context.Context) error {
	if err := s.beginInitialize(); err != nil {
		return err
	}

	if s.db == nil {
		db, err := sql.Open("sqlserver", s.connString)
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
		IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%[1]s')
		BEGIN
			CREATE TABLE %[1]s (
				id INT IDENTITY(1,1) PRIMARY KEY,
				thread_id NVARCHAR(255) NOT NULL,
				checkpoint_id NVARCHAR(255) NOT NULL,
				state NVARCHAR(MAX) NOT NULL,
				metadata NVARCHAR(MAX),
				created_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
				updated_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
				CONSTRAINT UQ_%[1]s_thread_checkpoint UNIQUE (thread_id, checkpoint_id)
			);

			CREATE INDEX idx_%[1]s_thread_id ON %[1]s (thread_id);

			CREATE INDEX idx_%[1]s_created_at ON %[1]s (created_at DESC);
		END
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrConnection, err)
	}

	s.markInitialized()
	return nil
}

// SaveState upserts one checkpoint via MERGE; the update branch leaves
// created_at alone.
func (s *SQLServerStore) SaveState(ctx context.Context, threadID, checkpointID string, state, metadata map[string]any) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	stateJSON, metadataJSON, err := marshalPayload(state, metadata)
	if err != nil {
		return swallowWriteError(s.logger, "sqlserver save_state", err)
	}
	var metadataArg any
	if metadataJSON != nil {
		metadataArg = string(metadataJSON)
	}

	query := fmt.Sprintf(`
		MERGE %s AS target
		USING (SELECT @p1 AS thread_id, @p2 AS checkpoint_id) AS source
		ON (target.thread_id = source.thread_id AND target.checkpoint_id = source.checkpoint_id)
		WHEN MATCHED THEN
			UPDATE SET
				state = @p3,
				metadata = @p4,
				updated_at = @p5
		WHEN NOT MATCHED THEN
			INSERT (thread_id, checkpoint_id, state, metadata, created_at, updated_at)
			VALUES (@p1, @p2, @p3, @p4, @p5, @p5);
	`, s.tableName)

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query, threadID, checkpointID, string(stateJSON), metadataArg, now)
	return swallowWriteError(s.logger, "sqlserver save_state", err)
}

// LoadState fetches one checkpoint, or the newest for the thread via
// SELECT TOP 1 when checkpointID is empty.
func (s *SQLServerStore) LoadState(ctx context.Context, threadID, checkpointID string) (*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	var row *sql.Row
	if checkpointID != "" {
		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = @p1 AND checkpoint_id = @p2
		`, s.tableName)
		row = s.db.QueryRowContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT TOP 1 thread_id, checkpoint_id, state, metadata, created_at, updated_at
			FROM %s
			WHERE thread_id = @p1
			ORDER BY created_at DESC, id DESC
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
func (s *SQLServerStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*StateDocument, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT TOP (@p2) thread_id, checkpoint_id, state, metadata, created_at, updated_at
		FROM %s
		WHERE thread_id = @p1
		ORDER BY created_at DESC, id DESC
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
func (s *SQLServerStore) DeleteState(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}

	var err error
	if checkpointID != "" {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = @p1 AND checkpoint_id = @p2", s.tableName)
		_, err = s.db.ExecContext(ctx, query, threadID, checkpointID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = @p1", s.tableName)
		_, err = s.db.ExecContext(ctx, query, threadID)
	}
	return swallowWriteError(s.logger, "sqlserver delete_state", err)
}

// Close disposes the pool. database/sql waits for in-use connections to be
// returned before closing them.
func (s *SQLServerStore) Close() error {
	if s.markClosed() && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanSQLStateDocument reads one database/sql row in the shared column
// order, with JSON carried as text.
func scanSQLStateDocument(scan func(dest ...any) error) (*StateDocument, error) {
	var (
		doc          StateDocument
		stateJSON    string
		metadataJSON sql.NullString
	)
	err := scan(&doc.ThreadID, &doc.CheckpointID, &stateJSON, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read checkpoint row: %v", ErrConnection, err)
	}

	if err := unmarshalJSONColumn(stateJSON, &doc.State); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal state: %v", ErrSerialization, err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := unmarshalJSONColumn(metadataJSON.String, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal metadata: %v", ErrSerialization, err)
		}
	}
	return &doc, nil
}

func unmarshalJSONColumn(raw string, dest *map[string]any) error {
	return json.Unmarshal([]byte(raw), dest)
}
