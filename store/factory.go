package store

import (
	"fmt"
	"strings"
)

// Backend identifies one of the auto-detected database backends.
type Backend string

const (
	BackendCosmos    Backend = "cosmosdb"
	BackendPostgres  Backend = "postgresql"
	BackendSQLServer Backend = "sqlserver"
)

// DetectBackend classifies a connection string by its syntax,
// case-insensitively. Unknown formats yield ErrUnsupportedBackend.
func DetectBackend(connString string) (Backend, error) {
	lower := strings.ToLower(connString)

	if strings.Contains(lower, "accountendpoint") && strings.Contains(lower, "accountkey") {
		return BackendCosmos, nil
	}
	if strings.HasPrefix(lower, "postgresql://") || strings.HasPrefix(lower, "postgres://") {
		return BackendPostgres, nil
	}
	if strings.Contains(lower, "mssql") || strings.Contains(lower, "sqlserver") {
		return BackendSQLServer, nil
	}

	return "", fmt.Errorf("%w: unable to detect database type from connection string; "+
		"supported formats: Cosmos DB (AccountEndpoint=...;AccountKey=...), "+
		"PostgreSQL (postgresql://...), SQL Server (sqlserver://...)", ErrUnsupportedBackend)
}

// New creates the driver matching cfg.ConnectionString. The instance is not
// connected yet; callers own its lifecycle and must call Initialize before
// use and Close when done. New holds no state and allocates a fresh driver
// on every call.
func New(cfg Config) (StatePersistence, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("%w: no connection string provided; pass Config.ConnectionString "+
			"or set %s", ErrConfig, EnvConnectionString)
	}
	cfg = cfg.withDefaults()

	backend, err := DetectBackend(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	switch backend {
	case BackendCosmos:
		return NewCosmosStore(cfg)
	case BackendPostgres:
		return NewPostgresStore(cfg), nil
	case BackendSQLServer:
		return NewSQLServerStore(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
}

// NewFromEnv is New with configuration resolved from the environment.
func NewFromEnv() (StatePersistence, error) {
	return New(ConfigFromEnv())
}
