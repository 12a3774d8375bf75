package store

import (
	"os"

	"github.com/phaledang/learn-langraph/log"
)

// Environment variables consulted by ConfigFromEnv.
const (
	EnvConnectionString = "DATABASE_CONNECTION_STRING"
	EnvTableName        = "DATABASE_TABLE_NAME"
)

// DefaultTableName is used when no table/collection name is configured.
const DefaultTableName = "graph_states"

// Config carries the settings shared by every backend driver.
type Config struct {
	// ConnectionString selects and configures the backend. Required.
	ConnectionString string

	// TableName is the table or container holding the state documents.
	// Empty means DefaultTableName.
	TableName string

	// Logger receives failure diagnostics from the swallow-and-log write
	// paths. Empty means the package-level default logger.
	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.TableName == "" {
		c.TableName = DefaultTableName
	}
	if c.Logger == nil {
		c.Logger = log.GetDefaultLogger()
	}
	return c
}

// ConfigFromEnv builds a Config from process-wide environment defaults.
// It performs no validation; New reports a missing connection string.
func ConfigFromEnv() Config {
	return Config{
		ConnectionString: os.Getenv(EnvConnectionString),
		TableName:        os.Getenv(EnvTableName),
	}
}
