package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/tenantflow/config"
)

// NewMigratorFromConfig builds a migrator from the application config.
func NewMigratorFromConfig(cfg *appconfig.Config) (*SchemaMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig builds a migrator from the database
// section alone.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*SchemaMigrator, error) {
	dialect, err := ParseDialect(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database driver: %w", err)
	}

	var dbURL string
	switch dialect {
	case DialectPostgres:
		dbURL = BuildDatabaseURL(dialect, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	case DialectMySQL:
		dbURL = BuildDatabaseURL(dialect, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	case DialectSQLite:
		// Name carries the file path for sqlite.
		dbURL = BuildDatabaseURL(dialect, "", 0, dbCfg.Name, "", "", "")
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	return NewMigrator(&Config{
		Dialect:     dialect,
		DatabaseURL: dbURL,
	})
}

// NewMigratorFromURL builds a migrator from an explicit connection URL.
func NewMigratorFromURL(driver, dbURL string) (*SchemaMigrator, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		Dialect:     dialect,
		DatabaseURL: dbURL,
	})
}
