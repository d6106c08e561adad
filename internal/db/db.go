package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/portal-connect/internal/db/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Options selects the gorm dialect and connection.
type Options struct {
	Dialect string
	DSN     string
	// Debug logs every statement.
	Debug bool
}

// Open connects without migrating.
func Open(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Dialect)) {
	case "", DialectSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = "portal.db"
		}
		dialector = sqlite.Open(dsn)
	case DialectPostgres, "postgresql":
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres dialect requires a DSN")
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", opts.Dialect)
	}

	level := logger.Warn
	if opts.Debug {
		level = logger.Info
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
}

// Migrate creates or updates every table the portal owns and makes sure a
// portal API key exists.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.OAuthToken{}, &models.Config{}, &models.ConnectionEvent{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if _, err := EnsureAPIKey(db); err != nil {
		return err
	}
	return nil
}

// InitDB opens the database and runs migrations.
func InitDB(opts Options) (*gorm.DB, error) {
	db, err := Open(opts)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
