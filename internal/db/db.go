package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/utils"
)

// SQLite pragmas applied on every new database
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
`

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSqlite, "":
		if c.Path == "" {
			return fmt.Errorf("db path required")
		}
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("db dsn required")
		}
	default:
		return fmt.Errorf("unsupported db driver %q", c.Driver)
	}
	return nil
}

// Open connects to the database described by the config.
func Open(cfg *Config) (*sqlx.DB, error) {
	if cfg.Driver == DriverPostgres {
		return NewPostgresDB(cfg.DSN,
			WithMaxOpenConns(cfg.MaxOpenConns),
			WithConnMaxLifetime(cfg.ConnMaxLifetime),
		)
	}
	return NewSqliteDB(
		WithPath(cfg.Path),
		WithMaxOpenConns(cfg.MaxOpenConns),
		WithConnMaxLifetime(cfg.ConnMaxLifetime),
	)
}

// config holds internal configuration for DB creation
type config struct {
	path            string
	pragmas         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// Option configures the DB pool
type Option func(*config)

// WithPath sets the path for the SQLite database
// Use ":memory:" for an in-memory database
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithPragmas replaces the default SQLite pragmas
func WithPragmas(pragmas string) Option {
	return func(c *config) {
		c.pragmas = pragmas
	}
}

// WithMaxOpenConns sets the maximum number of open connections
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithConnMaxLifetime sets the maximum lifetime of a connection
func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *config) {
		c.connMaxLifetime = d
	}
}

// NewSqliteDB creates a new sqlx.DB backed by SQLite
func NewSqliteDB(opts ...Option) (*sqlx.DB, error) {
	cfg := &config{
		path:         ":memory:",
		pragmas:      defaultPragma,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path != ":memory:" {
		path, err := utils.ResolvePath(cfg.path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		cfg.path = path
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	} else {
		// every pooled connection would otherwise see its own empty database
		cfg.maxOpenConns = 1
		dsn = ":memory:"
	}

	slog.Info("db", "driver", sqliteDriverID, "path", cfg.path)
	db, err := sqlx.Connect(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	applyPool(db, cfg)

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return db, nil
}

// NewPostgresDB creates a new sqlx.DB backed by postgres through pgx
func NewPostgresDB(dsn string, opts ...Option) (*sqlx.DB, error) {
	cfg := &config{maxIdleConns: 4}
	for _, opt := range opts {
		opt(cfg)
	}

	slog.Info("db", "driver", postgresDriverName)
	db, err := sqlx.Connect(postgresDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	applyPool(db, cfg)
	return db, nil
}

func applyPool(db *sqlx.DB, cfg *config) {
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	if cfg.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.connMaxLifetime)
	}
}

// Migrate executes schema statements one at a time.
func Migrate(db *sqlx.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
