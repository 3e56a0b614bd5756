package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger *slog.Logger
	// Driver is DriverSQLite or DriverPostgres.
	Driver string
	// Path is the SQLite database file. ":memory:" is accepted.
	Path string

	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// NewDB opens the configured database and creates the schema if needed.
func NewDB(cfg *DBConfig) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Second)
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// One connection: SQLite has a single writer and ":memory:" is per connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established", "driver", cfg.Driver)

	if err := EnsureSchema(db, cfg.Logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func dialectorFor(cfg *DBConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite path cannot be empty")
		}

		dsn := cfg.Path
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000"
		}

		cfg.Logger.Info("opening sqlite database", "path", cfg.Path)
		return sqlite.Open(dsn), nil

	case DriverPostgres:
		if cfg.Host == "" {
			return nil, errors.New("database host cannot be empty")
		}

		if cfg.Port <= 0 {
			return nil, errors.New("database port must be positive")
		}

		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}

		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

		cfg.Logger.Info("connecting to database",
			"host", cfg.Host,
			"port", cfg.Port,
			"dbname", cfg.DBName,
		)
		return postgres.Open(dsn), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// EnsureSchema creates the climate, clean-history and decision tables when
// they are missing. It is safe to call repeatedly.
func EnsureSchema(db *gorm.DB, logger *slog.Logger) error {
	logger.Debug("ensuring database schema")

	if err := db.AutoMigrate(
		&ClimateRecord{},
		&CleanClimateRecord{},
		&DecisionRecord{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
