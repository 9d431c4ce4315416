// Package v2 owns the relational store backing persistent cache namespaces
// and the offline worker lifecycle state.
package v2

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dinoproject/dinocache/internal/datastore/v2/entities"
	"github.com/dinoproject/dinocache/internal/errors"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// Dialects.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// DefaultDatabaseFile is used when Config.Path is empty.
const DefaultDatabaseFile = "dinocache.db"

// Config selects and configures the database.
type Config struct {
	// DataDir holds the SQLite file when Path is not set.
	DataDir string
	// Path is the SQLite file path.
	Path string
	// MySQLDSN is a go-sql-driver DSN.
	MySQLDSN string
	// Debug logs every SQL statement.
	Debug bool
}

// Manager owns a gorm connection and its schema.
type Manager struct {
	db      *gorm.DB
	dialect string
	path    string
}

func gormConfig(debug bool) *gorm.Config {
	level := gorm_logger.Warn
	if debug {
		level = gorm_logger.Info
	}
	return &gorm.Config{Logger: gorm_logger.Default.LogMode(level)}
}

// NewSQLiteManager opens (creating if needed) the SQLite database.
func NewSQLiteManager(cfg Config) (*Manager, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join(cfg.DataDir, DefaultDatabaseFile)
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, storageError(err, DialectSQLite, "create_data_dir")
		}
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(cfg.Debug))
	if err != nil {
		return nil, storageError(err, DialectSQLite, "open")
	}

	// SQLite allows a single writer.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError(err, DialectSQLite, "pool")
	}
	sqlDB.SetMaxOpenConns(1)

	return &Manager{db: db, dialect: DialectSQLite, path: path}, nil
}

// NewMySQLManager connects to MySQL. parseTime is forced on because entries
// carry timestamps.
func NewMySQLManager(cfg Config) (*Manager, error) {
	dsnCfg, err := mysqldriver.ParseDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid mysql dsn: %w", err)).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	dsnCfg.ParseTime = true
	if dsnCfg.Loc == nil {
		dsnCfg.Loc = time.UTC
	}

	db, err := gorm.Open(mysql.Open(dsnCfg.FormatDSN()), gormConfig(cfg.Debug))
	if err != nil {
		return nil, storageError(err, DialectMySQL, "open")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError(err, DialectMySQL, "pool")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Manager{db: db, dialect: DialectMySQL, path: dsnCfg.Addr + "/" + dsnCfg.DBName}, nil
}

// Initialize creates or migrates the schema.
func (m *Manager) Initialize() error {
	err := m.db.AutoMigrate(
		&entities.CacheNamespace{},
		&entities.CacheEntry{},
		&entities.WorkerState{},
	)
	if err != nil {
		return storageError(err, m.dialect, "migrate")
	}
	return nil
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Dialect returns DialectSQLite or DialectMySQL.
func (m *Manager) Dialect() string {
	return m.dialect
}

// Location describes where the data lives, without credentials.
func (m *Manager) Location() string {
	return m.path
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storageError(err error, dialect, op string) error {
	return errors.New(fmt.Errorf("%s %s: %w", dialect, strings.ReplaceAll(op, "_", " "), err)).
		Component("datastore").
		Category(errors.CategoryStorage).
		Context("dialect", dialect).
		Context("operation", op).
		Build()
}
