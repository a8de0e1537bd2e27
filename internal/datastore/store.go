// Package datastore persists validation requests, validated stock and
// runtime camera configuration with gorm on SQLite or MySQL.
package datastore

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Store is the gorm-backed store. It implements validation.Store,
// validation.AlertRecorder, validation.StockLoader and camera.CameraStore.
type Store struct {
	db      *gorm.DB
	dialect string
	metrics *metrics.DatastoreMetrics
	log     logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches datastore metrics.
func WithMetrics(m *metrics.DatastoreMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the store logger. SQL statements are logged through it.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// GetLogger returns the datastore package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}

// Open opens the database selected by settings and migrates the schema.
func Open(settings conf.DatastoreSettings, opts ...Option) (*Store, error) {
	switch settings.Type {
	case "", DialectSQLite:
		return OpenSQLite(settings.SQLite.Path, settings.SlowThreshold, opts...)
	case DialectMySQL:
		return OpenMySQL(MySQLDSN(settings.MySQL), settings.SlowThreshold, opts...)
	default:
		return nil, validationError("unsupported datastore type", "type", settings.Type)
	}
}

// OpenSQLite opens or creates the SQLite database at path.
func OpenSQLite(path string, slowThreshold time.Duration, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, validationError("sqlite path is required", "path", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dbError(err, "create_directory", errors.PriorityHigh, "path", dir)
		}
	}
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	s, err := open(sqlite.Open(dsn), DialectSQLite, slowThreshold, opts...)
	if err != nil {
		return nil, err
	}
	// a single connection avoids SQLITE_BUSY between writers
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, dbError(err, "get_sql_db", errors.PriorityHigh)
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

// OpenMySQL opens a MySQL database from a go-sql-driver DSN.
func OpenMySQL(dsn string, slowThreshold time.Duration, opts ...Option) (*Store, error) {
	s, err := open(mysql.Open(dsn), DialectMySQL, slowThreshold, opts...)
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, dbError(err, "get_sql_db", errors.PriorityHigh)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return s, nil
}

// MySQLDSN builds a DSN from settings. Times are stored in UTC.
func MySQLDSN(s conf.MySQLSettings) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		s.Username, s.Password, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), s.Database)
}

func open(dialector gorm.Dialector, dialect string, slowThreshold time.Duration, opts ...Option) (*Store, error) {
	s := &Store{dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log, "datastore").With(logger.String("db_type", dialect))

	start := time.Now()
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.NewGormLoggerAdapter(s.log, slowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		s.log.Error("failed to open database", logger.Error(err))
		return nil, dbError(err, "open", errors.PriorityCritical, "db_type", dialect)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.log.Info("database opened", logger.Duration("duration", time.Since(start)))
	return s, nil
}

func (s *Store) migrate() error {
	start := time.Now()
	err := s.db.AutoMigrate(&ValidationRecord{}, &StockRecord{}, &CameraRecord{})
	s.observe("migrate", start, err)
	if err != nil {
		return dbError(err, "auto_migrate", errors.PriorityCritical, "db_type", s.dialect)
	}
	s.log.Debug("database migration completed", logger.Duration("duration", time.Since(start)))
	return nil
}

// Dialect returns "sqlite" or "mysql".
func (s *Store) Dialect() string {
	return s.dialect
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close", errors.PriorityLow)
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", errors.PriorityLow)
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.RecordOperation(op, time.Since(start), err)
}
