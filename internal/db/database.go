package db

import (
	"fmt"

	"github.com/trustpoint-io/enrolld/internal/alogger"
	"github.com/trustpoint-io/enrolld/internal/common"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Store wraps the database connection holding the transaction ledger and
// the certificate records.
type Store struct {
	conn   *gorm.DB
	logger common.Logger
}

// Open creates a new Store and initializes the database connection
// (SQLite or PostgreSQL).
func Open(dbType string, dsn string, logger common.Logger) (*Store, error) {
	var conn *gorm.DB
	var err error

	cfg := &gorm.Config{
		Logger: alogger.NewGormLogger(logger),
	}

	switch dbType {
	case "postgres":
		conn, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		conn, err = gorm.Open(sqlite.Open(dsn+`?_journal_mode=WAL`), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbType, err)
	}

	store := &Store{conn: conn, logger: logger}

	if err := conn.AutoMigrate(modelTypes...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
