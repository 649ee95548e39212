package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/agrisage/agrichat-backend/internal/domain"
)

// Pool sizing for the embedded database. SQLite serializes writes anyway,
// so a small pool is plenty.
const (
	dbMaxOpenConns = 10
	dbMaxIdleConns = 10
	dbConnIdleTime = 5 * time.Minute
	dbConnLifetime = 30 * time.Minute
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
}

// OpenSQLite opens (or creates) the database file, applies the PRAGMAs and
// pool settings the service runs with, and installs OTel query tracing.
func OpenSQLite(path string) (*gorm.DB, error) {
	// A missing parent directory surfaces as a cryptic sqlite error code,
	// so check it up front.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	for _, pragma := range sqlitePragmas {
		db.Exec(pragma)
	}

	// Query spans hang off the request spans started by otelgin.
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(dbMaxOpenConns)
		sqlDB.SetMaxIdleConns(dbMaxIdleConns)
		sqlDB.SetConnMaxIdleTime(dbConnIdleTime)
		sqlDB.SetConnMaxLifetime(dbConnLifetime)
	}

	return db, nil
}

// AutoMigrate applies schema migrations for every persisted model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.ChatSession{},
		&domain.ChatMessage{},
		&domain.Idempotency{},
	)
}
