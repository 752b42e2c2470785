package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Schema lists the models a database owns and the named data migrations to run after AutoMigrate.
type Schema struct {
	Models     []any
	Migrations []Migration
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is limited to one connection so every statement is serialized by the driver.
func OpenSQLite(path string, log *zap.Logger, schema Schema) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, schema.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, log, schema.Migrations); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
