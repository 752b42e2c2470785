// Package storetest opens throwaway local stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/medstock/internal/database"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open creates a store backed by a SQLite file in a temporary directory.
func Open(testContext testing.TB) (*store.Store, *gorm.DB) {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "local.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop(), store.Schema())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() {
		_ = database.Close(db)
	})
	localStore, err := store.New(store.Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return localStore, db
}
