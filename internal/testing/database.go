package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/fhirlake/db"
)

// CreateTestDB creates a migrated SQLite database in t.TempDir().
// A file-backed database is used so pooled connections share one schema.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "fhirlake-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
