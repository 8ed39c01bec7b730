// Package testutil opens the throwaway Postgres database the repo tests run
// against. The tests are skipped unless TEST_POSTGRES_DSN is set; they
// exercise the real stage advancement routines, which no in-memory double
// can stand in for.
package testutil

import (
	"fmt"
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mapforge/geoflow/internal/db"
)

// Open connects to TEST_POSTGRES_DSN, migrates the schema, installs the
// routines, and registers a cleanup that truncates the tables.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres repo tests")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("connect to test postgres: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test schema: %v", err)
	}
	if err := db.InstallRoutines(gdb); err != nil {
		t.Fatalf("install routines: %v", err)
	}
	Truncate(t, gdb)
	t.Cleanup(func() { Truncate(t, gdb) })
	return gdb
}

// Truncate empties the orchestration tables between tests.
func Truncate(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	for _, table := range []string{"task", "job", "api_request", "janitor_run"} {
		if err := gdb.Exec(fmt.Sprintf(`DELETE FROM %q`, table)).Error; err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
