//go:build integration

package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/bizrules/internal/db"
)

// setupPostgresStore starts a PostgreSQL container and returns a migrated store
func setupPostgresStore(t *testing.T) *SQLRuleStore {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rules_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/rules_test?sslmode=disable", host, port.Port())
	database, err := db.Open(dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.MigrateUp(database); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		t.Fatalf("Failed to load queries: %v", err)
	}
	return NewSQLRuleStore(queries)
}

// TestSQLRuleStorePostgres runs the shared store contract on PostgreSQL
func TestSQLRuleStorePostgres(t *testing.T) {
	testRuleStore(t, setupPostgresStore(t))
}

// TestMigrationsRoundTrip verifies the PostgreSQL schema can be rolled back and reapplied
func TestMigrationsRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	mg, err := db.NewMigrator(store.q.DB())
	if err != nil {
		t.Fatalf("NewMigrator() failed: %v", err)
	}

	version, dirty, err := mg.Version()
	if err != nil || version != 1 || dirty {
		t.Fatalf("Version() = %d, %v, %v", version, dirty, err)
	}
	if err := mg.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if version, _, _ := mg.Version(); version != 0 {
		t.Errorf("version after Down() = %d, want 0", version)
	}
	if err := mg.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := mg.Up(); err != nil {
		t.Errorf("second Up() should be a no-op, got %v", err)
	}
}

// TestSQLRuleStorePostgresKeyViolation verifies a duplicate that reaches the insert maps to ErrRuleExists
func TestSQLRuleStorePostgresKeyViolation(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	if err := store.Add(ctx, sampleRule("dup", 30, 0)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := store.insert(ctx, sampleRule("dup", 31, 0)); !errors.Is(err, ErrRuleExists) {
		t.Errorf("insert() of a taken id = %v, want ErrRuleExists", err)
	}
}
