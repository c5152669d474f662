package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/vigil/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker is
// unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

// waitForPostgres pings until the container accepts connections.
func waitForPostgres(t *testing.T, dsn string) {
	t.Helper()
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresRegistryRoundTrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	rec := store.Record{
		Name:      "pg-agent",
		PID:       4321,
		Mode:      "standalone",
		StartedAt: time.Now().UTC().Truncate(time.Second),
		HotReload: true,
		State:     "running",
	}
	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := db.GetByName(ctx, "pg-agent")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.PID != 4321 || got.State != "running" || !got.HotReload {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Upsert by name replaces the row.
	rec.PID = 5678
	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert2: %v", err)
	}
	got2, err := db.GetByName(ctx, "pg-agent")
	if err != nil {
		t.Fatalf("get by name2: %v", err)
	}
	if got2.PID != 5678 {
		t.Fatalf("expected replaced pid, got %+v", got2)
	}

	if err := db.SetState(ctx, "pg-agent", "stopping"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got3, err := db.GetByName(ctx, "pg-agent")
	if err != nil {
		t.Fatalf("get by name3: %v", err)
	}
	if got3.State != "stopping" {
		t.Fatalf("expected stopping, got %q", got3.State)
	}
	if err := db.SetState(ctx, "absent", "stopped"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := db.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one row, got %d", len(all))
	}

	if err := db.Delete(ctx, "pg-agent"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetByName(ctx, "pg-agent"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
