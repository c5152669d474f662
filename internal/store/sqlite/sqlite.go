package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/vigil/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for
// in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_process(
			name TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			hot_reload BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_process_state ON agent_process(state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Upsert(ctx context.Context, rec store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_process(name, pid, mode, started_at, hot_reload, state, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			pid=excluded.pid,
			mode=excluded.mode,
			started_at=excluded.started_at,
			hot_reload=excluded.hot_reload,
			state=excluded.state,
			updated_at=excluded.updated_at;`,
		rec.Name, rec.PID, rec.Mode, rec.StartedAt.UTC(), rec.HotReload, rec.State, rec.UpdatedAt)
	return err
}

func (s *DB) SetState(ctx context.Context, name, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_process SET state=?, updated_at=? WHERE name=?;`,
		state, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) GetByName(ctx context.Context, name string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, pid, mode, started_at, hot_reload, state, updated_at
		FROM agent_process WHERE name=?;`, name)
	return scanRecord(row)
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, pid, mode, started_at, hot_reload, state, updated_at
		FROM agent_process ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.Name, &r.PID, &r.Mode, &r.StartedAt, &r.HotReload, &r.State, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_process WHERE name=?;`, name)
	return err
}

func scanRecord(row *sql.Row) (store.Record, error) {
	var r store.Record
	err := row.Scan(&r.Name, &r.PID, &r.Mode, &r.StartedAt, &r.HotReload, &r.State, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return r, nil
}
