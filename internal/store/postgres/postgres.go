package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/vigil/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_process(
			name TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			hot_reload BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_process_state ON agent_process(state);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Upsert(ctx context.Context, rec store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_process(name, pid, mode, started_at, hot_reload, state, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(name) DO UPDATE SET
			pid=EXCLUDED.pid,
			mode=EXCLUDED.mode,
			started_at=EXCLUDED.started_at,
			hot_reload=EXCLUDED.hot_reload,
			state=EXCLUDED.state,
			updated_at=EXCLUDED.updated_at;`,
		rec.Name, rec.PID, rec.Mode, rec.StartedAt.UTC(), rec.HotReload, rec.State, rec.UpdatedAt)
	return err
}

func (p *DB) SetState(ctx context.Context, name, state string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agent_process SET state=$1, updated_at=$2 WHERE name=$3;`,
		state, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *DB) GetByName(ctx context.Context, name string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT name, pid, mode, started_at, hot_reload, state, updated_at
		FROM agent_process WHERE name=$1;`, name)
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

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func (p *DB) Delete(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM agent_process WHERE name=$1;`, name)
	return err
}
