package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry serves tenant metadata from PostgreSQL, for deployments
// where projects are provisioned by an external management plane.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, databaseURL string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRegistrySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRegistry{pool: pool}, nil
}

func initRegistrySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			overlay_path TEXT NOT NULL DEFAULT '',
			index_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'ready',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants (status);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init registry schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (r *PostgresRegistry) Resolve(ctx context.Context, id ID) (Metadata, error) {
	var m Metadata
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, overlay_path, index_path, status FROM tenants WHERE id=$1`,
		string(id),
	).Scan(&m.ID, &m.Name, &m.OverlayPath, &m.IndexPath, &m.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("resolve tenant %s: %w", id, err)
	}
	return m, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]Metadata, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, overlay_path, index_path, status FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.ID, &m.Name, &m.OverlayPath, &m.IndexPath, &m.Status); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant rows: %w", err)
	}
	return out, nil
}

func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}
