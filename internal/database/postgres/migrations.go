package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLock is the advisory lock key serializing migrations when several
// servers start against one database.
const migrationLock = 0x636c726c // "clrl"

// MigrationStatus lists migrations by state, in apply order.
type MigrationStatus struct {
	Applied []string `json:"applied"`
	Pending []string `json:"pending"`
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// migrationFiles returns the embedded migration names in apply order.
func migrationFiles(fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	for i, n := range names {
		names[i] = path.Base(n)
	}
	slices.Sort(names)
	return names, nil
}

// splitPending partitions files by whether they were applied.
func splitPending(files []string, applied map[string]bool) MigrationStatus {
	var st MigrationStatus
	for _, f := range files {
		if applied[f] {
			st.Applied = append(st.Applied, f)
		} else {
			st.Pending = append(st.Pending, f)
		}
	}
	return st
}

func appliedVersions(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, classify("query applied migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, classify("scan migration version", err)
		}
		applied[v] = true
	}
	return applied, classify("iterate applied migrations", rows.Err())
}

// Status reports applied and pending migrations, creating the bookkeeping
// table on a fresh database.
func (p *Pool) Status(ctx context.Context) (MigrationStatus, error) {
	if _, err := p.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return MigrationStatus{}, classify("create migrations table", err)
	}
	applied, err := appliedVersions(ctx, p.db)
	if err != nil {
		return MigrationStatus{}, err
	}
	files, err := migrationFiles(migrationsFS)
	if err != nil {
		return MigrationStatus{}, err
	}
	return splitPending(files, applied), nil
}

// Migrate applies pending migrations, each in its own transaction. The whole
// run holds an advisory lock, and the applied set is read under it, so
// concurrent servers apply every migration exactly once.
func (p *Pool) Migrate(ctx context.Context) error {
	st, err := p.Status(ctx)
	if err != nil {
		return err
	}
	if len(st.Pending) == 0 {
		return nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return classify("acquire migration connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLock); err != nil {
		return classify("acquire migration lock", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLock)
	}()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	files, err := migrationFiles(migrationsFS)
	if err != nil {
		return err
	}
	for _, file := range splitPending(files, applied).Pending {
		if err := p.apply(ctx, conn, file); err != nil {
			return err
		}
		p.logger.Info("applied migration", "version", file)
	}
	return nil
}

func (p *Pool) apply(ctx context.Context, conn *sql.Conn, file string) error {
	content, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return fmt.Errorf("migration %s is empty", file)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin migration "+file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return classify("execute migration "+file, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
		return classify("record migration "+file, err)
	}
	return classify("commit migration "+file, tx.Commit())
}
