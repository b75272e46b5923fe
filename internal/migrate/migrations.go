package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"veridraw/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// lockKey is the pg_advisory_xact_lock key taken while migrating so two
// servers starting against one database apply each file once.
const lockKey = 0x76657269

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Applied is one row of schema_migrations.
type Applied struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	var out []Migration
	for _, f := range entries {
		if f.IsDir() || path.Ext(f.Name()) != ".sql" {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: filename must start with a positive version", f.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, f.Name(), v)
		}
		seen[v] = f.Name()
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// statements splits a migration file on semicolons; migrations never embed
// semicolons in literals.
func statements(src string) []string {
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ensureTable(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}) ([]Applied, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Migrate applies every embedded migration not yet recorded, all in one
// transaction.
func Migrate(ctx context.Context, conn *sql.DB, dialect db.Dialect) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if dialect == db.Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
	}
	if err := ensureTable(ctx, tx); err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, tx)
	if err != nil {
		return err
	}
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		for _, stmt := range statements(m.UpSQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.Rebind(dialect, `INSERT INTO schema_migrations(version, name, applied_at) VALUES (?,?,?)`),
			m.Version, m.Name, now); err != nil {
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
	}
	return tx.Commit()
}

// Status reports applied migrations and the embedded ones still pending.
func Status(ctx context.Context, conn *sql.DB) (applied []Applied, pending []string, err error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, err
	}
	if err := ensureTable(ctx, conn); err != nil {
		return nil, nil, err
	}
	applied, err = appliedVersions(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m.Name)
		}
	}
	return applied, pending, nil
}
