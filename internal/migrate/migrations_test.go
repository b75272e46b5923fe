package migrate

import (
	"context"
	"reflect"
	"testing"

	"veridraw/internal/db"
)

func TestStatements(t *testing.T) {
	got := statements("CREATE TABLE a (x INTEGER);\n\n  ;CREATE INDEX i ON a(x)\n")
	want := []string{"CREATE TABLE a (x INTEGER)", "CREATE INDEX i ON a(x)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("statements = %q", got)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(ms) < 4 {
		t.Fatalf("migrations = %d", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].Version <= ms[i-1].Version {
			t.Fatalf("migrations out of order: %s after %s", ms[i].Name, ms[i-1].Name)
		}
	}
}

func TestMigrateRecordsEachVersionOnce(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	_, pending, err := Status(ctx, conn)
	if err != nil {
		t.Fatalf("Status before: %v", err)
	}
	all, _ := loadMigrations()
	if len(pending) != len(all) {
		t.Fatalf("pending before = %v", pending)
	}

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn, db.SQLite); err != nil {
			t.Fatalf("Migrate run %d: %v", i+1, err)
		}
	}
	applied, pending, err := Status(ctx, conn)
	if err != nil {
		t.Fatalf("Status after: %v", err)
	}
	if len(pending) != 0 || len(applied) != len(all) {
		t.Fatalf("applied = %+v pending = %v", applied, pending)
	}
	if applied[0].Name != all[0].Name || applied[0].AppliedAt == "" {
		t.Fatalf("first applied = %+v", applied[0])
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n); err != nil {
		t.Fatalf("ledger table missing: %v", err)
	}
}
