package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	billing "github.com/goliatone/go-billing"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_PairsVersionsAcrossDialects(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	dialects := map[string][]string{}
	for _, spec := range filesystems {
		dialects[spec.Dialect] = spec.Versions
	}
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		versions := dialects[dialect]
		if len(versions) == 0 || versions[0] != "00001_billing_core" {
			t.Fatalf("expected %s to ship 00001_billing_core, got %v", dialect, versions)
		}
	}
}

func TestFilesystems_RejectsUnpairedOrDivergentSchemas(t *testing.T) {
	missingDown := fstest.MapFS{
		"00001_core.up.sql":        {Data: []byte("CREATE TABLE a (id TEXT);")},
		"00001_core.down.sql":      {Data: []byte("DROP TABLE a;")},
		"sqlite/00001_core.up.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
	}
	if _, err := Filesystems(missingDown); err == nil || !strings.Contains(err.Error(), "no down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}

	divergent := fstest.MapFS{
		"00001_core.up.sql":          {Data: []byte("CREATE TABLE a (id TEXT);")},
		"00001_core.down.sql":        {Data: []byte("DROP TABLE a;")},
		"00002_more.up.sql":          {Data: []byte("CREATE TABLE b (id TEXT);")},
		"00002_more.down.sql":        {Data: []byte("DROP TABLE b;")},
		"sqlite/00001_core.up.sql":   {Data: []byte("CREATE TABLE a (id TEXT);")},
		"sqlite/00001_core.down.sql": {Data: []byte("DROP TABLE a;")},
	}
	if _, err := Filesystems(divergent); err == nil || !strings.Contains(err.Error(), "differ") {
		t.Fatalf("expected divergent versions error, got %v", err)
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect+"@"+label)
		return nil
	}, WithValidationTargets("sqlite3"), WithDialectSourceLabel("billing-tests"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != "sqlite@billing-tests" {
		t.Fatalf("expected one sqlite registration, got %v", calls)
	}
	if reg.SourceLabel != "billing-tests" {
		t.Fatalf("expected custom source label, got %q", reg.SourceLabel)
	}

	if _, err := Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		return nil
	}, WithValidationTargets("mysql")); err == nil {
		t.Fatalf("expected unmatched target to fail")
	}
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected nil register func to fail")
	}
}

func TestDialectForDriver(t *testing.T) {
	cases := map[string]string{
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
		"sqlite3":  DialectSQLite,
		" SQLite ": DialectSQLite,
		"mysql":    "mysql",
	}
	for driver, want := range cases {
		if got := DialectForDriver(driver); got != want {
			t.Fatalf("%q: expected %q, got %q", driver, want, got)
		}
	}
}

func TestBillingCoreMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := billing.GetCoreMigrationsFS()
	paths := []string{
		"data/sql/migrations/00001_billing_core.up.sql",
		"data/sql/migrations/00001_billing_core.down.sql",
		"data/sql/migrations/sqlite/00001_billing_core.up.sql",
		"data/sql/migrations/sqlite/00001_billing_core.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteBillingCoreMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-billing-core?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := billing.GetCoreMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	ctx := context.Background()
	if err := execSQLMigration(ctx, db, sqliteMigrations, "00001_billing_core.up.sql"); err != nil {
		t.Fatalf("apply billing core up: %v", err)
	}

	requiredTables := []string{
		"billing_accounts",
		"billing_subscriptions",
		"billing_orders",
		"billing_transactions",
		"billing_order_timers",
		"billing_queue_messages",
	}
	for _, tableName := range requiredTables {
		var count int
		if err := db.QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			tableName,
		).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", tableName, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist after up migration", tableName)
		}
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO billing_subscriptions (id, account_id, beneficiary_address, status) VALUES (?, ?, ?, ?)`,
		"0xperm", "acct_1", "0xbeneficiary", "active",
	); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	insertOrder := `INSERT INTO billing_orders (id, subscription_id, order_number, type, due_at, status) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insertOrder, "ord_1", "0xperm", 1, "initial", "2025-01-01 00:00:00", "pending"); err != nil {
		t.Fatalf("insert first order: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertOrder, "ord_2", "0xperm", 2, "recurring", "2025-02-01 00:00:00", "pending"); err == nil {
		t.Fatalf("expected a second active order to violate the active order index")
	}
	if _, err := db.ExecContext(ctx, `UPDATE billing_orders SET status = 'paid' WHERE id = 'ord_1'`); err != nil {
		t.Fatalf("settle first order: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertOrder, "ord_2", "0xperm", 2, "recurring", "2025-02-01 00:00:00", "pending"); err != nil {
		t.Fatalf("expected next order once the first settled: %v", err)
	}

	if err := execSQLMigration(ctx, db, sqliteMigrations, "00001_billing_core.down.sql"); err != nil {
		t.Fatalf("apply billing core down: %v", err)
	}
	var count int
	if err := db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'billing_%'`,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after down migration: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected billing tables to be dropped, found %d", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
