package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tradeescrow/migrations"
)

type fakeConn struct {
	recorded map[string]bool
	executed []string
	failOn   string
	txs      []*fakeTx
}

func newFakeConn() *fakeConn {
	return &fakeConn{recorded: make(map[string]bool)}
}

func (f *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{conn: f}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.executed = append(f.executed, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

type fakeTx struct {
	conn      *fakeConn
	pending   string
	executed  []string
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	if f.pending != "" {
		f.conn.recorded[f.pending] = true
	}
	f.conn.executed = append(f.conn.executed, f.executed...)
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
		name := args[0].(string)
		if f.conn.recorded[name] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.pending = name
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	if f.conn.failOn != "" && strings.Contains(sql, f.conn.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	f.executed = append(f.executed, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

func TestMigrate_AppliesInOrderOnce(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_second.sql": {Data: []byte("CREATE TABLE second (id INT)")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE first (id INT)")},
		"README.md":       {Data: []byte("not sql")},
	}
	conn := newFakeConn()

	applied, err := Migrate(context.Background(), conn, fsys)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "0001_first.sql" || applied[1] != "0002_second.sql" {
		t.Fatalf("unexpected applied order: %v", applied)
	}
	for _, tx := range conn.txs {
		if !tx.committed {
			t.Fatal("expected every migration transaction to commit")
		}
	}

	again, err := Migrate(context.Background(), conn, fsys)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no migrations on rerun, got %v", again)
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_ok.sql":  {Data: []byte("CREATE TABLE ok (id INT)")},
		"0002_bad.sql": {Data: []byte("CREATE TABLE broken (")},
		"0003_ok.sql":  {Data: []byte("CREATE TABLE later (id INT)")},
	}
	conn := newFakeConn()
	conn.failOn = "broken"

	applied, err := Migrate(context.Background(), conn, fsys)
	if err == nil || !strings.Contains(err.Error(), "0002_bad.sql") {
		t.Fatalf("expected failure naming 0002_bad.sql, got %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001_ok.sql" {
		t.Fatalf("unexpected applied: %v", applied)
	}
	if last := conn.txs[len(conn.txs)-1]; !last.rolled || last.committed {
		t.Fatal("expected failed migration to roll back")
	}
	if conn.recorded["0002_bad.sql"] {
		t.Fatal("failed migration must not be recorded")
	}
}

func TestMigrate_EmbeddedSchema(t *testing.T) {
	conn := newFakeConn()

	applied, err := Migrate(context.Background(), conn, migrations.FS)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 || applied[0] != "0001_escrow.sql" {
		t.Fatalf("expected embedded escrow schema, got %v", applied)
	}
	joined := strings.Join(conn.executed, "\n")
	for _, table := range []string{"contracts", "milestones", "disputes", "idempotency", "contract_events"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema missing table %s", table)
		}
	}
}
