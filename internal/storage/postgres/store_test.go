package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	queries []string
	args    [][]any
	tag     string
	row     fakeRow
}

func (f *fakeDB) record(sql string, args []any) {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.record(sql, args)
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.record(sql, args)
	return f.row
}

func newFakeStore(db *fakeDB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Unix(1676540000, 0) }}
}

func TestSaveProcedureInsertUsesReturning(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = 11
		return nil
	}}}
	p := onkostar.NewProcedure(220)
	p.SetValue("datum", onkostar.NewItem("datum", "2023-02-16"))

	id, err := newFakeStore(db).SaveProcedure(context.Background(), p, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != 11 || p.ID != 11 {
		t.Fatalf("unexpected id %d", id)
	}
	if !strings.Contains(db.queries[0], "RETURNING id") {
		t.Fatalf("unexpected query %q", db.queries[0])
	}
	if raw, ok := db.args[0][6].([]byte); !ok || !strings.Contains(string(raw), "datum") {
		t.Fatalf("values not passed as json: %v", db.args[0][6])
	}
}

func TestSaveProcedureUpdateMissing(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 0"}
	p := onkostar.NewProcedure(1)
	p.ID = 5
	if _, err := newFakeStore(db).SaveProcedure(context.Background(), p, false); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	db.tag = "UPDATE 1"
	if _, err := newFakeStore(db).SaveProcedure(context.Background(), p, false); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestGetProcedureNoRows(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}
	if _, err := newFakeStore(db).GetProcedure(context.Background(), 1); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := newFakeStore(db).GetDisease(context.Background(), 1); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(Config{DSN: "postgres://onkostar:secret@db:5432/onkostar?sslmode=disable", MaxConns: 8})
	if err != nil {
		t.Fatalf("pool config: %v", err)
	}
	if cfg.MaxConns != 8 || cfg.ConnConfig.Database != "onkostar" {
		t.Fatalf("unexpected config: max=%d db=%s", cfg.MaxConns, cfg.ConnConfig.Database)
	}
	if _, err := poolConfig(Config{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestIntegration(t *testing.T) {
	dsn := os.Getenv("ANALYZERD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANALYZERD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	p := onkostar.NewProcedure(220)
	p.FormName = "Test"
	p.Type = onkostar.ProcedureTypeObservation
	id, err := store.SaveProcedure(ctx, p, true)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetProcedure(ctx, id)
	if err != nil || got.FormName != "Test" {
		t.Fatalf("get: %+v %v", got, err)
	}
}
