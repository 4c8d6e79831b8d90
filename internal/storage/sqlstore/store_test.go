package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

var fixedNow = time.Date(2023, 2, 16, 9, 30, 0, 0, time.UTC)

func newTestStore(db *sql.DB) *Store {
	s := New(db)
	s.now = func() time.Time { return fixedNow }
	return s
}

func procedureRow(id int64, values string) []driver.Value {
	return []driver.Value{id, int64(220), int64(0), "Test", "OBSERVATION", int64(0), int64(0), values, fixedNow.UnixNano(), fixedNow.UnixNano()}
}

var procedureCols = []string{"id", "patient_id", "disease_id", "form_name", "procedure_type", "start_date", "deleted", "item_values", "created_at", "updated_at"}

func TestSaveProcedureInsert(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertProcedureSQL, mockResult{lastInsertID: 42, rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	p := onkostar.NewProcedure(220)
	p.FormName = "Test"
	p.Type = onkostar.ProcedureTypeObservation
	id, err := newTestStore(db).SaveProcedure(context.Background(), p, true)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if id != 42 || p.ID != 42 {
		t.Fatalf("expected id 42, got %d", id)
	}
	if !p.CreatedAt.Equal(fixedNow) || !p.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("timestamps not assigned: %+v", p)
	}
	args := drv.ops[0].args
	if len(args) != 9 || args[6] != `{}` {
		t.Fatalf("unexpected insert args: %v", args)
	}
}

func TestSaveProcedureUpdate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(updateProcedureSQL, mockResult{rowsAffected: 1}),
		execOp(updateProcedureSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	p := onkostar.NewProcedure(220)
	p.ID = 7
	if _, err := store.SaveProcedure(context.Background(), p, false); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := drv.ops[0].args[8]; got != int64(7) {
		t.Fatalf("expected id as last argument, got %v", got)
	}
	if _, err := store.SaveProcedure(context.Background(), p, false); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveProcedureValidation(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, nil)
	defer drv.assertConsumed(t)
	defer db.Close()

	if _, err := newTestStore(db).SaveProcedure(context.Background(), onkostar.NewProcedure(0), true); err == nil {
		t.Fatalf("expected validation error before touching the database")
	}
}

func TestGetProcedure(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectProcedureSQL, mockRowsData{
			columns: procedureCols,
			values:  [][]driver.Value{procedureRow(7, `{"datum":{"name":"datum","value":"2023-02-16T09:30:00Z"}}`)},
		}),
		queryOp(selectProcedureSQL, mockRowsData{columns: procedureCols}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	p, err := store.GetProcedure(context.Background(), 7)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	item, ok := p.Value("datum")
	if !ok {
		t.Fatalf("value not decoded: %+v", p)
	}
	if ts, ok := item.Time(); !ok || !ts.Equal(fixedNow) {
		t.Fatalf("unexpected datum %v", item.Value)
	}
	if p.Type != onkostar.ProcedureTypeObservation || !p.StartDate.IsZero() || p.Deleted {
		t.Fatalf("unexpected procedure: %+v", p)
	}

	if _, err := store.GetProcedure(context.Background(), 8); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListByPatient(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(listProceduresSQL, mockRowsData{
			columns: procedureCols,
			values:  [][]driver.Value{procedureRow(2, `{}`), procedureRow(1, `{}`)},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	list, err := newTestStore(db).ListByPatient(context.Background(), 220, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if got := drv.ops[0].args[1]; got != int64(storage.DefaultListLimit) {
		t.Fatalf("expected default limit, got %v", got)
	}
}

func TestDiseaseRoundTrip(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertDiseaseSQL, mockResult{lastInsertID: 3, rowsAffected: 1}),
		queryOp(selectDiseaseSQL, mockRowsData{
			columns: []string{"id", "patient_id", "icd10_code", "created_at"},
			values:  [][]driver.Value{{int64(3), int64(220), "C34.1", fixedNow.UnixNano()}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	id, err := store.SaveDisease(context.Background(), &onkostar.Disease{PatientID: 220, ICD10Code: "C34.1"})
	if err != nil || id != 3 {
		t.Fatalf("save disease: id=%d err=%v", id, err)
	}
	d, err := store.GetDisease(context.Background(), 3)
	if err != nil {
		t.Fatalf("get disease: %v", err)
	}
	if d.ICD10Code != "C34.1" || !d.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected disease: %+v", d)
	}
}

func TestStorageFailureIsWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertProcedureSQL, err: boom},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newTestStore(db).SaveProcedure(context.Background(), onkostar.NewProcedure(1), false)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0001_init.sql": {Data: []byte("-- first\nCREATE TABLE a (id INT);\nCREATE TABLE b (id INT);\n")},
		"0002_more.sql": {Data: []byte("CREATE TABLE c (id INT);")},
		"README.md":     {Data: []byte("ignored")},
	}
	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(`CREATE TABLE c (id INT)`, mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := newTestStore(db).Migrate(context.Background(), fsys); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if got := drv.ops[4].args[0]; got != "0002" {
		t.Fatalf("unexpected recorded version %v", got)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE TABLE a (id INT);")}}
	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		{typ: opExec, query: `CREATE TABLE a (id INT)`, err: errors.New("syntax error")},
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := newTestStore(db).Migrate(context.Background(), fsys)
	if err == nil || !strings.Contains(err.Error(), "0001_init.sql") {
		t.Fatalf("expected migration error, got %v", err)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
	args   []driver.Value
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-sqlstore-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation    { return mockOperation{typ: opBegin} }
func commitOp() mockOperation   { return mockOperation{typ: opCommit} }
func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string, args []driver.NamedValue) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	for _, arg := range args {
		op.args = append(op.args, arg.Value)
	}
	return op, op.err
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.driver.next(opBegin, "", nil); err != nil {
		return nil, err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	_, err := t.driver.next(opCommit, "", nil)
	return err
}

func (t *mockTx) Rollback() error {
	_, err := t.driver.next(opRollback, "", nil)
	return err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
