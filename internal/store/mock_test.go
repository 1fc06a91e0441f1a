package store

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryExpectation struct {
	expect *regexp.Regexp
	args   []any
	// value is a single column, or []any for a whole row.
	value any
	err   error
}

type rowsExpectation struct {
	expect *regexp.Regexp
	args   []any
	rows   [][]any
	err    error
}

type execExpectation struct {
	expect *regexp.Regexp
	args   []any
	tag    string
	err    error
}

func (e execExpectation) commandTag() pgconn.CommandTag {
	if e.tag == "" {
		return pgconn.NewCommandTag("MOCK")
	}
	return pgconn.NewCommandTag(e.tag)
}

type mockPool struct {
	t       *testing.T
	queries []queryExpectation
	rows    []rowsExpectation
	execs   []execExpectation
	txs     []*mockTx
	txIdx   int
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.t.Helper()
	if len(m.queries) == 0 {
		m.t.Fatalf("unexpected query: %s", sql)
	}
	exp := m.queries[0]
	m.queries = m.queries[1:]
	if !exp.expect.MatchString(sql) {
		m.t.Fatalf("query mismatch: %s", sql)
	}
	assertArgs(m.t, exp.args, args)
	return mockRow{value: exp.value, err: exp.err}
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.t.Helper()
	if len(m.rows) == 0 {
		m.t.Fatalf("unexpected query: %s", sql)
	}
	exp := m.rows[0]
	m.rows = m.rows[1:]
	if !exp.expect.MatchString(sql) {
		m.t.Fatalf("query mismatch: %s", sql)
	}
	assertArgs(m.t, exp.args, args)
	if exp.err != nil {
		return nil, exp.err
	}
	return &mockRows{rows: exp.rows, idx: -1}, nil
}

func (m *mockPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	m.t.Helper()
	if len(m.execs) == 0 {
		m.t.Fatalf("unexpected exec: %s", sql)
	}
	exp := m.execs[0]
	m.execs = m.execs[1:]
	if !exp.expect.MatchString(sql) {
		m.t.Fatalf("exec mismatch: %s", sql)
	}
	assertArgs(m.t, exp.args, arguments)
	return exp.commandTag(), exp.err
}

func (m *mockPool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if m.txIdx >= len(m.txs) {
		m.t.Fatalf("unexpected begin tx (no more transactions)")
	}
	tx := m.txs[m.txIdx]
	m.txIdx++
	tx.started = true
	return tx, nil
}

func (m *mockPool) Ping(ctx context.Context) error { return nil }

func (m *mockPool) assertDone() {
	m.t.Helper()
	if len(m.queries) != 0 {
		m.t.Fatalf("pending queries: %v", m.queries)
	}
	if len(m.rows) != 0 {
		m.t.Fatalf("pending row queries: %v", m.rows)
	}
	if len(m.execs) != 0 {
		m.t.Fatalf("pending execs: %v", m.execs)
	}
	if m.txIdx != len(m.txs) {
		m.t.Fatalf("expected %d transactions, got %d", len(m.txs), m.txIdx)
	}
}

type mockRow struct {
	value any
	err   error
}

func (m mockRow) Scan(dest ...any) error {
	if m.err != nil {
		return m.err
	}
	values, ok := m.value.([]any)
	if !ok {
		values = []any{m.value}
	}
	return assign(dest, values)
}

// assign copies values into scan destinations, allocating for pointer
// destinations such as **time.Time.
func assign(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("unexpected dest count: %d (have %d values)", len(dest), len(values))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer {
			return fmt.Errorf("destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		val := reflect.ValueOf(v)
		switch {
		case val.Type().AssignableTo(elem.Type()):
			elem.Set(val)
		case elem.Kind() == reflect.Pointer && val.Type().AssignableTo(elem.Type().Elem()):
			p := reflect.New(elem.Type().Elem())
			p.Elem().Set(val)
			elem.Set(p)
		default:
			return fmt.Errorf("cannot assign %T to %s at %d", v, elem.Type(), i)
		}
	}
	return nil
}

type mockRows struct {
	rows [][]any
	idx  int
}

func (m *mockRows) Close()                                       {}
func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

func (m *mockRows) Next() bool {
	m.idx++
	return m.idx < len(m.rows)
}

func (m *mockRows) Scan(dest ...any) error {
	return assign(dest, m.rows[m.idx])
}

func (m *mockRows) Values() ([]any, error) {
	return m.rows[m.idx], nil
}

type mockTx struct {
	execs     []execExpectation
	queries   []queryExpectation
	started   bool
	committed bool
	rolled    bool
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, fmt.Errorf("unexpected nested begin")
}

func (m *mockTx) Commit(ctx context.Context) error {
	m.committed = true
	return nil
}

// Rollback after Commit is a no-op, matching pgx.
func (m *mockTx) Rollback(ctx context.Context) error {
	if !m.committed {
		m.rolled = true
	}
	return nil
}

func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("unexpected CopyFrom")
}

func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return emptyBatchResults{}
}

func (m *mockTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("unexpected Prepare")
}

func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if len(m.execs) == 0 {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected tx exec: %s", sql)
	}
	exp := m.execs[0]
	m.execs = m.execs[1:]
	if !exp.expect.MatchString(sql) {
		return pgconn.CommandTag{}, fmt.Errorf("exec mismatch: %s", sql)
	}
	if err := assertArgs(nil, exp.args, arguments); err != nil {
		return pgconn.CommandTag{}, err
	}
	return exp.commandTag(), exp.err
}

func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query")
}

func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if len(m.queries) == 0 {
		return mockRow{err: fmt.Errorf("unexpected queryrow: %s", sql)}
	}
	exp := m.queries[0]
	m.queries = m.queries[1:]
	if !exp.expect.MatchString(sql) {
		return mockRow{err: fmt.Errorf("queryrow mismatch: %s", sql)}
	}
	if err := assertArgs(nil, exp.args, args); err != nil {
		return mockRow{err: err}
	}
	return mockRow{value: exp.value, err: exp.err}
}

func (m *mockTx) Conn() *pgx.Conn { return nil }

func (m *mockTx) assertDone(t *testing.T) {
	t.Helper()
	if len(m.execs) != 0 {
		t.Fatalf("pending tx execs: %v", m.execs)
	}
	if len(m.queries) != 0 {
		t.Fatalf("pending tx queries: %v", m.queries)
	}
	if !m.committed && !m.rolled {
		t.Fatalf("transaction not finished")
	}
}

func assertArgs(t *testing.T, expected, actual []any) error {
	if len(expected) == 0 {
		return nil
	}
	if len(expected) != len(actual) {
		if t != nil {
			t.Fatalf("argument length mismatch: expected %d got %d", len(expected), len(actual))
		}
		return fmt.Errorf("argument length mismatch")
	}
	for i, exp := range expected {
		if exp == nil {
			continue
		}
		if !reflect.DeepEqual(exp, actual[i]) {
			if t != nil {
				t.Fatalf("argument mismatch at %d: expected %v got %v", i, exp, actual[i])
			}
			return fmt.Errorf("argument mismatch at %d", i)
		}
	}
	return nil
}

type emptyBatchResults struct{}

func (emptyBatchResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("unexpected batch exec")
}
func (emptyBatchResults) Query() (pgx.Rows, error) { return nil, fmt.Errorf("unexpected batch query") }
func (emptyBatchResults) QueryRow() pgx.Row {
	return mockRow{err: fmt.Errorf("unexpected batch queryrow")}
}
func (emptyBatchResults) Close() error { return nil }
