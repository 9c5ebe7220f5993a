// Package pgxfake is a scriptable stand-in for a pgx pool in handler tests.
// Statements are routed to handlers by SQL substring; rows are scanned into
// destinations by reflection so tests can return plain Go values.
package pgxfake

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Result is what a routed statement returns.
type Result struct {
	Rows [][]any
	Err  error
	// Tag is the command tag for Exec, e.g. "DELETE 0". Defaults to "UPDATE 1".
	Tag string
}

// Handler computes a Result from the statement arguments.
type Handler func(args []any) Result

// Call records one statement issued against the fake.
type Call struct {
	SQL  string
	Args []any
}

type route struct {
	match string
	fn    Handler
}

// DB implements Query, QueryRow and Exec like *pgxpool.Pool.
type DB struct {
	mu     sync.Mutex
	routes []route
	calls  []Call
}

// New returns an empty fake. Unrouted QueryRow calls yield pgx.ErrNoRows,
// unrouted Query calls yield no rows and unrouted Exec calls succeed.
func New() *DB { return &DB{} }

func squash(s string) string { return strings.Join(strings.Fields(s), " ") }

// On routes statements containing match to fn. Routes are tried in the order
// they were added.
func (d *DB) On(match string, fn Handler) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{match: squash(match), fn: fn})
	return d
}

// Returns routes match to a fixed set of rows.
func (d *DB) Returns(match string, rows ...[]any) *DB {
	return d.On(match, func([]any) Result { return Result{Rows: rows} })
}

// Fails routes match to err.
func (d *DB) Fails(match string, err error) *DB {
	return d.On(match, func([]any) Result { return Result{Err: err} })
}

// Calls returns every recorded statement containing match.
func (d *DB) Calls(match string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	match = squash(match)
	var out []Call
	for _, c := range d.calls {
		if strings.Contains(c.SQL, match) {
			out = append(out, c)
		}
	}
	return out
}

// Called reports whether any statement containing match was issued.
func (d *DB) Called(match string) bool { return len(d.Calls(match)) > 0 }

func (d *DB) dispatch(sql string, args []any) (Result, bool) {
	d.mu.Lock()
	sql = squash(sql)
	d.calls = append(d.calls, Call{SQL: sql, Args: args})
	var fn Handler
	for _, r := range d.routes {
		if strings.Contains(sql, r.match) {
			fn = r.fn
			break
		}
	}
	d.mu.Unlock()
	if fn == nil {
		return Result{}, false
	}
	return fn(args), true
}

func (d *DB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	res, _ := d.dispatch(sql, args)
	if res.Err != nil {
		return nil, res.Err
	}
	return &Rows{data: res.Rows, idx: -1}, nil
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	res, ok := d.dispatch(sql, args)
	if !ok {
		return &Row{err: pgx.ErrNoRows}
	}
	if res.Err != nil {
		return &Row{err: res.Err}
	}
	if len(res.Rows) == 0 {
		return &Row{err: pgx.ErrNoRows}
	}
	return &Row{values: res.Rows[0]}
}

func (d *DB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	res, _ := d.dispatch(sql, args)
	if res.Err != nil {
		return pgconn.CommandTag{}, res.Err
	}
	tag := res.Tag
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

// Row implements pgx.Row.
type Row struct {
	values []any
	err    error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

// Rows implements pgx.Rows over an in-memory slice.
type Rows struct {
	data [][]any
	idx  int
	err  error
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data))) }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *Rows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.data) {
		return fmt.Errorf("pgxfake: scan outside of row")
	}
	return scanInto(r.data[r.idx], dest)
}

func (r *Rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.data) {
		return nil, fmt.Errorf("pgxfake: values outside of row")
	}
	return r.data[r.idx], nil
}

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("pgxfake: %d values for %d destinations", len(values), len(dest))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("pgxfake: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dst)
	}
	return set(dv.Elem(), src)
}

func set(dv reflect.Value, src any) error {
	if src == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dv.Type()) {
		dv.Set(sv)
		return nil
	}
	if sv.Kind() == reflect.Ptr {
		if sv.IsNil() {
			dv.Set(reflect.Zero(dv.Type()))
			return nil
		}
		return set(dv, sv.Elem().Interface())
	}
	if dv.Kind() == reflect.Ptr {
		nv := reflect.New(dv.Type().Elem())
		if err := set(nv.Elem(), src); err != nil {
			return err
		}
		dv.Set(nv)
		return nil
	}
	if dv.Kind() == reflect.String && sv.Kind() != reflect.String {
		return fmt.Errorf("cannot scan %T into %s", src, dv.Type())
	}
	if sv.Type().ConvertibleTo(dv.Type()) {
		dv.Set(sv.Convert(dv.Type()))
		return nil
	}
	return fmt.Errorf("cannot scan %T into %s", src, dv.Type())
}
