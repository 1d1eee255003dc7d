package sqlite

import (
	"math"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Stmt is a prepared statement. It is active from Prepare until Finalize;
// every operation on a finalized statement fails with ErrFinalized, accessors
// without an error return yield zero values.
//
// Parameters are referenced either by 1-based position (int, int32 or int64)
// or by name including its prefix, e.g. ":id" or "$name".
type Stmt struct {
	conn   *Conn
	pstmt  uintptr // *sqlite3_stmt, zero once finalized
	params map[string]int32
}

// Finalized reports whether the statement was finalized.
func (s *Stmt) Finalized() bool { return s.pstmt == 0 }

// SQL returns the text the statement was compiled from.
func (s *Stmt) SQL() string {
	if s.pstmt == 0 {
		return ""
	}
	return libc.GoString(sqlite3.Xsqlite3_sql(s.conn.tls, s.pstmt))
}

// Step advances to the next row. It returns true if a row is available and
// false when the statement has completed.
func (s *Stmt) Step() (bool, error) {
	if s.pstmt == 0 {
		return false, ErrFinalized
	}
	switch rc := sqlite3.Xsqlite3_step(s.conn.tls, s.pstmt); rc {
	case sqlite3.SQLITE_ROW:
		return true, nil
	case sqlite3.SQLITE_DONE:
		return false, nil
	default:
		return false, s.conn.errstr(rc)
	}
}

// Reset rewinds the statement so it can be stepped again. Bound parameters are kept.
func (s *Stmt) Reset() error {
	if s.pstmt == 0 {
		return ErrFinalized
	}
	return s.conn.checkResult(sqlite3.Xsqlite3_reset(s.conn.tls, s.pstmt))
}

// ClearBindings sets all parameters to NULL.
func (s *Stmt) ClearBindings() error {
	if s.pstmt == 0 {
		return ErrFinalized
	}
	return s.conn.checkResult(sqlite3.Xsqlite3_clear_bindings(s.conn.tls, s.pstmt))
}

// Finalize releases the statement. The handle is released even when an error
// is returned; a second call returns ErrFinalized.
func (s *Stmt) Finalize() error {
	if s.pstmt == 0 {
		return ErrFinalized
	}
	rc := sqlite3.Xsqlite3_finalize(s.conn.tls, s.pstmt)
	s.pstmt = 0
	s.params = nil
	return s.conn.checkResult(rc)
}

// BindParameterCount returns the largest parameter index.
func (s *Stmt) BindParameterCount() int {
	if s.pstmt == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_bind_parameter_count(s.conn.tls, s.pstmt))
}

// paramIndex resolves a parameter reference to the engine's index. Names are
// looked up once and cached.
func (s *Stmt) paramIndex(ref any) (int32, error) {
	if s.pstmt == 0 {
		return 0, ErrFinalized
	}
	switch r := ref.(type) {
	case int:
		return position(int64(r))
	case int32:
		return position(int64(r))
	case int64:
		return position(r)
	case string:
		if idx, ok := s.params[r]; ok {
			return idx, nil
		}
		zName, err := libc.CString(r)
		if err != nil {
			return 0, err
		}
		defer libc.Xfree(s.conn.tls, zName)
		idx := sqlite3.Xsqlite3_bind_parameter_index(s.conn.tls, s.pstmt, zName)
		if idx == 0 {
			return 0, invalidArgf("unknown parameter %q", r)
		}
		if s.params == nil {
			s.params = make(map[string]int32)
		}
		s.params[r] = idx
		return idx, nil
	default:
		return 0, invalidArgf("unsupported parameter reference %v of type %T", ref, ref)
	}
}

// position checks a 1-based parameter position fits the engine's int.
func position(r int64) (int32, error) {
	if r < 1 || r > math.MaxInt32 {
		return 0, invalidArgf("parameter position %d out of range", r)
	}
	return int32(r), nil
}

// BindNull binds NULL.
func (s *Stmt) BindNull(ref any) error {
	idx, err := s.paramIndex(ref)
	if err != nil {
		return err
	}
	return s.conn.checkResult(sqlite3.Xsqlite3_bind_null(s.conn.tls, s.pstmt, idx))
}

// BindInt64 binds an integer.
func (s *Stmt) BindInt64(ref any, v int64) error {
	idx, err := s.paramIndex(ref)
	if err != nil {
		return err
	}
	return s.conn.checkResult(sqlite3.Xsqlite3_bind_int64(s.conn.tls, s.pstmt, idx, v))
}

// BindFloat binds a float.
func (s *Stmt) BindFloat(ref any, v float64) error {
	idx, err := s.paramIndex(ref)
	if err != nil {
		return err
	}
	return s.conn.checkResult(sqlite3.Xsqlite3_bind_double(s.conn.tls, s.pstmt, idx, v))
}

// BindText binds a string. The text is copied, the engine frees its copy.
func (s *Stmt) BindText(ref any, v string) error {
	idx, err := s.paramIndex(ref)
	if err != nil {
		return err
	}
	n, err := engineLen(len(v))
	if err != nil {
		return err
	}
	p := engineBytes(s.conn.tls, []byte(v), true)
	if p == 0 {
		return &Error{Code: CodeNoMem, Msg: "can't allocate bound text"}
	}
	// the destructor runs even if binding fails
	return s.conn.checkResult(sqlite3.Xsqlite3_bind_text(s.conn.tls, s.pstmt, idx, p, n, xFree))
}

// BindBlob binds bytes. The data is copied, the engine frees its copy. A nil
// slice binds NULL, an empty one binds a zero-length blob.
func (s *Stmt) BindBlob(ref any, v []byte) error {
	idx, err := s.paramIndex(ref)
	if err != nil {
		return err
	}
	switch {
	case v == nil:
		return s.conn.checkResult(sqlite3.Xsqlite3_bind_null(s.conn.tls, s.pstmt, idx))
	case len(v) == 0:
		return s.conn.checkResult(sqlite3.Xsqlite3_bind_zeroblob(s.conn.tls, s.pstmt, idx, 0))
	}
	n, err := engineLen(len(v))
	if err != nil {
		return err
	}
	p := engineBytes(s.conn.tls, v, false)
	if p == 0 {
		return &Error{Code: CodeNoMem, Msg: "can't allocate bound blob"}
	}
	return s.conn.checkResult(sqlite3.Xsqlite3_bind_blob(s.conn.tls, s.pstmt, idx, p, n, xFree))
}

// BindValue binds v using the typed bind matching its Go type. Supported are
// nil, integer types, float32/64, string and []byte.
func (s *Stmt) BindValue(ref any, v any) error {
	switch x := v.(type) {
	case nil:
		return s.BindNull(ref)
	case int:
		return s.BindInt64(ref, int64(x))
	case int8:
		return s.BindInt64(ref, int64(x))
	case int16:
		return s.BindInt64(ref, int64(x))
	case int32:
		return s.BindInt64(ref, int64(x))
	case int64:
		return s.BindInt64(ref, x)
	case uint8:
		return s.BindInt64(ref, int64(x))
	case uint16:
		return s.BindInt64(ref, int64(x))
	case uint32:
		return s.BindInt64(ref, int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return invalidArgf("value %d overflows int64", x)
		}
		return s.BindInt64(ref, int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return invalidArgf("value %d overflows int64", x)
		}
		return s.BindInt64(ref, int64(x))
	case float32:
		return s.BindFloat(ref, float64(x))
	case float64:
		return s.BindFloat(ref, x)
	case string:
		return s.BindText(ref, x)
	case []byte:
		return s.BindBlob(ref, x)
	default:
		return invalidArgf("unsupported value type %T", v)
	}
}

// BindValues binds every named parameter in values. There is no ordering
// between the binds.
func (s *Stmt) BindValues(values map[string]any) error {
	for name, v := range values {
		if err := s.BindValue(name, v); err != nil {
			return err
		}
	}
	return nil
}

// BindArgs binds args to positions 1..len(args).
func (s *Stmt) BindArgs(args ...any) error {
	for i, v := range args {
		if err := s.BindValue(i+1, v); err != nil {
			return err
		}
	}
	return nil
}

// ColumnCount returns the number of columns in the result set.
func (s *Stmt) ColumnCount() int {
	if s.pstmt == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_column_count(s.conn.tls, s.pstmt))
}

// DataCount returns the number of columns in the current row, 0 if there is none.
func (s *Stmt) DataCount() int {
	if s.pstmt == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_data_count(s.conn.tls, s.pstmt))
}

// ColumnName returns the name of column i, empty for a finalized statement.
func (s *Stmt) ColumnName(i int) string {
	col, ok := engineIndex(i)
	if s.pstmt == 0 || !ok {
		return ""
	}
	return libc.GoString(sqlite3.Xsqlite3_column_name(s.conn.tls, s.pstmt, col))
}

// ColumnNames returns the names of all result columns.
func (s *Stmt) ColumnNames() []string {
	names := make([]string, s.ColumnCount())
	for i := range names {
		names[i] = s.ColumnName(i)
	}
	return names
}

// Column returns a view of column i of the current row. A finalized statement,
// or an index the engine can't address, reads as NULL; use ColumnErr to tell
// those apart from a NULL column.
func (s *Stmt) Column(i int) Value {
	v, _ := s.ColumnErr(i)
	return v
}

// ColumnErr is Column reporting ErrFinalized for a finalized statement and
// ErrInvalidArgument for an index outside the engine's range.
func (s *Stmt) ColumnErr(i int) (Value, error) {
	if s.pstmt == 0 {
		return Value{}, ErrFinalized
	}
	col, ok := engineIndex(i)
	if !ok {
		return Value{}, invalidArgf("column index %d out of range", i)
	}
	return columnValue(s.conn.tls, s.pstmt, col), nil
}

// Accessors below have no error return: after Finalize they yield NULL-shaped
// zero values, same as Column.

// Type returns the storage class of column i in the current row.
func (s *Stmt) Type(i int) Datatype { return s.Column(i).Type() }

// IsNull reports whether column i is NULL.
func (s *Stmt) IsNull(i int) bool { return s.Column(i).IsNull() }

// Int64 returns column i as an integer, ok is false if it is NULL.
func (s *Stmt) Int64(i int) (int64, bool) { return s.Column(i).Int64() }

// Float returns column i as a float, ok is false if it is NULL.
func (s *Stmt) Float(i int) (float64, bool) { return s.Column(i).Float() }

// Text returns column i as text, ok is false if it is NULL.
func (s *Stmt) Text(i int) (string, bool) { return s.Column(i).Text() }

// Blob returns column i as bytes, ok is false if it is NULL.
func (s *Stmt) Blob(i int) ([]byte, bool) { return s.Column(i).Blob() }

// Value returns column i as nil, int64, float64, string or []byte, following
// its storage class.
func (s *Stmt) Value(i int) any { return s.Column(i).Interface() }

// Values returns all columns of the current row.
func (s *Stmt) Values() []any {
	res := make([]any, s.DataCount())
	for i := range res {
		res[i] = s.Value(i)
	}
	return res
}

// ValuesMap returns the current row keyed by column name. Duplicate names keep
// the rightmost column.
func (s *Stmt) ValuesMap() map[string]any {
	n := s.DataCount()
	res := make(map[string]any, n)
	for i := 0; i < n; i++ {
		res[s.ColumnName(i)] = s.Value(i)
	}
	return res
}
