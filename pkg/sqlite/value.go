package sqlite

import (
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Datatype is the storage class of a single value.
type Datatype int32

// storage classes, same numbering as the engine
const (
	Integer Datatype = sqlite3.SQLITE_INTEGER
	Float   Datatype = sqlite3.SQLITE_FLOAT
	Text    Datatype = sqlite3.SQLITE_TEXT
	Blob    Datatype = sqlite3.SQLITE_BLOB
	Null    Datatype = sqlite3.SQLITE_NULL
)

func (t Datatype) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Float:
		return "FLOAT"
	case Text:
		return "TEXT"
	case Blob:
		return "BLOB"
	case Null:
		return "NULL"
	default:
		return "UNKNOWN"
	}
}

// Value is a read-only view of one cell, either a result column of the current
// row or an argument of a function call. It is only valid until the statement
// steps again, or until the function callback returns. Keeping a Value past
// that point reads freed engine memory.
type Value struct {
	tls  *libc.TLS
	stmt uintptr // result column source
	col  int32
	val  uintptr // sqlite3_value* of a function argument
}

func columnValue(tls *libc.TLS, pstmt uintptr, col int32) Value {
	return Value{tls: tls, stmt: pstmt, col: col}
}

func argValue(tls *libc.TLS, p uintptr) Value {
	return Value{tls: tls, val: p}
}

// Type returns the declared storage class without converting the value.
func (v Value) Type() Datatype {
	switch {
	case v.val != 0:
		return Datatype(sqlite3.Xsqlite3_value_type(v.tls, v.val))
	case v.stmt != 0:
		return Datatype(sqlite3.Xsqlite3_column_type(v.tls, v.stmt, v.col))
	default:
		return Null
	}
}

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Type() == Null }

// Int64 returns the value converted to an integer. ok is false when the value is NULL.
func (v Value) Int64() (res int64, ok bool) {
	if v.IsNull() {
		return 0, false
	}
	if v.val != 0 {
		return sqlite3.Xsqlite3_value_int64(v.tls, v.val), true
	}
	return sqlite3.Xsqlite3_column_int64(v.tls, v.stmt, v.col), true
}

// Float returns the value converted to a float. ok is false when the value is NULL.
func (v Value) Float() (res float64, ok bool) {
	if v.IsNull() {
		return 0, false
	}
	if v.val != 0 {
		return sqlite3.Xsqlite3_value_double(v.tls, v.val), true
	}
	return sqlite3.Xsqlite3_column_double(v.tls, v.stmt, v.col), true
}

// Text returns the value converted to text. ok is false when the value is NULL.
func (v Value) Text() (res string, ok bool) {
	if v.IsNull() {
		return "", false
	}
	// the pointer must be fetched before the size, the conversion may change it
	var p uintptr
	var n int32
	if v.val != 0 {
		p = sqlite3.Xsqlite3_value_text(v.tls, v.val)
		n = sqlite3.Xsqlite3_value_bytes(v.tls, v.val)
	} else {
		p = sqlite3.Xsqlite3_column_text(v.tls, v.stmt, v.col)
		n = sqlite3.Xsqlite3_column_bytes(v.tls, v.stmt, v.col)
	}
	return string(goBytes(p, n)), true
}

// Blob returns a copy of the value as bytes. ok is false when the value is NULL.
// A zero-length blob is returned as an empty, non-nil slice.
func (v Value) Blob() (res []byte, ok bool) {
	if v.IsNull() {
		return nil, false
	}
	var p uintptr
	var n int32
	if v.val != 0 {
		p = sqlite3.Xsqlite3_value_blob(v.tls, v.val)
		n = sqlite3.Xsqlite3_value_bytes(v.tls, v.val)
	} else {
		p = sqlite3.Xsqlite3_column_blob(v.tls, v.stmt, v.col)
		n = sqlite3.Xsqlite3_column_bytes(v.tls, v.stmt, v.col)
	}
	return goBytes(p, n), true
}

// Interface returns the value as the Go type matching its storage class:
// nil, int64, float64, string or []byte. No conversion is forced.
func (v Value) Interface() any {
	switch v.Type() {
	case Integer:
		r, _ := v.Int64()
		return r
	case Float:
		r, _ := v.Float()
		return r
	case Text:
		r, _ := v.Text()
		return r
	case Blob:
		r, _ := v.Blob()
		return r
	default:
		return nil
	}
}

// native returns a sqlite3_value* suitable for sqlite3_result_value.
func (v Value) native() uintptr {
	if v.val != 0 {
		return v.val
	}
	if v.stmt == 0 {
		return 0
	}
	return sqlite3.Xsqlite3_column_value(v.tls, v.stmt, v.col)
}
