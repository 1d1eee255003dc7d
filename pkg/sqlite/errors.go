package sqlite

import (
	"errors"
	"fmt"
	"sync"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorCode is a sqlite result code. The primary code lives in the low byte,
// extended codes carry additional detail bits above it.
type ErrorCode int32

// primary result codes used by the binding
const (
	CodeError      ErrorCode = sqlite3.SQLITE_ERROR
	CodeInternal   ErrorCode = sqlite3.SQLITE_INTERNAL
	CodePerm       ErrorCode = sqlite3.SQLITE_PERM
	CodeAbort      ErrorCode = sqlite3.SQLITE_ABORT
	CodeBusy       ErrorCode = sqlite3.SQLITE_BUSY
	CodeLocked     ErrorCode = sqlite3.SQLITE_LOCKED
	CodeNoMem      ErrorCode = sqlite3.SQLITE_NOMEM
	CodeReadOnly   ErrorCode = sqlite3.SQLITE_READONLY
	CodeIOErr      ErrorCode = sqlite3.SQLITE_IOERR
	CodeCorrupt    ErrorCode = sqlite3.SQLITE_CORRUPT
	CodeCantOpen   ErrorCode = sqlite3.SQLITE_CANTOPEN
	CodeConstraint ErrorCode = sqlite3.SQLITE_CONSTRAINT
	CodeMismatch   ErrorCode = sqlite3.SQLITE_MISMATCH
	CodeMisuse     ErrorCode = sqlite3.SQLITE_MISUSE
	CodeRange      ErrorCode = sqlite3.SQLITE_RANGE
	CodeTooBig     ErrorCode = sqlite3.SQLITE_TOOBIG
)

// NewErrorCode wraps a raw non-success result code. OK, ROW and DONE are not
// errors and passing one of them is a programming error, so it panics.
func NewErrorCode(code int32) ErrorCode {
	switch code {
	case sqlite3.SQLITE_OK, sqlite3.SQLITE_ROW, sqlite3.SQLITE_DONE:
		panic(fmt.Sprintf("sqlite: result code %d is not an error", code))
	}
	return ErrorCode(code)
}

// Value returns the raw integer code.
func (c ErrorCode) Value() int32 { return int32(c) }

// Primary returns the primary code, i.e. the low byte.
func (c ErrorCode) Primary() ErrorCode { return c & 0xff }

// IsExtended reports whether the code carries bits above the primary byte.
func (c ErrorCode) IsExtended() bool { return c&^0xff != 0 }

// Description returns the engine's english description of the code. It does not
// depend on any open connection.
func (c ErrorCode) Description() string {
	errstrTLS.Lock()
	defer errstrTLS.Unlock()
	if errstrTLS.tls == nil {
		errstrTLS.tls = libc.NewTLS()
	}
	return libc.GoString(sqlite3.Xsqlite3_errstr(errstrTLS.tls, int32(c)))
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%s (%d)", c.Description(), int32(c))
}

// errstrTLS is a process-wide TLS used for connection independent lookups
var errstrTLS struct {
	sync.Mutex
	tls *libc.TLS
}

// Error is an engine failure, carrying the result code and the connection's
// detailed error message at the time of the failure.
type Error struct {
	Code ErrorCode
	Msg  string
}

// Error implements error.
func (e *Error) Error() string {
	desc := e.Code.Description()
	if e.Msg == "" || e.Msg == desc {
		return fmt.Sprintf("sqlite: %s (%d)", desc, e.Code)
	}
	return fmt.Sprintf("sqlite: %s: %s (%d)", desc, e.Msg, e.Code)
}

// Is reports whether target is an *Error with the same primary code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code.Primary() == t.Code.Primary()
}

// IsCode reports whether err is, or wraps, an *Error with the given primary code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code.Primary() == code.Primary()
}

var (
	// ErrInvalidArgument is returned for precondition violations detected before
	// any engine call: bad parameter reference, unsupported value type, invalid
	// function registration.
	ErrInvalidArgument = errors.New("sqlite: invalid argument")

	// ErrResourceState is the class of errors for operations on released handles.
	ErrResourceState = errors.New("sqlite: invalid resource state")

	// ErrFinalized is returned by any operation on a finalized statement.
	ErrFinalized = fmt.Errorf("%w: statement is finalized", ErrResourceState)

	// ErrClosed is returned by any operation on a closed connection.
	ErrClosed = fmt.Errorf("%w: connection is closed", ErrResourceState)
)

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// errstr builds an *Error from rc and the connection's last error message.
// The handle may be zero, in which case only the code description is used.
func errstr(tls *libc.TLS, db uintptr, rc int32) *Error {
	e := &Error{Code: NewErrorCode(rc)}
	if db != 0 {
		e.Msg = libc.GoString(sqlite3.Xsqlite3_errmsg(tls, db))
	}
	return e
}
