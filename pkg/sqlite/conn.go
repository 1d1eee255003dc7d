// Package sqlite is a binding over the sqlite engine entry points of
// modernc.org/sqlite/lib. It exposes connections, prepared statements, typed
// value access and application-defined scalar, aggregate and window functions.
//
// A Conn and the statements created from it must be used by one goroutine at a
// time. Different connections are independent and can be used concurrently.
package sqlite

import (
	"fmt"
	"log"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// OpenFlag controls how a database is opened.
type OpenFlag int32

// open flags, see https://www.sqlite.org/c3ref/open.html
const (
	OpenReadOnly  OpenFlag = sqlite3.SQLITE_OPEN_READONLY
	OpenReadWrite OpenFlag = sqlite3.SQLITE_OPEN_READWRITE
	OpenCreate    OpenFlag = sqlite3.SQLITE_OPEN_CREATE
	OpenURI       OpenFlag = sqlite3.SQLITE_OPEN_URI
	OpenMemory    OpenFlag = sqlite3.SQLITE_OPEN_MEMORY
)

// MemoryPath is the name of a private in-memory database.
const MemoryPath = ":memory:"

// Conn is an open database connection. It owns one engine handle.
type Conn struct {
	tls  *libc.TLS
	db   uintptr // *sqlite3
	path string
	aggs *aggregators
}

// Open opens the database at path, creating it if needed.
func Open(path string) (*Conn, error) {
	return OpenFlags(path, OpenReadWrite|OpenCreate|OpenURI)
}

// Memory opens a private in-memory database.
func Memory() (*Conn, error) {
	return Open(MemoryPath)
}

// OpenFlags opens the database at path with the given flags. Connections are
// always opened in multi-thread mode: the handle itself must not be shared
// between goroutines without external synchronization.
func OpenFlags(path string, flags OpenFlag) (*Conn, error) {
	if err := initialize(); err != nil {
		return nil, fmt.Errorf("can't initialize sqlite: %w", err)
	}

	c := &Conn{tls: libc.NewTLS(), path: path, aggs: newAggregators()}
	db, err := c.openV2(path, int32(flags)|sqlite3.SQLITE_OPEN_NOMUTEX)
	if err != nil {
		c.tls.Close()
		return nil, err
	}
	c.db = db

	if rc := sqlite3.Xsqlite3_extended_result_codes(c.tls, c.db, 1); rc != sqlite3.SQLITE_OK {
		err := c.errstr(rc)
		sqlite3.Xsqlite3_close(c.tls, c.db)
		c.tls.Close()
		return nil, err
	}
	log.Printf("[DEBUG] sqlite connection opened, path=%q", path)
	return c, nil
}

func (c *Conn) openV2(path string, flags int32) (uintptr, error) {
	name, err := libc.CString(path)
	if err != nil {
		return 0, err
	}
	defer libc.Xfree(c.tls, name)

	ppDB := c.tls.Alloc(int(ptrSize))
	defer c.tls.Free(int(ptrSize))
	*(*uintptr)(unsafe.Pointer(ppDB)) = 0

	rc := sqlite3.Xsqlite3_open_v2(c.tls, name, ppDB, flags, 0)
	db := *(*uintptr)(unsafe.Pointer(ppDB))
	if rc != sqlite3.SQLITE_OK {
		// the engine may hand out a handle even when open failed, it still has to be released
		e := errstr(c.tls, db, rc)
		if db != 0 {
			sqlite3.Xsqlite3_close(c.tls, db)
		}
		return 0, fmt.Errorf("can't open %q: %w", path, e)
	}
	return db, nil
}

// Path returns the name the connection was opened with.
func (c *Conn) Path() string { return c.path }

// Close closes the connection. It fails with a BUSY error if any statement
// created from the connection has not been finalized; in that case the
// connection and its statements stay usable. Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	if c.db == 0 {
		return nil
	}
	if rc := sqlite3.Xsqlite3_close(c.tls, c.db); rc != sqlite3.SQLITE_OK {
		return c.errstr(rc)
	}
	c.db = 0
	c.aggs.reset()
	c.tls.Close()
	c.tls = nil
	log.Printf("[DEBUG] sqlite connection closed, path=%q", c.path)
	return nil
}

// Prepare compiles the first statement in query. Any text after the first
// statement is ignored.
func (c *Conn) Prepare(query string) (*Stmt, error) {
	if c.db == 0 {
		return nil, ErrClosed
	}

	zSQL, err := libc.CString(query)
	if err != nil {
		return nil, err
	}
	defer libc.Xfree(c.tls, zSQL)

	ppStmt := c.tls.Alloc(int(ptrSize))
	defer c.tls.Free(int(ptrSize))
	*(*uintptr)(unsafe.Pointer(ppStmt)) = 0

	if rc := sqlite3.Xsqlite3_prepare_v2(c.tls, c.db, zSQL, -1, ppStmt, 0); rc != sqlite3.SQLITE_OK {
		return nil, c.errstr(rc)
	}
	pstmt := *(*uintptr)(unsafe.Pointer(ppStmt))
	if pstmt == 0 {
		return nil, invalidArgf("no statement in %q", query)
	}
	return &Stmt{conn: c, pstmt: pstmt}, nil
}

// Exec runs query to completion, discarding any rows. The statement is always
// finalized; a failure while stepping takes precedence over a finalize failure.
func (c *Conn) Exec(query string) (err error) {
	s, err := c.Prepare(query)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := s.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	for {
		row, err := s.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
	}
}

// ExecMap runs query and collects one T per row using fn. On any failure the
// statement is reset and finalized and only the original error is returned.
func ExecMap[T any](c *Conn, query string, fn func(s *Stmt) (T, error)) ([]T, error) {
	s, err := c.Prepare(query)
	if err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if !done {
			// reset repeats the failure code and brings the statement to a state
			// where finalize succeeds, both results are already reported
			_ = s.Reset()
			_ = s.Finalize()
		}
	}()

	var res []T
	for {
		row, err := s.Step()
		if err != nil {
			return nil, err
		}
		if !row {
			break
		}
		v, err := fn(s)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}

	done = true
	if err := s.Finalize(); err != nil {
		return nil, err
	}
	return res, nil
}

// IntegrityCheck runs "PRAGMA integrity_check". It returns nil if the database
// is fine, otherwise all the reported problems.
func (c *Conn) IntegrityCheck() ([]string, error) {
	rows, err := ExecMap(c, "PRAGMA integrity_check", func(s *Stmt) (string, error) {
		v, _ := s.Text(0)
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("integrity check failed: %w", err)
	}
	if len(rows) == 1 && rows[0] == "ok" {
		return nil, nil
	}
	return rows, nil
}

// WithTx runs fn inside BEGIN/COMMIT. If fn fails the transaction is rolled back.
func (c *Conn) WithTx(fn func() error) error {
	if err := c.Exec("BEGIN"); err != nil {
		return fmt.Errorf("can't begin transaction: %w", err)
	}
	if err := fn(); err != nil {
		if rbErr := c.Exec("ROLLBACK"); rbErr != nil {
			return multierror.Append(err, fmt.Errorf("can't rollback: %w", rbErr)).ErrorOrNil()
		}
		return err
	}
	if err := c.Exec("COMMIT"); err != nil {
		return fmt.Errorf("can't commit transaction: %w", err)
	}
	return nil
}

// BusyTimeout sets how long the engine retries on a locked database.
func (c *Conn) BusyTimeout(d time.Duration) error {
	if c.db == 0 {
		return ErrClosed
	}
	return c.checkResult(sqlite3.Xsqlite3_busy_timeout(c.tls, c.db, int32(d.Milliseconds())))
}

// LastInsertRowID returns the rowid of the most recent successful insert.
func (c *Conn) LastInsertRowID() int64 {
	if c.db == 0 {
		return 0
	}
	return sqlite3.Xsqlite3_last_insert_rowid(c.tls, c.db)
}

// Changes returns the number of rows changed by the most recent statement.
func (c *Conn) Changes() int {
	if c.db == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_changes(c.tls, c.db))
}

// AutoCommit reports whether the connection is outside of an explicit transaction.
func (c *Conn) AutoCommit() bool {
	if c.db == 0 {
		return true
	}
	return sqlite3.Xsqlite3_get_autocommit(c.tls, c.db) != 0
}

// OpenStatements returns the number of statements not yet finalized, as seen
// by the engine.
func (c *Conn) OpenStatements() int {
	if c.db == 0 {
		return 0
	}
	n := 0
	for p := sqlite3.Xsqlite3_next_stmt(c.tls, c.db, 0); p != 0; p = sqlite3.Xsqlite3_next_stmt(c.tls, c.db, p) {
		n++
	}
	return n
}

// Aggregators returns the number of aggregate invocations currently in flight.
func (c *Conn) Aggregators() int { return c.aggs.len() }

// checkResult is a no-op for OK, otherwise it returns the connection's error.
func (c *Conn) checkResult(rc int32) error {
	if rc == sqlite3.SQLITE_OK {
		return nil
	}
	return c.errstr(rc)
}

func (c *Conn) errstr(rc int32) error {
	return errstr(c.tls, c.db, rc)
}
