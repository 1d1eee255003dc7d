package sqlite

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

var engineInit struct {
	once sync.Once
	err  error
}

// initialize runs sqlite3_initialize once per process. The engine treats
// repeated calls as no-ops as well, the once only avoids the extra TLS.
func initialize() error {
	engineInit.once.Do(func() {
		tls := libc.NewTLS()
		defer tls.Close()
		if rc := sqlite3.Xsqlite3_initialize(tls); rc != sqlite3.SQLITE_OK {
			engineInit.err = errstr(tls, 0, rc)
		}
	})
	return engineInit.err
}

// cFuncPointer converts a function declared at package level to a pointer the
// engine can call. Must not be used with closures.
func cFuncPointer[T any](f T) uintptr {
	return *(*uintptr)(unsafe.Pointer(&struct{ f T }{f}))
}

// freeTrampoline is handed to the engine as the destructor of memory we
// allocated with sqlite3_malloc and transferred to it.
func freeTrampoline(tls *libc.TLS, p uintptr) {
	sqlite3.Xsqlite3_free(tls, p)
}

var xFree = cFuncPointer(freeTrampoline)

// engineLen converts a Go length to the engine's int. Lengths that don't fit,
// with room left for a terminating zero, fail with CodeTooBig.
func engineLen(n int) (int32, error) {
	if n < 0 || n >= math.MaxInt32 {
		return 0, &Error{Code: CodeTooBig, Msg: fmt.Sprintf("%d bytes is too big", n)}
	}
	return int32(n), nil
}

// engineIndex converts a Go index to the engine's int, ok is false if it doesn't fit.
func engineIndex(i int) (int32, bool) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0, false
	}
	return int32(i), true
}

// engineBytes copies b into engine-owned memory. When nul is set a terminating
// zero byte is appended. Returns 0 if the allocation failed.
func engineBytes(tls *libc.TLS, b []byte, nul bool) uintptr {
	n := len(b)
	if nul {
		n++
	}
	if n == 0 {
		n = 1
	}
	p := sqlite3.Xsqlite3_malloc(tls, int32(n))
	if p == 0 {
		return 0
	}
	mem := (*libc.RawMem)(unsafe.Pointer(p))[:n:n]
	copy(mem, b)
	if nul {
		mem[len(b)] = 0
	}
	return p
}

// goBytes copies n bytes at p into a new slice. A nil pointer yields an empty,
// non-nil slice.
func goBytes(p uintptr, n int32) []byte {
	if p == 0 || n <= 0 {
		return []byte{}
	}
	v := make([]byte, n)
	copy(v, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	return v
}
