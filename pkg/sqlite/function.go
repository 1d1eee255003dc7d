package sqlite

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"unsafe"

	"github.com/go-pkgz/stringutils"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// FuncFlags are extra properties of an application-defined function.
type FuncFlags int32

// function flags, see https://www.sqlite.org/c3ref/c_deterministic.html
const (
	Deterministic FuncFlags = sqlite3.SQLITE_DETERMINISTIC
	DirectOnly    FuncFlags = sqlite3.SQLITE_DIRECTONLY
	Innocuous     FuncFlags = sqlite3.SQLITE_INNOCUOUS
)

// FuncContext is passed to the callbacks of a FunctionDef.
type FuncContext struct {
	conn  *Conn
	name  string
	aggID uint64
}

// Conn returns the connection running the function.
func (fc *FuncContext) Conn() *Conn { return fc.conn }

// Name returns the registered function name.
func (fc *FuncContext) Name() string { return fc.name }

// AggregateID identifies the aggregate invocation the call belongs to. It is
// stable across the Step, Inverse, Value and Final calls of one invocation and
// is 0 for scalar calls and for Final or Value of an invocation that saw no rows.
func (fc *FuncContext) AggregateID() uint64 { return fc.aggID }

// FunctionDef is the low level description of an application-defined function.
// Either Func is set (scalar function) or Step and Final are (aggregate).
// Value and Inverse turn an aggregate into a window function and must be set together.
//
// Arguments are only valid during the callback. Results can be nil, any
// integer or float type, string, []byte or a Value to pass an argument through.
type FunctionDef struct {
	NArgs   int // -1 for any number of arguments
	Flags   FuncFlags
	Func    func(fc *FuncContext, args []Value) (any, error)
	Step    func(fc *FuncContext, args []Value) error
	Final   func(fc *FuncContext) (any, error)
	Value   func(fc *FuncContext) (any, error)
	Inverse func(fc *FuncContext, args []Value) error
}

func (d FunctionDef) validate() error {
	aggregate := d.Step != nil || d.Final != nil || d.Value != nil || d.Inverse != nil
	switch {
	case d.Func != nil && aggregate:
		return invalidArgf("scalar and aggregate callbacks are mutually exclusive")
	case d.Func == nil && !aggregate:
		return invalidArgf("no callbacks defined")
	case (d.Step == nil) != (d.Final == nil):
		return invalidArgf("step and final must be defined together")
	case (d.Value == nil) != (d.Inverse == nil):
		return invalidArgf("value and inverse must be defined together")
	case d.Value != nil && d.Step == nil:
		return invalidArgf("value requires step")
	case d.NArgs < -1:
		return invalidArgf("bad number of arguments %d", d.NArgs)
	}
	return nil
}

// ScalarFunc implements a scalar SQL function.
type ScalarFunc func(args []Value) (any, error)

// Aggregator accumulates one aggregate invocation. A new one is made for every
// group, Final is called once at the end.
type Aggregator interface {
	Step(args []Value) error
	Final() (any, error)
}

// WindowAggregator is an Aggregator usable as a window function: Inverse removes
// a row that left the frame, Value reports the current result without finishing.
type WindowAggregator interface {
	Aggregator
	Inverse(args []Value) error
	Value() (any, error)
}

var (
	xFunc    = cFuncPointer(funcTrampoline)
	xStep    = cFuncPointer(stepTrampoline)
	xFinal   = cFuncPointer(finalTrampoline)
	xValue   = cFuncPointer(valueTrampoline)
	xInverse = cFuncPointer(inverseTrampoline)
	xDestroy = cFuncPointer(destroyTrampoline)
)

// CreateFunction registers def under name. Registering the same name and
// number of arguments again replaces the previous function.
func (c *Conn) CreateFunction(name string, def FunctionDef) error {
	if c.db == 0 {
		return ErrClosed
	}
	if err := def.validate(); err != nil {
		return fmt.Errorf("can't create function %q: %w", name, err)
	}

	zName, err := libc.CString(name)
	if err != nil {
		return err
	}
	defer libc.Xfree(c.tls, zName)

	g := newTrampolineGroup(c, name, def)
	textRep := int32(sqlite3.SQLITE_UTF8) | int32(def.Flags)
	var rc int32
	switch {
	case def.Func != nil:
		rc = sqlite3.Xsqlite3_create_function_v2(c.tls, c.db, zName, int32(def.NArgs), textRep, g.id,
			g.slot("func", xFunc), 0, 0, xDestroy)
	case def.Value != nil:
		rc = sqlite3.Xsqlite3_create_window_function(c.tls, c.db, zName, int32(def.NArgs), textRep, g.id,
			g.slot("step", xStep), g.slot("final", xFinal), g.slot("value", xValue), g.slot("inverse", xInverse), xDestroy)
	default:
		rc = sqlite3.Xsqlite3_create_function_v2(c.tls, c.db, zName, int32(def.NArgs), textRep, g.id,
			0, g.slot("step", xStep), g.slot("final", xFinal), xDestroy)
	}
	if rc != sqlite3.SQLITE_OK {
		// the engine calls the destructor on failure too, release is idempotent
		g.release()
		return fmt.Errorf("can't create function %q: %w", name, c.errstr(rc))
	}
	log.Printf("[DEBUG] created sql function %q, args %d, callbacks %d", name, def.NArgs, len(g.slots))
	return nil
}

// DropFunction removes the function registered under name and nArgs.
func (c *Conn) DropFunction(name string, nArgs int) error {
	if c.db == 0 {
		return ErrClosed
	}
	zName, err := libc.CString(name)
	if err != nil {
		return err
	}
	defer libc.Xfree(c.tls, zName)
	rc := sqlite3.Xsqlite3_create_function_v2(c.tls, c.db, zName, int32(nArgs), sqlite3.SQLITE_UTF8, 0, 0, 0, 0, 0)
	return c.checkResult(rc)
}

// CreateScalarFunction registers fn as a scalar function.
func (c *Conn) CreateScalarFunction(name string, nArgs int, flags FuncFlags, fn ScalarFunc) error {
	if fn == nil {
		return invalidArgf("nil scalar function %q", name)
	}
	return c.CreateFunction(name, FunctionDef{
		NArgs: nArgs,
		Flags: flags,
		Func:  func(_ *FuncContext, args []Value) (any, error) { return fn(args) },
	})
}

// CreateAggregateFunction registers an aggregate function. newAgg is called to
// make a fresh Aggregator for every aggregate invocation.
func (c *Conn) CreateAggregateFunction(name string, nArgs int, flags FuncFlags, newAgg func() Aggregator) error {
	if newAgg == nil {
		return invalidArgf("nil aggregator factory for %q", name)
	}
	return c.CreateFunction(name, FunctionDef{
		NArgs: nArgs,
		Flags: flags,
		Step: func(fc *FuncContext, args []Value) error {
			agg, err := c.aggs.acquire(fc.aggID, newAgg)
			if err != nil {
				return err
			}
			return agg.Step(args)
		},
		Final: func(fc *FuncContext) (any, error) {
			agg, ok := c.aggs.remove(fc.aggID)
			if !ok {
				agg = newAgg() // no rows were seen
			}
			if agg == nil {
				return nil, fmt.Errorf("aggregate factory returned nil")
			}
			return agg.Final()
		},
	})
}

// CreateWindowFunction registers an aggregate that can also be used as a window
// function. newAgg is called to make a fresh WindowAggregator for every invocation.
func (c *Conn) CreateWindowFunction(name string, nArgs int, flags FuncFlags, newAgg func() WindowAggregator) error {
	if newAgg == nil {
		return invalidArgf("nil window aggregator factory for %q", name)
	}
	factory := func() Aggregator {
		if a := newAgg(); a != nil {
			return a
		}
		return nil
	}
	window := func(id uint64, create bool) (WindowAggregator, error) {
		var agg Aggregator
		var err error
		if create {
			agg, err = c.aggs.acquire(id, factory)
		} else if a, ok := c.aggs.get(id); ok {
			agg = a
		} else {
			agg = factory() // value of an empty frame
		}
		if err != nil {
			return nil, err
		}
		wa, ok := agg.(WindowAggregator)
		if !ok {
			return nil, fmt.Errorf("no window aggregator for invocation %d", id)
		}
		return wa, nil
	}

	return c.CreateFunction(name, FunctionDef{
		NArgs: nArgs,
		Flags: flags,
		Step: func(fc *FuncContext, args []Value) error {
			agg, err := window(fc.aggID, true)
			if err != nil {
				return err
			}
			return agg.Step(args)
		},
		Inverse: func(fc *FuncContext, args []Value) error {
			agg, err := window(fc.aggID, false)
			if err != nil {
				return err
			}
			return agg.Inverse(args)
		},
		Value: func(fc *FuncContext) (any, error) {
			agg, err := window(fc.aggID, false)
			if err != nil {
				return nil, err
			}
			return agg.Value()
		},
		Final: func(fc *FuncContext) (any, error) {
			agg, ok := c.aggs.remove(fc.aggID)
			if !ok {
				agg = factory()
			}
			if agg == nil {
				return nil, fmt.Errorf("window aggregate factory returned nil")
			}
			return agg.Final()
		},
	})
}

// callback is the common part of all trampolines: it resolves the registration
// from the user data and recovers panics raised by the Go callback.
func callback(tls *libc.TLS, ctx uintptr, aggBytes int32, fn func(g *trampolineGroup, fc *FuncContext)) {
	g := lookupGroup(sqlite3.Xsqlite3_user_data(tls, ctx))
	if g == nil {
		resultError(tls, ctx, &Error{Code: CodeMisuse, Msg: "sql function called after release"})
		return
	}
	fc := &FuncContext{conn: g.conn, name: g.name}
	if aggBytes >= 0 {
		// the address of the aggregate context is the identity of the invocation
		p := sqlite3.Xsqlite3_aggregate_context(tls, ctx, aggBytes)
		if p == 0 && aggBytes > 0 {
			sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
			return
		}
		fc.aggID = uint64(p)
	}

	defer func() {
		if r := recover(); r != nil {
			stack := stringutils.Truncate(string(debug.Stack()), 2048)
			resultError(tls, ctx, &Error{Code: CodeInternal, Msg: fmt.Sprintf("function %s panicked: %v\n%s", g.name, r, stack)})
		}
	}()
	fn(g, fc)
}

func funcTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	callback(tls, ctx, -1, func(g *trampolineGroup, fc *FuncContext) {
		res, err := g.def.Func(fc, functionArgs(tls, argc, argv))
		setResult(tls, ctx, res, err)
	})
}

func stepTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	callback(tls, ctx, 8, func(g *trampolineGroup, fc *FuncContext) {
		if err := g.def.Step(fc, functionArgs(tls, argc, argv)); err != nil {
			resultError(tls, ctx, err)
		}
	})
}

func inverseTrampoline(tls *libc.TLS, ctx uintptr, argc int32, argv uintptr) {
	callback(tls, ctx, 8, func(g *trampolineGroup, fc *FuncContext) {
		if err := g.def.Inverse(fc, functionArgs(tls, argc, argv)); err != nil {
			resultError(tls, ctx, err)
		}
	})
}

func valueTrampoline(tls *libc.TLS, ctx uintptr) {
	callback(tls, ctx, 0, func(g *trampolineGroup, fc *FuncContext) {
		res, err := g.def.Value(fc)
		setResult(tls, ctx, res, err)
	})
}

func finalTrampoline(tls *libc.TLS, ctx uintptr) {
	callback(tls, ctx, 0, func(g *trampolineGroup, fc *FuncContext) {
		res, err := g.def.Final(fc)
		setResult(tls, ctx, res, err)
	})
}

// destroyTrampoline is called by the engine exactly once per registration, when
// the function is replaced, dropped or the connection is closed.
func destroyTrampoline(_ *libc.TLS, pApp uintptr) {
	if g := lookupGroup(pApp); g != nil {
		g.release()
	}
}

func functionArgs(tls *libc.TLS, argc int32, argv uintptr) []Value {
	args := make([]Value, argc)
	for i := range args {
		args[i] = argValue(tls, *(*uintptr)(unsafe.Pointer(argv + uintptr(i)*ptrSize)))
	}
	return args
}

func setResult(tls *libc.TLS, ctx uintptr, res any, err error) {
	if err != nil {
		resultError(tls, ctx, err)
		return
	}
	if err := resultValue(tls, ctx, res); err != nil {
		resultError(tls, ctx, &Error{Code: CodeInternal, Msg: err.Error()})
	}
}

// resultValue hands res to the engine as the function result.
func resultValue(tls *libc.TLS, ctx uintptr, res any) error {
	switch v := res.(type) {
	case nil:
		sqlite3.Xsqlite3_result_null(tls, ctx)
	case int64:
		sqlite3.Xsqlite3_result_int64(tls, ctx, v)
	case int:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case int32:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case int16:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case int8:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case uint32:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case uint16:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case uint8:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(v))
	case float64:
		sqlite3.Xsqlite3_result_double(tls, ctx, v)
	case float32:
		sqlite3.Xsqlite3_result_double(tls, ctx, float64(v))
	case string:
		n, err := engineLen(len(v))
		if err != nil {
			sqlite3.Xsqlite3_result_error_toobig(tls, ctx)
			return nil
		}
		p := engineBytes(tls, []byte(v), true)
		if p == 0 {
			sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
			return nil
		}
		sqlite3.Xsqlite3_result_text(tls, ctx, p, n, xFree)
	case []byte:
		switch {
		case v == nil:
			sqlite3.Xsqlite3_result_null(tls, ctx)
		case len(v) == 0:
			sqlite3.Xsqlite3_result_zeroblob(tls, ctx, 0)
		default:
			n, err := engineLen(len(v))
			if err != nil {
				sqlite3.Xsqlite3_result_error_toobig(tls, ctx)
				return nil
			}
			p := engineBytes(tls, v, false)
			if p == 0 {
				sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
				return nil
			}
			sqlite3.Xsqlite3_result_blob(tls, ctx, p, n, xFree)
		}
	case Value:
		p := v.native()
		if p == 0 {
			sqlite3.Xsqlite3_result_null(tls, ctx)
			return nil
		}
		sqlite3.Xsqlite3_result_value(tls, ctx, p)
	default:
		return fmt.Errorf("unsupported result type %T", res)
	}
	return nil
}

// resultError reports err as the function's failure. Out of memory goes through
// the engine's allocation free path; an *Error keeps its code, anything else
// is reported as a generic error.
func resultError(tls *libc.TLS, ctx uintptr, err error) {
	code := CodeError
	var e *Error
	if errors.As(err, &e) {
		if e.Code.Primary() == CodeNoMem {
			sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
			return
		}
		code = e.Code
	}

	msg := err.Error()
	if direct, ok := err.(*Error); ok && direct.Msg != "" {
		msg = direct.Msg
	}
	zMsg, cerr := libc.CString(msg)
	if cerr != nil {
		log.Printf("[WARN] can't allocate sql function error message %q: %v", msg, cerr)
	} else {
		sqlite3.Xsqlite3_result_error(tls, ctx, zMsg, -1)
		libc.Xfree(tls, zMsg)
	}
	sqlite3.Xsqlite3_result_error_code(tls, ctx, int32(code))
}
