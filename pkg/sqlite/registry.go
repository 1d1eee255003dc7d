package sqlite

import (
	"fmt"
	"log"
	"sync"
)

// aggregators maps the engine's aggregate context identity to the Go aggregator
// serving that invocation. Each connection owns one, so identities can't
// collide across connections.
type aggregators struct {
	mu sync.Mutex
	m  map[uint64]Aggregator
}

func newAggregators() *aggregators {
	return &aggregators{m: make(map[uint64]Aggregator)}
}

// acquire returns the aggregator for id, creating it with factory on first use.
func (a *aggregators) acquire(id uint64, factory func() Aggregator) (Aggregator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if agg, ok := a.m[id]; ok {
		return agg, nil
	}
	agg := factory()
	if agg == nil {
		return nil, fmt.Errorf("aggregate factory returned nil")
	}
	a.m[id] = agg
	return agg, nil
}

func (a *aggregators) get(id uint64) (Aggregator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.m[id]
	return agg, ok
}

// remove drops and returns the aggregator for id.
func (a *aggregators) remove(id uint64) (Aggregator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.m[id]
	if ok {
		delete(a.m, id)
	}
	return agg, ok
}

func (a *aggregators) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}

func (a *aggregators) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.m); n > 0 {
		log.Printf("[WARN] dropping %d unfinished aggregators", n)
	}
	a.m = make(map[uint64]Aggregator)
}

// trampolineGroup keeps alive everything the engine may call back into for one
// function registration: the definition and the native callback slots handed
// to the engine. It is looked up by the id passed as the function's user data
// and released once, when the engine destroys the function.
type trampolineGroup struct {
	id    uintptr
	name  string
	conn  *Conn
	def   FunctionDef
	slots map[string]uintptr
	once  sync.Once
}

// groups is the process-wide table of live registrations.
var groups = struct {
	sync.RWMutex
	m    map[uintptr]*trampolineGroup
	next uintptr
}{m: make(map[uintptr]*trampolineGroup)}

func newTrampolineGroup(c *Conn, name string, def FunctionDef) *trampolineGroup {
	g := &trampolineGroup{name: name, conn: c, def: def, slots: make(map[string]uintptr)}
	groups.Lock()
	groups.next++
	g.id = groups.next
	groups.m[g.id] = g
	groups.Unlock()
	return g
}

// slot records a callback pointer handed to the engine and returns it.
func (g *trampolineGroup) slot(name string, p uintptr) uintptr {
	g.slots[name] = p
	return p
}

// release drops the group from the table. Safe to call more than once.
func (g *trampolineGroup) release() {
	g.once.Do(func() {
		groups.Lock()
		delete(groups.m, g.id)
		groups.Unlock()
		log.Printf("[DEBUG] released sql function %q, callbacks %d", g.name, len(g.slots))
		g.slots = nil
	})
}

func lookupGroup(id uintptr) *trampolineGroup {
	groups.RLock()
	defer groups.RUnlock()
	return groups.m[id]
}

func liveGroups() int {
	groups.RLock()
	defer groups.RUnlock()
	return len(groups.m)
}
