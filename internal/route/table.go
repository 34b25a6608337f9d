package route

import (
	"sync"

	"github.com/banshee-data/gatelink/internal/monitoring"
)

// Table maps paths to bindings. Registering a path twice replaces the
// earlier binding and logs a warning; device re-initialisation does this on
// purpose.
type Table struct {
	name   string
	mu     sync.RWMutex
	byPath map[string]*Binding
	order  []string
}

// NewTable returns an empty table. name appears in log lines.
func NewTable(name string) *Table {
	return &Table{name: name, byPath: make(map[string]*Binding)}
}

// Register adds b and reports whether it replaced an existing binding.
func (t *Table) Register(b *Binding) (replaced bool) {
	// path strings are a lossless key: segments never contain the separator
	key := b.path.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byPath[key]; ok {
		monitoring.Logf("[route] %s table: replacing binding for %s", t.name, key)
		replaced = true
	} else {
		t.order = append(t.order, key)
	}
	t.byPath[key] = b
	return replaced
}

// Lookup returns the binding registered for p.
func (t *Table) Lookup(p Path) (*Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.byPath[p.String()]
	return b, ok
}

// Bindings returns the registered bindings in first-registration order.
func (t *Table) Bindings() []*Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Binding, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.byPath[key])
	}
	return out
}

// Len returns the number of registered paths.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPath)
}
