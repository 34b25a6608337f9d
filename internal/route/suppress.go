package route

import "sync/atomic"

// Suppressor is the single-slot echo flag of one binding. The listener arms
// it before applying an inbound value; the sender consumes it on the next
// local emission and skips sending that emission.
//
// At most one emission is suppressed per arm. If the local source emits more
// than once before the applied change propagates, later emissions are sent
// normally; values are snapshots, so a stray echo converges.
type Suppressor struct {
	armed atomic.Bool
}

// Arm sets the flag.
func (s *Suppressor) Arm() { s.armed.Store(true) }

// Disarm clears the flag without consuming an emission.
func (s *Suppressor) Disarm() { s.armed.Store(false) }

// Consume clears the flag and reports whether it was set.
func (s *Suppressor) Consume() bool { return s.armed.CompareAndSwap(true, false) }

// Armed reports the current flag state.
func (s *Suppressor) Armed() bool { return s.armed.Load() }
