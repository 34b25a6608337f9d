package route

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/gatelink/internal/codec"
)

// ErrNoCapability is returned when a binding can neither send nor receive.
var ErrNoCapability = errors.New("binding can neither send nor receive")

// Source is a latest-value broadcast of T. Subscribers that fall behind see
// only the most recent value.
type Source[T any] interface {
	// Subscribe registers a subscriber. With replay set, the current value
	// (if any) is delivered first.
	Subscribe(replay bool) (id string, ch <-chan T)
	Unsubscribe(id string)
	// Latest returns the most recent value and whether one exists.
	Latest() (T, bool)
}

// ReceiveFunc applies an inbound payload to local state. A nil payload is a
// ping.
type ReceiveFunc func(payload *string) error

// Config is the immutable description of one route binding.
type Config[T any] struct {
	Path      Path
	Direction Direction
	// Serialize and Source together give the binding send capability.
	Serialize func(T) string
	Source    Source[T]
	// Receive gives the binding receive capability.
	Receive ReceiveFunc
}

// Binding is one synchronizable property. It carries its configuration,
// its own echo suppression flag, and traffic counters that persist across
// engine restarts.
type Binding struct {
	path      Path
	direction Direction
	subscribe func(replay bool) subscription
	receive   ReceiveFunc

	suppress Suppressor
	stats    counters
}

// New validates cfg and returns the binding. Bindings without either send
// or receive capability are rejected with ErrNoCapability.
func New[T any](cfg Config[T]) (*Binding, error) {
	if cfg.Path.IsZero() {
		return nil, fmt.Errorf("%w: binding needs a path", ErrInvalidPath)
	}
	if !cfg.Direction.valid() {
		return nil, fmt.Errorf("route %s: invalid direction %s", cfg.Path, cfg.Direction)
	}
	if (cfg.Source == nil) != (cfg.Serialize == nil) {
		return nil, fmt.Errorf("route %s: source and serializer must be set together", cfg.Path)
	}
	if cfg.Source == nil && cfg.Receive == nil {
		return nil, fmt.Errorf("route %s: %w", cfg.Path, ErrNoCapability)
	}

	b := &Binding{
		path:      cfg.Path,
		direction: cfg.Direction,
		receive:   cfg.Receive,
	}
	if cfg.Source != nil {
		src, serialize := cfg.Source, cfg.Serialize
		b.subscribe = func(replay bool) subscription {
			id, ch := src.Subscribe(replay)
			return &typedSubscription[T]{src: src, id: id, ch: ch, serialize: serialize}
		}
	}
	return b, nil
}

// Must is New for bindings built from static configuration. It panics on
// error.
func Must(b *Binding, err error) *Binding {
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Binding) Path() Path           { return b.path }
func (b *Binding) Direction() Direction { return b.direction }

// HasSource reports whether the binding can originate updates.
func (b *Binding) HasSource() bool { return b.subscribe != nil }

// HasReceiver reports whether the binding can apply inbound updates.
func (b *Binding) HasReceiver() bool { return b.receive != nil }

// Sends reports whether a device in role r runs a sender for this binding.
func (b *Binding) Sends(r Role) bool { return b.subscribe != nil && b.direction.CanSend(r) }

// Listens reports whether a device in role r runs a listener for this binding.
func (b *Binding) Listens(r Role) bool { return b.receive != nil && b.direction.CanReceive(r) }

// SuppressionArmed reports whether the next local emission will be skipped.
func (b *Binding) SuppressionArmed() bool { return b.suppress.Armed() }

// Stats returns a snapshot of the binding's counters.
func (b *Binding) Stats() Stats { return b.stats.snapshot() }

// apply runs the receive handler, converting a panic into an error.
func (b *Binding) apply(payload *string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return b.receive(payload)
}

// Decode builds a ReceiveFunc that decodes the payload with c and passes the
// value to apply. Malformed payloads surface as *codec.DecodeError.
func Decode[T any](c codec.Codec[T], apply func(T) error) ReceiveFunc {
	return func(payload *string) error {
		v, err := codec.DecodePayload(c, payload)
		if err != nil {
			return err
		}
		return apply(v)
	}
}

// Ping builds a ReceiveFunc for zero-argument signals. Any payload is
// ignored.
func Ping(apply func() error) ReceiveFunc {
	return func(*string) error { return apply() }
}

// subscription is a type-erased live subscription to a binding's source.
type subscription interface {
	run(ctx context.Context, resync <-chan struct{}, emit func(encode func() string, local bool))
	close()
}

type typedSubscription[T any] struct {
	src       Source[T]
	id        string
	ch        <-chan T
	serialize func(T) string
}

func (s *typedSubscription[T]) run(ctx context.Context, resync <-chan struct{}, emit func(func() string, bool)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-s.ch:
			if !ok {
				return
			}
			emit(func() string { return s.serialize(v) }, true)
		case <-resync:
			if v, ok := s.src.Latest(); ok {
				emit(func() string { return s.serialize(v) }, false)
			}
		}
	}
}

func (s *typedSubscription[T]) close() { s.src.Unsubscribe(s.id) }

// Stats is a snapshot of one binding's traffic counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	Errors     uint64 `json:"errors"`
	LastError  string `json:"last_error,omitempty"`
}

type counters struct {
	sent, received, suppressed, dropped, errors atomic.Uint64
	lastError                                   atomic.Pointer[string]
}

func (c *counters) fail(err error) {
	c.errors.Add(1)
	msg := err.Error()
	c.lastError.Store(&msg)
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Sent:       c.sent.Load(),
		Received:   c.received.Load(),
		Suppressed: c.suppressed.Load(),
		Dropped:    c.dropped.Load(),
		Errors:     c.errors.Load(),
	}
	if p := c.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}
