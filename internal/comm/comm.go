// Package comm ties a device's gates to the route engine. A Communicator
// owns the gate registry, starts and stops every route as a unit, and
// resolves inbound messages to the binding that handles them.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/gatelink/internal/gate"
	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/route"
)

var (
	ErrAlreadyRunning = route.ErrAlreadyRunning
	ErrNotRunning     = route.ErrNotRunning
	// ErrUnknownRoute is returned by Command for paths with no binding.
	// Inbound messages on unknown paths are dropped without an error.
	ErrUnknownRoute  = errors.New("unknown route")
	ErrDuplicateGate = errors.New("duplicate gate id")
)

var logf = monitoring.Tagged("comm")

// Options configures a Communicator.
type Options struct {
	Role     route.Role
	DeviceID string
	// Emitter carries outbound messages, normally a transport.
	Emitter  route.Emitter
	Observer route.Observer
	// OnRouteError is called for every isolated route failure.
	OnRouteError func(*route.Error)
	InboxSize    int
}

// Communicator is the per-device orchestrator.
type Communicator struct {
	role     route.Role
	deviceID string
	gates    map[string]gate.Gate
	order    []string

	routes     *route.Table
	extensions *route.Table
	engine     *route.Engine
	observer   route.Observer

	// serialises Start and Stop
	lifecycle sync.Mutex
}

// New builds the gate registry and collects every gate's routes. The
// registry is fixed once New returns.
func New(gates []gate.Gate, opts Options) (*Communicator, error) {
	c := &Communicator{
		role:       opts.Role,
		deviceID:   opts.DeviceID,
		gates:      make(map[string]gate.Gate, len(gates)),
		routes:     route.NewTable("gate"),
		extensions: route.NewTable("extension"),
	}
	for _, g := range gates {
		if _, dup := c.gates[g.ID()]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateGate, g.ID())
		}
		bindings, err := g.Routes()
		if err != nil {
			return nil, fmt.Errorf("routes for gate %q: %w", g.ID(), err)
		}
		c.gates[g.ID()] = g
		c.order = append(c.order, g.ID())
		for _, b := range bindings {
			c.routes.Register(b)
		}
	}

	c.observer = observerWithHook(opts.Observer, opts.OnRouteError)
	c.engine = route.NewEngine(route.EngineOptions{
		Role:      opts.Role,
		Emitter:   opts.Emitter,
		Observer:  c.observer,
		InboxSize: opts.InboxSize,
	})
	return c, nil
}

func (c *Communicator) Role() route.Role { return c.role }
func (c *Communicator) DeviceID() string { return c.deviceID }
func (c *Communicator) Running() bool    { return c.engine.Running() }

// Gate returns the registered gate with id.
func (c *Communicator) Gate(id string) (gate.Gate, bool) {
	g, ok := c.gates[id]
	return g, ok
}

// Gates returns the registered gates in registration order.
func (c *Communicator) Gates() []gate.Gate {
	out := make([]gate.Gate, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.gates[id])
	}
	return out
}

// RegisterExtension adds a binding consulted for paths no gate claims.
// Extensions registered while running take effect at the next Start.
func (c *Communicator) RegisterExtension(b *route.Binding) {
	if _, shadowed := c.routes.Lookup(b.Path()); shadowed {
		logf("extension %s is shadowed by a gate route", b.Path())
	}
	c.extensions.Register(b)
}

// Start creates every route task. Calling Start on a running communicator
// returns ErrAlreadyRunning.
func (c *Communicator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	bindings := c.routes.Bindings()
	for _, b := range c.extensions.Bindings() {
		if _, shadowed := c.routes.Lookup(b.Path()); !shadowed {
			bindings = append(bindings, b)
		}
	}
	if err := c.engine.Start(ctx, bindings); err != nil {
		return err
	}
	logf("%s started as %s: %d gates, %d routes", c.name(), c.role, len(c.gates), len(bindings))
	return nil
}

// Stop cancels every route task without waiting for them.
func (c *Communicator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.engine.Running() {
		c.engine.Stop()
		logf("%s stopped", c.name())
	}
}

// StopAndWait cancels every route task, lets listeners apply messages that
// were already queued, and waits until all tasks exit or ctx ends.
func (c *Communicator) StopAndWait(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if err := c.engine.StopAndWait(ctx); err != nil {
		return err
	}
	logf("%s stopped", c.name())
	return nil
}

// Receive dispatches an inbound payload. Messages for unknown paths, or
// for routes this role never listens on, are logged and dropped and
// Receive returns nil. A full route inbox is reported as an error.
func (c *Communicator) Receive(path route.Path, payload *string) error {
	if !c.engine.Running() {
		return ErrNotRunning
	}
	msg := route.Message{Path: path, Payload: payload}

	b, ok := c.lookup(path)
	if !ok {
		logf("dropping message for unknown route %s", path)
		c.observer.MessageDropped(msg, ErrUnknownRoute)
		return nil
	}

	err := c.engine.Deliver(b, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, route.ErrWrongDirection):
		logf("dropping %s: %v", msg, err)
		c.observer.MessageDropped(msg, err)
		return nil
	default:
		// inbox overflow is already counted by the engine
		return err
	}
}

// ReceiveMessage is Receive for a decoded wire message.
func (c *Communicator) ReceiveMessage(msg route.Message) error {
	return c.Receive(msg.Path, msg.Payload)
}

// Command applies a locally initiated update to the local gate and then
// sends it once. It is how a remote changes host state.
func (c *Communicator) Command(ctx context.Context, path route.Path, payload *string) error {
	b, ok := c.lookup(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, path)
	}
	return c.engine.Command(ctx, b, payload)
}

// Resync re-sends the latest value of every route this device sends on.
// Hosts call it when a new remote connects.
func (c *Communicator) Resync() {
	c.engine.Resync()
	monitoring.Debugf("[comm] %s resync requested", c.name())
}

func (c *Communicator) lookup(p route.Path) (*route.Binding, bool) {
	if b, ok := c.routes.Lookup(p); ok {
		return b, true
	}
	return c.extensions.Lookup(p)
}

func (c *Communicator) name() string {
	if c.deviceID == "" {
		return "device"
	}
	return c.deviceID
}
