package route

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/gatelink/internal/monitoring"
)

// DefaultInboxSize is the number of inbound messages a listener buffers
// before new ones are dropped.
const DefaultInboxSize = 64

// Emitter delivers outbound messages. For a host it fans out to every
// connected remote.
type Emitter interface {
	Send(ctx context.Context, msg Message) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg Message) error

func (f EmitterFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Observer is notified of route traffic. Implementations must be safe for
// concurrent use and must not block for long; they run on route tasks.
type Observer interface {
	MessageSent(Message)
	MessageReceived(Message)
	MessageSuppressed(Path)
	MessageDropped(msg Message, reason error)
	RouteFailed(*Error)
}

// NopObserver ignores every event. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) MessageSent(Message)           {}
func (NopObserver) MessageReceived(Message)       {}
func (NopObserver) MessageSuppressed(Path)        {}
func (NopObserver) MessageDropped(Message, error) {}
func (NopObserver) RouteFailed(*Error)            {}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Role      Role
	Emitter   Emitter
	Observer  Observer
	InboxSize int
}

// Engine runs the sender and listener tasks of a set of bindings for one
// device. The same engine serves both roles; the role only decides which
// tasks exist.
//
// Engines are restartable: Start, Stop, Start again. Start on a running
// engine returns ErrAlreadyRunning so a route never has two listeners.
type Engine struct {
	role      Role
	emitter   Emitter
	observer  Observer
	inboxSize int

	mu  sync.RWMutex
	run *run
}

// run holds the tasks created by one Start.
type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	drain  atomic.Bool
	tasks  map[string]*task
}

type task struct {
	binding *Binding
	sender  bool
	inbox   chan *string
	resync  chan struct{}
}

// NewEngine returns a stopped engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Emitter == nil {
		opts.Emitter = EmitterFunc(func(context.Context, Message) error { return nil })
	}
	return &Engine{
		role:      opts.Role,
		emitter:   opts.Emitter,
		observer:  opts.Observer,
		inboxSize: opts.InboxSize,
	}
}

// Role returns the role the engine was created for.
func (e *Engine) Role() Role { return e.role }

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run != nil
}

// Start creates the tasks for bindings under a child of ctx. Senders
// subscribe to their sources before Start returns, so no local change made
// after Start is missed. Host senders replay the current value first.
func (e *Engine) Start(ctx context.Context, bindings []*Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, tasks: make(map[string]*task, len(bindings))}

	for _, b := range bindings {
		key := b.path.String()
		if _, dup := r.tasks[key]; dup {
			monitoring.Logf("[route] skipping second binding for %s", key)
			continue
		}
		t := &task{binding: b}
		r.tasks[key] = t
		// a receive that finished after the last run stopped may have left
		// the flag armed with no sender to consume it
		b.suppress.Disarm()

		if b.Sends(e.role) {
			sub := b.subscribe(e.role == Host)
			t.sender = true
			t.resync = make(chan struct{}, 1)
			r.wg.Add(1)
			go e.runSender(runCtx, r, t, sub)
		}
		if b.Listens(e.role) {
			t.inbox = make(chan *string, e.inboxSize)
			r.wg.Add(1)
			go e.runListener(runCtx, r, t)
		}
	}

	e.run = r
	return nil
}

// Stop cancels every task of the current run and returns without waiting.
// In-flight work may be abandoned.
func (e *Engine) Stop() {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// StopAndWait cancels the current run, lets listeners apply messages that
// were already queued, and waits for every task to exit or for ctx to end.
func (e *Engine) StopAndWait(ctx context.Context) error {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	r.drain.Store(true)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for route tasks: %w", ctx.Err())
	}
}

// Deliver queues payload for b's listener. It never blocks: a full inbox
// drops the message and returns ErrInboxFull.
func (e *Engine) Deliver(b *Binding, payload *string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.run == nil {
		return ErrNotRunning
	}
	t, ok := e.run.tasks[b.path.String()]
	if !ok || t.binding != b {
		return fmt.Errorf("route %s: binding not started", b.path)
	}
	if t.inbox == nil {
		return fmt.Errorf("route %s (%s) as %s: %w", b.path, b.direction, e.role, ErrWrongDirection)
	}
	select {
	case t.inbox <- payload:
		return nil
	default:
		b.stats.dropped.Add(1)
		e.observer.MessageDropped(Message{Path: b.path, Payload: payload}, ErrInboxFull)
		return fmt.Errorf("route %s: %w", b.path, ErrInboxFull)
	}
}

// Command applies a locally initiated update through b's receive handler
// and, once that succeeds, sends it exactly once. A payload the handler
// rejects never reaches the peer. When b also has a running sender its
// suppression flag is armed first, so the local state change does not
// produce a second message.
func (e *Engine) Command(ctx context.Context, b *Binding, payload *string) error {
	e.mu.RLock()
	r := e.run
	e.mu.RUnlock()
	if r == nil {
		return ErrNotRunning
	}
	if !b.direction.CanSend(e.role) {
		return fmt.Errorf("route %s (%s) as %s: %w", b.path, b.direction, e.role, ErrWrongDirection)
	}
	if b.receive == nil {
		return e.send(ctx, b, payload)
	}

	t := r.tasks[b.path.String()]
	armed := t != nil && t.binding == b && t.sender
	if armed {
		b.suppress.Arm()
	}
	if err := b.apply(payload); err != nil {
		if armed {
			b.suppress.Disarm()
		}
		rerr := &Error{Path: b.path, Op: OpReceive, Err: err}
		e.fail(b, rerr)
		return rerr
	}
	if err := e.send(ctx, b, payload); err != nil {
		if armed {
			// the sender may still pick up the applied state
			b.suppress.Disarm()
		}
		return err
	}
	return nil
}

// Resync asks every running sender to re-send its latest value. Requests
// are coalesced per route and ordered with the route's normal emissions.
func (e *Engine) Resync() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.run == nil {
		return
	}
	for _, t := range e.run.tasks {
		if !t.sender {
			continue
		}
		select {
		case t.resync <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) runSender(ctx context.Context, r *run, t *task, sub subscription) {
	defer r.wg.Done()
	defer sub.close()

	b := t.binding
	sub.run(ctx, t.resync, func(encode func() string, local bool) {
		if local && b.suppress.Consume() {
			b.stats.suppressed.Add(1)
			e.observer.MessageSuppressed(b.path)
			monitoring.Debugf("[route] %s: suppressed echo", b.path)
			return
		}
		payload, err := safeEncode(encode)
		if err != nil {
			e.fail(b, &Error{Path: b.path, Op: OpEncode, Err: err})
			return
		}
		_ = e.send(ctx, b, &payload)
	})
}

func (e *Engine) runListener(ctx context.Context, r *run, t *task) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			if r.drain.Load() {
				for {
					select {
					case p := <-t.inbox:
						e.receive(t, p)
					default:
						return
					}
				}
			}
			return
		case p := <-t.inbox:
			e.receive(t, p)
		}
	}
}

// receive applies one inbound payload. The suppression flag is only armed
// when this device also sends on the route; otherwise nothing could echo.
func (e *Engine) receive(t *task, payload *string) {
	b := t.binding
	armed := t.sender
	if armed {
		b.suppress.Arm()
	}
	if err := b.apply(payload); err != nil {
		if armed {
			// no state change will follow, so nothing to suppress
			b.suppress.Disarm()
		}
		e.fail(b, &Error{Path: b.path, Op: OpReceive, Err: err})
		return
	}
	b.stats.received.Add(1)
	e.observer.MessageReceived(Message{Path: b.path, Payload: payload})
}

func (e *Engine) send(ctx context.Context, b *Binding, payload *string) error {
	msg := Message{Path: b.path, Payload: payload}
	if err := e.emitter.Send(ctx, msg); err != nil {
		rerr := &Error{Path: b.path, Op: OpSend, Err: err}
		e.fail(b, rerr)
		return rerr
	}
	b.stats.sent.Add(1)
	e.observer.MessageSent(msg)
	return nil
}

func (e *Engine) fail(b *Binding, err *Error) {
	b.stats.fail(err)
	monitoring.Logf("[route] %v", err)
	e.observer.RouteFailed(err)
}

func safeEncode(encode func() string) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return encode(), nil
}
