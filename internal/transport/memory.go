package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/gatelink/internal/route"
)

// MemoryHub connects one host endpoint to any number of remote endpoints
// inside a single process. Frames still pass through the codec so the hub
// exercises the same encoding as a network transport. Deliveries never
// block: a full inbox drops the frame.
type MemoryHub struct {
	codec  FrameCodec
	buffer int

	mu        sync.RWMutex
	host      *MemoryEndpoint
	remotes   map[string]*MemoryEndpoint
	onConnect func(peer string)
}

// NewMemoryHub returns a hub whose endpoints buffer inboxSize messages.
func NewMemoryHub(codec FrameCodec, inboxSize int) *MemoryHub {
	if codec == nil {
		codec = JSONCodec{}
	}
	h := &MemoryHub{
		codec:   codec,
		buffer:  inboxSize,
		remotes: make(map[string]*MemoryEndpoint),
	}
	h.host = h.newEndpoint("host", true)
	return h
}

// Host returns the hub's host endpoint.
func (h *MemoryHub) Host() *MemoryEndpoint { return h.host }

// OnConnect registers fn to run after each Connect.
func (h *MemoryHub) OnConnect(fn func(peer string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// Connect adds a remote endpoint.
func (h *MemoryHub) Connect() *MemoryEndpoint {
	e := h.newEndpoint(uuid.NewString(), false)

	h.mu.Lock()
	h.remotes[e.id] = e
	fn := h.onConnect
	h.mu.Unlock()

	if fn != nil {
		fn(e.id)
	}
	return e
}

// Remotes returns the number of connected remote endpoints.
func (h *MemoryHub) Remotes() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.remotes)
}

func (h *MemoryHub) newEndpoint(id string, host bool) *MemoryEndpoint {
	return &MemoryEndpoint{
		hub:   h,
		id:    id,
		host:  host,
		inbox: make(chan route.Message, inboxSize(h.buffer)),
	}
}

// MemoryEndpoint is one side of a MemoryHub. It implements Transport.
type MemoryEndpoint struct {
	hub    *MemoryHub
	id     string
	host   bool
	inbox  chan route.Message
	closed bool
}

// ID identifies the endpoint; the host endpoint is "host".
func (e *MemoryEndpoint) ID() string { return e.id }

func (e *MemoryEndpoint) Messages() <-chan route.Message { return e.inbox }

// Send delivers msg from the host to every remote, or from a remote to the
// host.
func (e *MemoryEndpoint) Send(ctx context.Context, msg route.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := e.hub.codec.Marshal(msg)
	if err != nil {
		return err
	}

	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if e.host {
		for _, r := range e.hub.remotes {
			r.push(frame)
		}
		return nil
	}
	e.hub.host.push(frame)
	return nil
}

// push runs with the hub read lock held.
func (e *MemoryEndpoint) push(frame []byte) {
	if e.closed {
		return
	}
	msg, err := e.hub.codec.Unmarshal(frame)
	if err != nil {
		logf("memory %s: %v", e.id, frameError(e.hub.codec, err))
		return
	}
	select {
	case e.inbox <- msg:
	default:
		logf("memory %s: inbox full, dropping %s", e.id, msg.Path)
	}
}

// Close detaches the endpoint and closes its inbox.
func (e *MemoryEndpoint) Close() error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.host {
		delete(e.hub.remotes, e.id)
	}
	close(e.inbox)
	return nil
}
