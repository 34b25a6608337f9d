// Package transport carries route messages between a host and its remotes.
// Transports are fire-and-forget: no retries, acknowledgements or ordering
// across routes.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/route"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

var logf = monitoring.Tagged("transport")

// DefaultInboxSize is the inbound message buffer of each transport.
const DefaultInboxSize = 256

// Transport moves messages to and from the peer devices. Send satisfies
// route.Emitter so a transport can be handed straight to a communicator.
type Transport interface {
	Send(ctx context.Context, msg route.Message) error
	// Messages yields inbound messages. It is closed by Close.
	Messages() <-chan route.Message
	Close() error
}

// Receiver accepts decoded inbound messages. *comm.Communicator implements it.
type Receiver interface {
	ReceiveMessage(msg route.Message) error
}

// ConnectNotifier is implemented by transports that can report a newly
// connected peer, which hosts answer with a resync.
type ConnectNotifier interface {
	OnConnect(fn func(peer string))
}

// Pump feeds inbound messages from t into r until ctx is done or the
// transport closes. Receive errors are logged and do not stop the pump.
func Pump(ctx context.Context, t Transport, r Receiver) error {
	msgs := t.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := r.ReceiveMessage(msg); err != nil {
				logf("receive %s: %v", msg.Path, err)
			}
		}
	}
}

// deliver pushes msg to inbox unless ctx ends first.
func deliver(ctx context.Context, inbox chan<- route.Message, msg route.Message) bool {
	select {
	case inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func inboxSize(n int) int {
	if n <= 0 {
		return DefaultInboxSize
	}
	return n
}

func frameError(codec FrameCodec, err error) error {
	return fmt.Errorf("%s frame: %w", codec.Name(), err)
}
