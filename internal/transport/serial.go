package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/serialmux"
)

// SerialTransport carries one JSON frame per line over a serial link. It
// is point to point: the device at the other end of the cable is the only
// peer.
type SerialTransport struct {
	mux   serialmux.SerialMuxInterface
	codec JSONCodec
	inbox chan route.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

// NewSerialTransport subscribes to mux and starts monitoring it. Close
// closes mux.
func NewSerialTransport(mux serialmux.SerialMuxInterface, inboxSz int) *SerialTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &SerialTransport{
		mux:    mux,
		inbox:  make(chan route.Message, inboxSize(inboxSz)),
		cancel: cancel,
	}

	id, lines := mux.Subscribe()
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := mux.Monitor(ctx); err != nil && ctx.Err() == nil {
			logf("serial monitor: %v", err)
		}
	}()
	go func() {
		defer t.wg.Done()
		defer mux.Unsubscribe(id)
		t.readLines(ctx, lines)
	}()
	return t
}

func (t *SerialTransport) readLines(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			msg, err := t.codec.Unmarshal([]byte(line))
			if err != nil {
				// boot banners and line noise are expected on serial links
				logf("serial: %v", frameError(t.codec, err))
				continue
			}
			if !deliver(ctx, t.inbox, msg) {
				return
			}
		}
	}
}

func (t *SerialTransport) Send(ctx context.Context, msg route.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrClosed
	}
	frame, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}
	return t.mux.SendLine(string(frame))
}

func (t *SerialTransport) Messages() <-chan route.Message { return t.inbox }

func (t *SerialTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		t.cancel()
		err = t.mux.Close()
		t.wg.Wait()
		close(t.inbox)
	})
	return err
}
