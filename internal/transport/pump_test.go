package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/testutil"
)

type recordingReceiver struct {
	mu   sync.Mutex
	got  []string
	fail bool
}

func (r *recordingReceiver) ReceiveMessage(msg route.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg.String())
	if r.fail {
		return errors.New("rejected")
	}
	return nil
}

func (r *recordingReceiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPumpDeliversUntilClosed(t *testing.T) {
	hub := NewMemoryHub(nil, 8)
	remote := hub.Connect()
	recv := &recordingReceiver{fail: true}

	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), hub.Host(), recv) }()

	require.NoError(t, remote.Send(context.Background(), route.NewMessage(tempValue, "1")))
	require.NoError(t, remote.Send(context.Background(), route.NewMessage(tempValue, "2")))
	require.Eventually(t, func() bool { return len(recv.received()) == 2 }, testutil.DefaultTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"gate/temp1/value 1", "gate/temp1/value 2"}, recv.received())

	require.NoError(t, hub.Host().Close())
	assert.NoError(t, testutil.Recv(t, done, testutil.DefaultTimeout))
}

func TestPumpStopsOnCancel(t *testing.T) {
	hub := NewMemoryHub(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Pump(ctx, hub.Host(), &recordingReceiver{}) }()

	cancel()
	assert.ErrorIs(t, testutil.Recv(t, done, testutil.DefaultTimeout), context.Canceled)
}
