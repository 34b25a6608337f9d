package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatelink/internal/testutil"
)

func TestBroadcast_ReplayOnlyWhenAsked(t *testing.T) {
	b := NewBroadcastWith(3)

	_, replayed := b.Subscribe(true)
	assert.Equal(t, 3, testutil.Recv(t, replayed, time.Second))

	_, fresh := b.Subscribe(false)
	testutil.AssertNoRecv(t, fresh, 20*time.Millisecond)

	b.Publish(4)
	assert.Equal(t, 4, testutil.Recv(t, fresh, time.Second))
	assert.Equal(t, 4, testutil.Recv(t, replayed, time.Second))
}

func TestBroadcast_SlowSubscriberSeesNewest(t *testing.T) {
	b := NewBroadcast[int]()
	_, ch := b.Subscribe(false)
	for i := 1; i <= 10; i++ {
		b.Publish(i)
	}
	assert.Equal(t, 10, testutil.Recv(t, ch, time.Second))
	testutil.AssertNoRecv(t, ch, 20*time.Millisecond)
}

func TestBroadcast_EqualValuesStillNotify(t *testing.T) {
	b := NewBroadcast[string]()
	_, ch := b.Subscribe(false)
	b.Publish("On")
	assert.Equal(t, "On", testutil.Recv(t, ch, time.Second))
	b.Publish("On")
	assert.Equal(t, "On", testutil.Recv(t, ch, time.Second))
}

func TestBroadcast_UnsubscribeAndClose(t *testing.T) {
	b := NewBroadcast[int]()
	id, ch := b.Subscribe(false)
	_, other := b.Subscribe(false)
	assert.Equal(t, 2, b.Subscribers())

	b.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(id)

	b.Close()
	_, ok = <-other
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	b.Publish(1)
	_, has := b.Latest()
	assert.False(t, has)

	_, late := b.Subscribe(true)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBroadcast_LatestAndIDs(t *testing.T) {
	b := NewBroadcast[float64]()
	_, has := b.Latest()
	assert.False(t, has)

	b.Publish(21.5)
	v, has := b.Latest()
	require.True(t, has)
	assert.Equal(t, 21.5, v)

	id1, _ := b.Subscribe(false)
	id2, _ := b.Subscribe(false)
	assert.NotEqual(t, id1, id2)
}
