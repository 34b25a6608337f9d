package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/serialmux"
	"github.com/banshee-data/gatelink/internal/testutil"
)

func TestSerialTransportOverNullModem(t *testing.T) {
	a, b := serialmux.NewPipePair()
	host := NewSerialTransport(serialmux.NewSerialMux(a), 8)
	remote := NewSerialTransport(serialmux.NewSerialMux(b), 8)
	defer host.Close()
	defer remote.Close()

	require.NoError(t, host.Send(context.Background(), route.NewMessage(tempValue, "21.5")))
	got := testutil.Recv(t, remote.Messages(), testutil.DefaultTimeout)
	assert.Equal(t, "gate/temp1/value 21.5", got.String())

	require.NoError(t, remote.Send(context.Background(), route.NewPing(route.MustPath("gate", "temp1", "stop_transceiving"))))
	got = testutil.Recv(t, host.Messages(), testutil.DefaultTimeout)
	assert.True(t, got.IsPing())
}

func TestSerialTransportSkipsNoise(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	tr := NewSerialTransport(serialmux.NewSerialMux(port), 8)
	defer tr.Close()

	port.AddReadData([]byte("bootloader v1.2\n\n{\"route\":[\"gate\",\"temp1\",\"value\"],\"payload\":\"4\"}\n"))
	got := testutil.Recv(t, tr.Messages(), testutil.DefaultTimeout)
	assert.Equal(t, "4", got.PayloadString())
}

func TestSerialTransportWritesJSONLines(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	tr := NewSerialTransport(serialmux.NewSerialMux(port), 8)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), route.NewMessage(tempValue, "a\nb")))
	assert.Equal(t, `{"route":["gate","temp1","value"],"payload":"a\nb"}`+"\n", string(port.GetWrittenData()))
}

func TestSerialTransportClose(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	tr := NewSerialTransport(serialmux.NewSerialMux(port), 8)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, ok := <-tr.Messages()
	assert.False(t, ok)
	assert.True(t, errors.Is(tr.Send(context.Background(), route.NewPing(tempValue)), ErrClosed))
}
