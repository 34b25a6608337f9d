package transport

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/gatelink/internal/route"
)

func messageDiff(want, got route.Message) string {
	return cmp.Diff(want.String(), got.String()) + cmp.Diff(want.IsPing(), got.IsPing())
}

func TestCodecsRoundTrip(t *testing.T) {
	msgs := []route.Message{
		route.NewMessage(route.MustPath("gate", "temp1", "value"), "21.5"),
		route.NewMessage(route.MustPath("gate", "relay1", "value"), ""),
		route.NewMessage(route.MustPath("gate", "pwm1", "pulse_width_modulate"), `{"duty_cycle":0.5,"frequency_hz":1000}`),
		route.NewMessage(route.MustPath("ext", "ünïcode"), "line\nbreak"),
		route.NewPing(route.MustPath("gate", "temp1", "start_sampling")),
	}
	for _, c := range []FrameCodec{JSONCodec{}, ProtoCodec{}} {
		for _, msg := range msgs {
			frame, err := c.Marshal(msg)
			require.NoError(t, err)
			got, err := c.Unmarshal(frame)
			require.NoError(t, err, "%s %s", c.Name(), msg)
			if diff := messageDiff(msg, got); diff != "" {
				t.Errorf("%s round trip of %s (-want +got):\n%s", c.Name(), msg, diff)
			}
		}
	}
}

func TestJSONCodecWireForm(t *testing.T) {
	frame, err := JSONCodec{}.Marshal(route.NewMessage(route.MustPath("gate", "temp1", "value"), "21.5"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"route":["gate","temp1","value"],"payload":"21.5"}`, string(frame))

	frame, err = JSONCodec{}.Marshal(route.NewPing(route.MustPath("gate", "temp1", "stop_transceiving")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"route":["gate","temp1","stop_transceiving"],"payload":null}`, string(frame))
	assert.NotContains(t, string(frame), "\n")
}

func TestJSONCodecRejectsMalformed(t *testing.T) {
	for _, frame := range []string{
		``,
		`not json`,
		`{"payload":"1"}`,
		`{"route":[],"payload":"1"}`,
		`{"route":["gate",""],"payload":"1"}`,
		`{"route":["a/b"],"payload":"1"}`,
		`{"route":["gate"],"payload":1}`,
	} {
		_, err := JSONCodec{}.Unmarshal([]byte(frame))
		assert.True(t, errors.Is(err, ErrBadFrame), "frame %q: %v", frame, err)
	}
}

func TestProtoCodecRejectsMalformed(t *testing.T) {
	build := func(values ...interface{}) []byte {
		list, err := structpb.NewList(values)
		require.NoError(t, err)
		b, err := proto.Marshal(list)
		require.NoError(t, err)
		return b
	}
	frames := map[string][]byte{
		"garbage":          {0xff, 0x01, 0x02},
		"one element":      build([]interface{}{"gate"}),
		"route not list":   build("gate", "1"),
		"numeric segment":  build([]interface{}{"gate", 3.0}, "1"),
		"empty route":      build([]interface{}{}, "1"),
		"numeric payload":  build([]interface{}{"gate"}, 1.0),
		"too many":         build([]interface{}{"gate"}, "1", "2"),
		"separator inside": build([]interface{}{"a/b"}, nil),
	}
	for name, frame := range frames {
		_, err := ProtoCodec{}.Unmarshal(frame)
		assert.True(t, errors.Is(err, ErrBadFrame), "%s: %v", name, err)
	}
}

func TestMarshalRejectsZeroPath(t *testing.T) {
	for _, c := range []FrameCodec{JSONCodec{}, ProtoCodec{}} {
		_, err := c.Marshal(route.Message{})
		assert.True(t, errors.Is(err, ErrBadFrame), c.Name())
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "JSON": "json", "proto": "proto", " protobuf ": "proto"} {
		c, err := CodecByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := CodecByName("xml")
	assert.True(t, errors.Is(err, ErrUnknownCodec))
}
