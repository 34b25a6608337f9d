package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/gatelink/internal/route"
)

var (
	ErrUnknownCodec = errors.New("unknown frame codec")
	ErrBadFrame     = errors.New("malformed frame")
)

// FrameCodec turns a message into one transport frame and back.
type FrameCodec interface {
	Name() string
	Marshal(msg route.Message) ([]byte, error)
	Unmarshal(frame []byte) (route.Message, error)
}

// CodecByName returns the codec registered under name ("json" or "proto").
// An empty name selects JSON.
func CodecByName(name string) (FrameCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec frames messages as {"route":[...],"payload":"..."|null}. Its
// frames never contain a newline, so they can be line delimited.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg route.Message) ([]byte, error) {
	if msg.Path.IsZero() {
		return nil, fmt.Errorf("%w: empty route", ErrBadFrame)
	}
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(frame []byte) (route.Message, error) {
	var msg route.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return route.Message{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if msg.Path.IsZero() {
		return route.Message{}, fmt.Errorf("%w: missing route", ErrBadFrame)
	}
	return msg, nil
}

// ProtoCodec frames messages as a protobuf ListValue holding the route
// segments and the payload string, or null for a ping.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(msg route.Message) ([]byte, error) {
	if msg.Path.IsZero() {
		return nil, fmt.Errorf("%w: empty route", ErrBadFrame)
	}
	segments := msg.Path.Segments()
	routeList := make([]interface{}, len(segments))
	for i, s := range segments {
		routeList[i] = s
	}
	var payload interface{}
	if msg.Payload != nil {
		payload = *msg.Payload
	}
	list, err := structpb.NewList([]interface{}{routeList, payload})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(list)
}

func (ProtoCodec) Unmarshal(frame []byte) (route.Message, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(frame, &list); err != nil {
		return route.Message{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	values := list.GetValues()
	if len(values) != 2 {
		return route.Message{}, fmt.Errorf("%w: want 2 elements, got %d", ErrBadFrame, len(values))
	}

	routeList := values[0].GetListValue()
	if routeList == nil {
		return route.Message{}, fmt.Errorf("%w: route is not a list", ErrBadFrame)
	}
	segments := make([]string, 0, len(routeList.GetValues()))
	for _, v := range routeList.GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return route.Message{}, fmt.Errorf("%w: route segment is not a string", ErrBadFrame)
		}
		segments = append(segments, s.StringValue)
	}
	path, err := route.NewPath(segments...)
	if err != nil {
		return route.Message{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch kind := values[1].GetKind().(type) {
	case *structpb.Value_NullValue:
		return route.NewPing(path), nil
	case *structpb.Value_StringValue:
		return route.NewMessage(path, kind.StringValue), nil
	default:
		return route.Message{}, fmt.Errorf("%w: payload is neither string nor null", ErrBadFrame)
	}
}
