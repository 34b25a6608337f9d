// Package gate defines the capability surface a device exposes for each of
// its sensors and actuators, and the concrete gate types that map that
// surface onto routes.
//
// A gate constructed with a driver belongs to the host that owns the
// hardware. A gate constructed without one is a mirror: its broadcasts stay
// empty until the host reports, and host-side actions are no-ops.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/gatelink/internal/codec"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

// ErrNotControllable is returned by host actions on a gate without a driver.
var ErrNotControllable = errors.New("gate has no driver")

// Kind names a gate type in configuration and status output.
type Kind string

const (
	KindAnalogInput   Kind = "analog_input"
	KindDigitalInput  Kind = "digital_input"
	KindDigitalOutput Kind = "digital_output"
)

// Gate is what the communicator needs from a sensor or actuator.
type Gate interface {
	ID() string
	Kind() Kind
	// IsActive reports whether the gate is currently sampling or driving
	// its output.
	IsActive() *Broadcast[bool]
	// Routes returns one binding per synchronized property. Each binding
	// carries the typed handler for its payload.
	Routes() ([]*route.Binding, error)
}

// Sampler is the host driver of an input gate. Samples are pushed back into
// the gate through its Record methods.
type Sampler interface {
	StartSampling(mode Mode, rate time.Duration) error
	StopSampling() error
}

// Actuator is the host driver of a digital output.
type Actuator interface {
	WriteState(BinaryState) error
	WritePWM(PWM) error
	WriteFrequency(hz float64) error
	Halt() error
}

// DefaultUpdateRate is the sampling interval used when none is configured.
const DefaultUpdateRate = 100 * time.Millisecond

func validRate(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("update rate %s must be positive", d)
	}
	return nil
}

func clockOrReal(c timeutil.Clock) timeutil.Clock {
	if c == nil {
		return timeutil.RealClock{}
	}
	return c
}

// routeSet accumulates the bindings of one gate and keeps the first error.
type routeSet struct {
	id       string
	bindings []*route.Binding
	err      error
}

func (s *routeSet) path(prop string) (route.Path, bool) {
	if s.err != nil {
		return route.Path{}, false
	}
	p, err := route.GatePath(s.id, prop)
	if err != nil {
		s.err = err
		return route.Path{}, false
	}
	return p, true
}

func (s *routeSet) add(b *route.Binding, err error) {
	if s.err != nil {
		return
	}
	if err != nil {
		s.err = fmt.Errorf("gate %s: %w", s.id, err)
		return
	}
	s.bindings = append(s.bindings, b)
}

func (s *routeSet) result() ([]*route.Binding, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.bindings, nil
}

// bindTimestamped binds a timestamped broadcast. Only the value travels on
// the wire; the receiving side stamps it on arrival.
func bindTimestamped[T any](s *routeSet, prop string, dir route.Direction, src *Broadcast[Timestamped[T]], c codec.Codec[T], apply func(T) error) {
	p, ok := s.path(prop)
	if !ok {
		return
	}
	s.add(route.New(route.Config[Timestamped[T]]{
		Path:      p,
		Direction: dir,
		Source:    src,
		Serialize: func(v Timestamped[T]) string { return c.Encode(v.Value) },
		Receive:   route.Decode(c, apply),
	}))
}

func bindValue[T any](s *routeSet, prop string, dir route.Direction, src *Broadcast[T], c codec.Codec[T], apply func(T) error) {
	p, ok := s.path(prop)
	if !ok {
		return
	}
	s.add(route.New(route.Config[T]{
		Path:      p,
		Direction: dir,
		Source:    src,
		Serialize: c.Encode,
		Receive:   route.Decode(c, apply),
	}))
}

// bindPing binds a remote-initiated signal. A mirror never runs the action
// locally; it learns the outcome from the host's status routes.
func bindPing(s *routeSet, prop string, host bool, action func() error) {
	p, ok := s.path(prop)
	if !ok {
		return
	}
	s.add(route.New(route.Config[struct{}]{
		Path:      p,
		Direction: route.RemoteOnly,
		Receive: route.Ping(func() error {
			if !host {
				return nil
			}
			return action()
		}),
	}))
}

// publishFlag publishes v when it differs from the current value or none
// has been published yet.
func publishFlag(b *Broadcast[bool], v bool) {
	if cur, ok := b.Latest(); ok && cur == v {
		return
	}
	b.Publish(v)
}

// bindFlag binds a host-reported status flag.
func bindFlag(s *routeSet, prop string, flag *Broadcast[bool]) {
	bindValue(s, prop, route.HostOnly, flag, codec.Bool, func(v bool) error {
		flag.Publish(v)
		return nil
	})
}
