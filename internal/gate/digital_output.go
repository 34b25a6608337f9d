package gate

import (
	"fmt"
	"sync"

	"github.com/banshee-data/gatelink/internal/codec"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

// DigitalOutputOptions configures a DigitalOutput. A nil Actuator makes the
// gate a mirror.
type DigitalOutputOptions struct {
	Actuator Actuator
	Clock    timeutil.Clock
}

// DigitalOutput is a controllable digital line such as a relay. It holds a
// binary state, generates a PWM signal, or toggles at a sustained
// frequency; starting one output mode ends the others.
type DigitalOutput struct {
	id       string
	actuator Actuator
	clock    timeutil.Clock

	value      *Broadcast[Timestamped[BinaryState]]
	pwm        *Broadcast[Timestamped[PWM]]
	frequency  *Broadcast[Timestamped[float64]]
	active     *Broadcast[bool]
	modeActive map[Mode]*Broadcast[bool]

	// serialises driver writes with the flags they publish
	mu sync.Mutex
}

// NewDigitalOutput returns a digital output gate.
func NewDigitalOutput(id string, opts DigitalOutputOptions) (*DigitalOutput, error) {
	if id == "" {
		return nil, fmt.Errorf("digital output: empty id")
	}
	g := &DigitalOutput{
		id:        id,
		actuator:  opts.Actuator,
		clock:     clockOrReal(opts.Clock),
		value:     NewBroadcast[Timestamped[BinaryState]](),
		pwm:       NewBroadcast[Timestamped[PWM]](),
		frequency: NewBroadcast[Timestamped[float64]](),
		active:    NewBroadcast[bool](),
		modeActive: map[Mode]*Broadcast[bool]{
			ModeBinaryState: NewBroadcast[bool](),
			ModePWM:         NewBroadcast[bool](),
			ModeFrequency:   NewBroadcast[bool](),
		},
	}
	if g.actuator != nil {
		g.publishMode("")
	}
	return g, nil
}

func (g *DigitalOutput) ID() string                                  { return g.id }
func (g *DigitalOutput) Kind() Kind                                  { return KindDigitalOutput }
func (g *DigitalOutput) IsActive() *Broadcast[bool]                  { return g.active }
func (g *DigitalOutput) IsMirror() bool                              { return g.actuator == nil }
func (g *DigitalOutput) Value() *Broadcast[Timestamped[BinaryState]] { return g.value }
func (g *DigitalOutput) PWM() *Broadcast[Timestamped[PWM]]           { return g.pwm }
func (g *DigitalOutput) Frequency() *Broadcast[Timestamped[float64]] { return g.frequency }

// ModeActive returns the flag reporting whether mode is being driven.
func (g *DigitalOutput) ModeActive(mode Mode) *Broadcast[bool] { return g.modeActive[mode] }

// SetState drives the line to s. On a mirror it only updates the mirrored
// value.
func (g *DigitalOutput) SetState(s BinaryState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.actuator != nil {
		if err := g.actuator.WriteState(s); err != nil {
			return fmt.Errorf("digital output %s: write %s: %w", g.id, s, err)
		}
		g.publishMode(ModeBinaryState)
	}
	g.value.Publish(Timestamped[BinaryState]{Value: s, At: g.clock.Now()})
	return nil
}

// SetPWM starts generating p.
func (g *DigitalOutput) SetPWM(p PWM) error {
	if err := p.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.actuator != nil {
		if err := g.actuator.WritePWM(p); err != nil {
			return fmt.Errorf("digital output %s: write pwm: %w", g.id, err)
		}
		g.publishMode(ModePWM)
	}
	g.pwm.Publish(Timestamped[PWM]{Value: p, At: g.clock.Now()})
	return nil
}

// SetFrequency starts toggling the line at hz transitions per second.
func (g *DigitalOutput) SetFrequency(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("transition frequency %v must be positive", hz)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.actuator != nil {
		if err := g.actuator.WriteFrequency(hz); err != nil {
			return fmt.Errorf("digital output %s: write frequency: %w", g.id, err)
		}
		g.publishMode(ModeFrequency)
	}
	g.frequency.Publish(Timestamped[float64]{Value: hz, At: g.clock.Now()})
	return nil
}

// Stop halts the output.
func (g *DigitalOutput) Stop() error {
	if g.actuator == nil {
		return ErrNotControllable
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.actuator.Halt(); err != nil {
		return fmt.Errorf("digital output %s: halt: %w", g.id, err)
	}
	g.publishMode("")
	return nil
}

func (g *DigitalOutput) publishMode(mode Mode) {
	for m, b := range g.modeActive {
		publishFlag(b, m == mode)
	}
	publishFlag(g.active, mode != "")
}

func (g *DigitalOutput) Routes() ([]*route.Binding, error) {
	s := &routeSet{id: g.id}
	bindTimestamped(s, route.PropertyValue, route.Bidirectional, g.value, BinaryStateCodec, g.SetState)
	bindTimestamped(s, route.PropertyPulseWidthModulate, route.Bidirectional, g.pwm, PWMCodec, g.SetPWM)
	bindTimestamped(s, route.PropertySustainTransitionFrequency, route.Bidirectional, g.frequency, codec.Float64, g.SetFrequency)
	bindFlag(s, route.PropertyIsTransceiving, g.active)
	bindFlag(s, route.PropertyIsTransceivingBinaryState, g.modeActive[ModeBinaryState])
	bindFlag(s, route.PropertyIsTransceivingPWM, g.modeActive[ModePWM])
	bindFlag(s, route.PropertyIsTransceivingFrequency, g.modeActive[ModeFrequency])
	bindPing(s, route.PropertyStopTransceiving, g.actuator != nil, g.Stop)
	return s.result()
}
