package gate

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gatelink/internal/codec"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

// DefaultFrequencyWindow is the number of frequency readings averaged into
// avg_frequency.
const DefaultFrequencyWindow = 8

// DigitalInputOptions configures a DigitalInput. A nil Sampler makes the
// gate a mirror.
type DigitalInputOptions struct {
	Sampler         Sampler
	Clock           timeutil.Clock
	UpdateRate      time.Duration
	FrequencyWindow int
}

// DigitalInput is a digital line that can be sampled as a binary state, as
// a PWM signal, or as a frequency.
type DigitalInput struct {
	id      string
	sampler Sampler
	clock   timeutil.Clock
	window  int

	value        *Broadcast[Timestamped[BinaryState]]
	pwm          *Broadcast[Timestamped[PWM]]
	avgFrequency *Broadcast[Timestamped[float64]]
	updateRate   *Broadcast[time.Duration]
	active       *Broadcast[bool]
	modeActive   map[Mode]*Broadcast[bool]

	mu       sync.Mutex
	mode     Mode
	readings []float64
}

// NewDigitalInput returns a digital input gate.
func NewDigitalInput(id string, opts DigitalInputOptions) (*DigitalInput, error) {
	if id == "" {
		return nil, fmt.Errorf("digital input: empty id")
	}
	if opts.FrequencyWindow <= 0 {
		opts.FrequencyWindow = DefaultFrequencyWindow
	}
	g := &DigitalInput{
		id:           id,
		sampler:      opts.Sampler,
		clock:        clockOrReal(opts.Clock),
		window:       opts.FrequencyWindow,
		value:        NewBroadcast[Timestamped[BinaryState]](),
		pwm:          NewBroadcast[Timestamped[PWM]](),
		avgFrequency: NewBroadcast[Timestamped[float64]](),
		updateRate:   NewBroadcast[time.Duration](),
		active:       NewBroadcast[bool](),
		modeActive: map[Mode]*Broadcast[bool]{
			ModeBinaryState: NewBroadcast[bool](),
			ModePWM:         NewBroadcast[bool](),
			ModeFrequency:   NewBroadcast[bool](),
		},
	}
	if g.sampler == nil {
		return g, nil
	}

	if opts.UpdateRate == 0 {
		opts.UpdateRate = DefaultUpdateRate
	}
	if err := validRate(opts.UpdateRate); err != nil {
		return nil, fmt.Errorf("digital input %s: %w", id, err)
	}
	g.updateRate.Publish(opts.UpdateRate)
	g.publishMode("")
	return g, nil
}

func (g *DigitalInput) ID() string                                     { return g.id }
func (g *DigitalInput) Kind() Kind                                     { return KindDigitalInput }
func (g *DigitalInput) IsActive() *Broadcast[bool]                     { return g.active }
func (g *DigitalInput) IsMirror() bool                                 { return g.sampler == nil }
func (g *DigitalInput) Value() *Broadcast[Timestamped[BinaryState]]    { return g.value }
func (g *DigitalInput) PWM() *Broadcast[Timestamped[PWM]]              { return g.pwm }
func (g *DigitalInput) AvgFrequency() *Broadcast[Timestamped[float64]] { return g.avgFrequency }
func (g *DigitalInput) UpdateRate() *Broadcast[time.Duration]          { return g.updateRate }

// ModeActive returns the flag reporting whether mode is being sampled.
func (g *DigitalInput) ModeActive(mode Mode) *Broadcast[bool] { return g.modeActive[mode] }

// Mode returns the mode being sampled, or "" when idle.
func (g *DigitalInput) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// RecordState publishes a binary state sample.
func (g *DigitalInput) RecordState(s BinaryState) {
	g.value.Publish(Timestamped[BinaryState]{Value: s, At: g.clock.Now()})
}

// RecordPWM publishes a measured PWM signal.
func (g *DigitalInput) RecordPWM(p PWM) {
	g.pwm.Publish(Timestamped[PWM]{Value: p, At: g.clock.Now()})
}

// RecordFrequency adds a frequency reading and publishes the mean of the
// most recent readings.
func (g *DigitalInput) RecordFrequency(hz float64) {
	g.mu.Lock()
	g.readings = append(g.readings, hz)
	if len(g.readings) > g.window {
		g.readings = g.readings[len(g.readings)-g.window:]
	}
	avg := stat.Mean(g.readings, nil)
	g.mu.Unlock()

	g.avgFrequency.Publish(Timestamped[float64]{Value: avg, At: g.clock.Now()})
}

// StartSampling switches the sampler to mode. Starting a new mode replaces
// the previous one.
func (g *DigitalInput) StartSampling(mode Mode) error {
	if g.sampler == nil {
		return ErrNotControllable
	}
	if _, ok := g.modeActive[mode]; !ok {
		return fmt.Errorf("digital input %s: cannot sample %q", g.id, mode)
	}
	rate, _ := g.updateRate.Latest()
	if err := g.sampler.StartSampling(mode, rate); err != nil {
		return fmt.Errorf("digital input %s: start %s sampling: %w", g.id, mode, err)
	}
	g.mu.Lock()
	if mode != g.mode {
		g.readings = nil
	}
	g.mode = mode
	g.mu.Unlock()
	g.publishMode(mode)
	return nil
}

// StopSampling stops the sampler.
func (g *DigitalInput) StopSampling() error {
	if g.sampler == nil {
		return ErrNotControllable
	}
	if err := g.sampler.StopSampling(); err != nil {
		return fmt.Errorf("digital input %s: stop sampling: %w", g.id, err)
	}
	g.mu.Lock()
	g.mode = ""
	g.readings = nil
	g.mu.Unlock()
	g.publishMode("")
	return nil
}

// SetUpdateRate changes the sampling interval, restarting an active sampler.
func (g *DigitalInput) SetUpdateRate(d time.Duration) error {
	if err := validRate(d); err != nil {
		return err
	}
	if mode := g.Mode(); g.sampler != nil && mode != "" {
		if err := g.sampler.StartSampling(mode, d); err != nil {
			return fmt.Errorf("digital input %s: restart sampling: %w", g.id, err)
		}
	}
	g.updateRate.Publish(d)
	return nil
}

func (g *DigitalInput) publishMode(mode Mode) {
	for m, b := range g.modeActive {
		publishFlag(b, m == mode)
	}
	publishFlag(g.active, mode != "")
}

func (g *DigitalInput) Routes() ([]*route.Binding, error) {
	host := g.sampler != nil
	s := &routeSet{id: g.id}

	bindTimestamped(s, route.PropertyValue, route.HostOnly, g.value, BinaryStateCodec, func(v BinaryState) error {
		g.RecordState(v)
		return nil
	})
	bindTimestamped(s, route.PropertyPulseWidthModulate, route.HostOnly, g.pwm, PWMCodec, func(v PWM) error {
		g.RecordPWM(v)
		return nil
	})
	bindTimestamped(s, route.PropertyAvgFrequency, route.HostOnly, g.avgFrequency, codec.Float64, func(v float64) error {
		g.avgFrequency.Publish(Timestamped[float64]{Value: v, At: g.clock.Now()})
		return nil
	})
	bindValue(s, route.PropertyUpdateRate, route.Bidirectional, g.updateRate, codec.Duration, g.SetUpdateRate)
	bindFlag(s, route.PropertyIsTransceiving, g.active)
	bindFlag(s, route.PropertyIsTransceivingBinaryState, g.modeActive[ModeBinaryState])
	bindFlag(s, route.PropertyIsTransceivingPWM, g.modeActive[ModePWM])
	bindFlag(s, route.PropertyIsTransceivingFrequency, g.modeActive[ModeFrequency])
	bindPing(s, route.PropertyStartSampling, host, func() error { return g.StartSampling(ModeBinaryState) })
	bindPing(s, route.PropertyStartSamplingBinaryState, host, func() error { return g.StartSampling(ModeBinaryState) })
	bindPing(s, route.PropertyStartSamplingPWM, host, func() error { return g.StartSampling(ModePWM) })
	bindPing(s, route.PropertyStartSamplingFrequency, host, func() error { return g.StartSampling(ModeFrequency) })
	bindPing(s, route.PropertyStopTransceiving, host, g.StopSampling)
	return s.result()
}
