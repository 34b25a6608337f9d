package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/gatelink/internal/codec"
	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

// DefaultBufferSize is the number of samples per published buffer.
const DefaultBufferSize = 16

// AnalogInputOptions configures an AnalogInput. A nil Sampler makes the gate
// a mirror.
type AnalogInputOptions struct {
	Sampler              Sampler
	Clock                timeutil.Clock
	BufferSize           int
	UpdateRate           time.Duration
	MaxAcceptableError   float64
	MaxElectricPotential float64
}

// AnalogInput is a sampled analog sensor, such as a thermometer or a
// voltage probe.
type AnalogInput struct {
	id      string
	sampler Sampler
	clock   timeutil.Clock
	bufSize int

	value                *Broadcast[Timestamped[float64]]
	buffer               *Broadcast[[]float64]
	maxAcceptableError   *Broadcast[float64]
	maxElectricPotential *Broadcast[float64]
	updateRate           *Broadcast[time.Duration]
	active               *Broadcast[bool]

	mu      sync.Mutex
	pending []float64
}

// NewAnalogInput returns an analog input gate.
func NewAnalogInput(id string, opts AnalogInputOptions) (*AnalogInput, error) {
	if id == "" {
		return nil, fmt.Errorf("analog input: empty id")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	g := &AnalogInput{
		id:                   id,
		sampler:              opts.Sampler,
		clock:                clockOrReal(opts.Clock),
		bufSize:              opts.BufferSize,
		value:                NewBroadcast[Timestamped[float64]](),
		buffer:               NewBroadcast[[]float64](),
		maxAcceptableError:   NewBroadcast[float64](),
		maxElectricPotential: NewBroadcast[float64](),
		updateRate:           NewBroadcast[time.Duration](),
		active:               NewBroadcast[bool](),
	}
	if g.sampler == nil {
		return g, nil
	}

	if opts.UpdateRate == 0 {
		opts.UpdateRate = DefaultUpdateRate
	}
	if err := validRate(opts.UpdateRate); err != nil {
		return nil, fmt.Errorf("analog input %s: %w", id, err)
	}
	if opts.MaxAcceptableError < 0 || opts.MaxElectricPotential < 0 {
		return nil, fmt.Errorf("analog input %s: limits must not be negative", id)
	}
	g.updateRate.Publish(opts.UpdateRate)
	g.maxAcceptableError.Publish(opts.MaxAcceptableError)
	g.maxElectricPotential.Publish(opts.MaxElectricPotential)
	g.active.Publish(false)
	return g, nil
}

func (g *AnalogInput) ID() string                                { return g.id }
func (g *AnalogInput) Kind() Kind                                { return KindAnalogInput }
func (g *AnalogInput) IsActive() *Broadcast[bool]                { return g.active }
func (g *AnalogInput) IsMirror() bool                            { return g.sampler == nil }
func (g *AnalogInput) Value() *Broadcast[Timestamped[float64]]   { return g.value }
func (g *AnalogInput) Buffer() *Broadcast[[]float64]             { return g.buffer }
func (g *AnalogInput) UpdateRate() *Broadcast[time.Duration]     { return g.updateRate }
func (g *AnalogInput) MaxAcceptableError() *Broadcast[float64]   { return g.maxAcceptableError }
func (g *AnalogInput) MaxElectricPotential() *Broadcast[float64] { return g.maxElectricPotential }

// Record publishes one sample. Every BufferSize samples the batch is also
// published on the buffer route.
func (g *AnalogInput) Record(v float64) {
	g.value.Publish(Timestamped[float64]{Value: v, At: g.clock.Now()})

	g.mu.Lock()
	g.pending = append(g.pending, v)
	var full []float64
	if len(g.pending) >= g.bufSize {
		full, g.pending = g.pending, nil
	}
	g.mu.Unlock()

	if full != nil {
		g.buffer.Publish(full)
	}
}

// StartSampling asks the sampler to start at the current update rate.
func (g *AnalogInput) StartSampling() error {
	if g.sampler == nil {
		return ErrNotControllable
	}
	rate, _ := g.updateRate.Latest()
	if err := g.sampler.StartSampling(ModeAnalog, rate); err != nil {
		return fmt.Errorf("analog input %s: start sampling: %w", g.id, err)
	}
	publishFlag(g.active, true)
	return nil
}

// StopSampling stops the sampler and discards a partial buffer.
func (g *AnalogInput) StopSampling() error {
	if g.sampler == nil {
		return ErrNotControllable
	}
	if err := g.sampler.StopSampling(); err != nil {
		return fmt.Errorf("analog input %s: stop sampling: %w", g.id, err)
	}
	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()
	publishFlag(g.active, false)
	return nil
}

// SetUpdateRate changes the sampling interval. A running sampler is
// restarted with the new rate.
func (g *AnalogInput) SetUpdateRate(d time.Duration) error {
	if err := validRate(d); err != nil {
		return err
	}
	if g.sampler != nil {
		if active, _ := g.active.Latest(); active {
			if err := g.sampler.StartSampling(ModeAnalog, d); err != nil {
				return fmt.Errorf("analog input %s: restart sampling: %w", g.id, err)
			}
			monitoring.Debugf("[gate] %s: sampling every %s", g.id, d)
		}
	}
	g.updateRate.Publish(d)
	return nil
}

// SetMaxAcceptableError sets the measurement tolerance.
func (g *AnalogInput) SetMaxAcceptableError(v float64) error {
	if v < 0 {
		return fmt.Errorf("max acceptable error %v must not be negative", v)
	}
	g.maxAcceptableError.Publish(v)
	return nil
}

// SetMaxElectricPotential sets the expected full-scale input.
func (g *AnalogInput) SetMaxElectricPotential(v float64) error {
	if v < 0 {
		return fmt.Errorf("max electric potential %v must not be negative", v)
	}
	g.maxElectricPotential.Publish(v)
	return nil
}

func (g *AnalogInput) Routes() ([]*route.Binding, error) {
	host := g.sampler != nil
	s := &routeSet{id: g.id}

	bindTimestamped(s, route.PropertyValue, route.HostOnly, g.value, codec.Float64, func(v float64) error {
		g.value.Publish(Timestamped[float64]{Value: v, At: g.clock.Now()})
		return nil
	})
	bindValue(s, route.PropertyBuffer, route.HostOnly, g.buffer, codec.Float64List, func(v []float64) error {
		g.buffer.Publish(v)
		return nil
	})
	bindValue(s, route.PropertyMaxAcceptableError, route.Bidirectional, g.maxAcceptableError, codec.Float64, g.SetMaxAcceptableError)
	bindValue(s, route.PropertyMaxElectricPotential, route.Bidirectional, g.maxElectricPotential, codec.Float64, g.SetMaxElectricPotential)
	bindValue(s, route.PropertyUpdateRate, route.Bidirectional, g.updateRate, codec.Duration, g.SetUpdateRate)
	bindFlag(s, route.PropertyIsTransceiving, g.active)
	bindPing(s, route.PropertyStartSampling, host, g.StartSampling)
	bindPing(s, route.PropertyStopTransceiving, host, g.StopSampling)
	return s.result()
}
