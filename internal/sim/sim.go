// Package sim provides simulated gate drivers so a host can run without
// hardware. Samplers generate readings from a Signal on a clock ticker;
// Output records what it is asked to drive.
package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/gatelink/internal/gate"
	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

var ErrUnsupportedMode = errors.New("mode not supported by this sampler")

// Signal shapes the simulated readings. Analog readings follow
// Offset + Amplitude*sin(2πt/Period); binary readings are On for the first
// DutyCycle fraction of each period.
type Signal struct {
	Offset      float64
	Amplitude   float64
	Period      time.Duration
	DutyCycle   float64
	FrequencyHz float64
}

// DefaultSignal is a slow one volt swing around 2.5V with a 1kHz carrier.
var DefaultSignal = Signal{
	Offset:      2.5,
	Amplitude:   1,
	Period:      10 * time.Second,
	DutyCycle:   0.5,
	FrequencyHz: 1000,
}

func (s Signal) phase(elapsed time.Duration) float64 {
	if s.Period <= 0 {
		return 0
	}
	return math.Mod(float64(elapsed), float64(s.Period)) / float64(s.Period)
}

// Analog returns the analog reading elapsed into the signal.
func (s Signal) Analog(elapsed time.Duration) float64 {
	return s.Offset + s.Amplitude*math.Sin(2*math.Pi*s.phase(elapsed))
}

func (s Signal) State(elapsed time.Duration) gate.BinaryState {
	return gate.BinaryState(s.phase(elapsed) < s.DutyCycle)
}

// PWM wobbles the duty cycle around DutyCycle, clamped to [0,1].
func (s Signal) PWM(elapsed time.Duration) gate.PWM {
	duty := s.DutyCycle + 0.1*math.Sin(2*math.Pi*s.phase(elapsed))
	return gate.PWM{DutyCycle: math.Max(0, math.Min(1, duty)), FrequencyHz: s.FrequencyHz}
}

func (s Signal) Frequency(elapsed time.Duration) float64 {
	return s.FrequencyHz * (1 + 0.05*math.Sin(2*math.Pi*s.phase(elapsed)))
}

// Sampler implements gate.Sampler for one bound gate.
type Sampler struct {
	clock  timeutil.Clock
	signal Signal

	mu      sync.Mutex
	analog  *gate.AnalogInput
	digital *gate.DigitalInput
	stop    chan struct{}
	mode    gate.Mode
	rate    time.Duration
	epoch   time.Time
	samples uint64
}

func NewSampler(clock timeutil.Clock, signal Signal) *Sampler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sampler{clock: clock, signal: signal, epoch: clock.Now()}
}

// BindAnalog directs readings to g. Only ModeAnalog is accepted afterwards.
func (s *Sampler) BindAnalog(g *gate.AnalogInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analog, s.digital = g, nil
}

// BindDigital directs readings to g. Every digital mode is accepted.
func (s *Sampler) BindDigital(g *gate.DigitalInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analog, s.digital = nil, g
}

func (s *Sampler) StartSampling(mode gate.Mode, rate time.Duration) error {
	if rate <= 0 {
		return fmt.Errorf("sample rate %s must be positive", rate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.analog != nil && mode == gate.ModeAnalog:
	case s.digital != nil && mode != gate.ModeAnalog:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}

	// restarting replaces the running loop
	s.stopLocked()
	stop := make(chan struct{})
	s.stop, s.mode, s.rate = stop, mode, rate
	ticker := s.clock.NewTicker(rate)
	go s.run(ticker, stop, mode)
	monitoring.Debugf("[sim] sampling %s every %s", mode, rate)
	return nil
}

func (s *Sampler) StopSampling() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Sampler) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// Running reports the active mode and rate.
func (s *Sampler) Running() (gate.Mode, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.rate, s.stop != nil
}

// Samples returns the number of readings produced.
func (s *Sampler) Samples() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// run does not hold s.mu while recording: gates call back into the sampler
// under their own locks.
func (s *Sampler) run(ticker timeutil.Ticker, stop <-chan struct{}, mode gate.Mode) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C():
			s.mu.Lock()
			analog, digital := s.analog, s.digital
			elapsed := now.Sub(s.epoch)
			s.samples++
			s.mu.Unlock()

			switch {
			case analog != nil:
				analog.Record(s.signal.Analog(elapsed))
			case digital != nil && mode == gate.ModePWM:
				digital.RecordPWM(s.signal.PWM(elapsed))
			case digital != nil && mode == gate.ModeFrequency:
				digital.RecordFrequency(s.signal.Frequency(elapsed))
			case digital != nil:
				digital.RecordState(s.signal.State(elapsed))
			}
		}
	}
}

// Output implements gate.Actuator by remembering the last command.
type Output struct {
	mu        sync.Mutex
	name      string
	state     gate.BinaryState
	pwm       *gate.PWM
	frequency float64
	writes    int
	halted    bool
}

func NewOutput(name string) *Output {
	return &Output{name: name}
}

func (o *Output) WriteState(s gate.BinaryState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state, o.pwm, o.frequency, o.halted = s, nil, 0, false
	o.writes++
	monitoring.Debugf("[sim] %s state %s", o.name, s)
	return nil
}

func (o *Output) WritePWM(p gate.PWM) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pwm, o.frequency, o.halted = &p, 0, false
	o.writes++
	monitoring.Debugf("[sim] %s pwm duty=%.3f f=%.1fHz", o.name, p.DutyCycle, p.FrequencyHz)
	return nil
}

func (o *Output) WriteFrequency(hz float64) error {
	if hz < 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return fmt.Errorf("invalid frequency %v", hz)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frequency, o.pwm, o.halted = hz, nil, false
	o.writes++
	monitoring.Debugf("[sim] %s frequency %.1fHz", o.name, hz)
	return nil
}

func (o *Output) Halt() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state, o.pwm, o.frequency, o.halted = gate.Off, nil, 0, true
	monitoring.Debugf("[sim] %s halted", o.name)
	return nil
}

// OutputState is a snapshot of an Output.
type OutputState struct {
	State     gate.BinaryState `json:"state"`
	PWM       *gate.PWM        `json:"pwm,omitempty"`
	Frequency float64          `json:"frequency_hz,omitempty"`
	Writes    int              `json:"writes"`
	Halted    bool             `json:"halted"`
}

func (o *Output) Snapshot() OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := OutputState{State: o.state, Frequency: o.frequency, Writes: o.writes, Halted: o.halted}
	if o.pwm != nil {
		p := *o.pwm
		st.PWM = &p
	}
	return st
}
