package sim

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatelink/internal/gate"
	"github.com/banshee-data/gatelink/internal/testutil"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSignalShapes(t *testing.T) {
	s := Signal{Offset: 2, Amplitude: 1, Period: 4 * time.Second, DutyCycle: 0.25, FrequencyHz: 100}

	assert.InDelta(t, 2.0, s.Analog(0), 1e-9)
	assert.InDelta(t, 3.0, s.Analog(time.Second), 1e-9)
	assert.InDelta(t, 1.0, s.Analog(3*time.Second), 1e-9)
	assert.InDelta(t, 3.0, s.Analog(5*time.Second), 1e-9, "periodic")

	assert.Equal(t, gate.On, s.State(500*time.Millisecond))
	assert.Equal(t, gate.Off, s.State(2*time.Second))

	p := s.PWM(time.Second)
	assert.InDelta(t, 0.35, p.DutyCycle, 1e-9)
	assert.Equal(t, 100.0, p.FrequencyHz)
	assert.NoError(t, p.Validate())

	assert.InDelta(t, 105.0, s.Frequency(time.Second), 1e-9)

	flat := Signal{Offset: 1}
	assert.Equal(t, 1.0, flat.Analog(time.Hour))
	assert.False(t, math.IsNaN(flat.Frequency(time.Hour)))
}

func TestSamplerDrivesAnalogInput(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	sampler := NewSampler(clock, Signal{Offset: 2, Amplitude: 1, Period: 400 * time.Millisecond})
	g, err := gate.NewAnalogInput("temp1", gate.AnalogInputOptions{Sampler: sampler, Clock: clock})
	require.NoError(t, err)
	sampler.BindAnalog(g)
	_, values := g.Value().Subscribe(false)

	require.NoError(t, g.StartSampling())
	assert.Equal(t, 1, clock.Tickers())
	mode, rate, running := sampler.Running()
	assert.True(t, running)
	assert.Equal(t, gate.ModeAnalog, mode)
	assert.Equal(t, gate.DefaultUpdateRate, rate)

	clock.Advance(gate.DefaultUpdateRate)
	got := testutil.Recv(t, values, testutil.DefaultTimeout)
	assert.InDelta(t, 3.0, got.Value, 1e-9)
	assert.Equal(t, t0.Add(gate.DefaultUpdateRate), got.At)
	assert.Equal(t, uint64(1), sampler.Samples())

	require.NoError(t, g.StopSampling())
	_, _, running = sampler.Running()
	assert.False(t, running)
	require.Eventually(t, func() bool { return clock.Tickers() == 0 }, testutil.DefaultTimeout, time.Millisecond)
}

func TestSamplerDigitalModes(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	sampler := NewSampler(clock, DefaultSignal)
	g, err := gate.NewDigitalInput("tach1", gate.DigitalInputOptions{Sampler: sampler, Clock: clock})
	require.NoError(t, err)
	sampler.BindDigital(g)

	_, states := g.Value().Subscribe(false)
	require.NoError(t, g.StartSampling(gate.ModeBinaryState))
	clock.Advance(gate.DefaultUpdateRate)
	assert.Equal(t, gate.On, testutil.Recv(t, states, testutil.DefaultTimeout).Value)

	_, pwms := g.PWM().Subscribe(false)
	require.NoError(t, g.StartSampling(gate.ModePWM))
	clock.Advance(gate.DefaultUpdateRate)
	pwm := testutil.Recv(t, pwms, testutil.DefaultTimeout).Value
	assert.Equal(t, DefaultSignal.FrequencyHz, pwm.FrequencyHz)

	_, freqs := g.AvgFrequency().Subscribe(false)
	require.NoError(t, g.StartSampling(gate.ModeFrequency))
	clock.Advance(gate.DefaultUpdateRate)
	avg := testutil.Recv(t, freqs, testutil.DefaultTimeout).Value
	assert.InDelta(t, DefaultSignal.FrequencyHz, avg, DefaultSignal.FrequencyHz*0.05)
}

func TestSamplerRejectsForeignModes(t *testing.T) {
	analog := NewSampler(nil, DefaultSignal)
	g, err := gate.NewAnalogInput("a", gate.AnalogInputOptions{Sampler: analog})
	require.NoError(t, err)
	analog.BindAnalog(g)
	assert.True(t, errors.Is(analog.StartSampling(gate.ModePWM, time.Second), ErrUnsupportedMode))
	assert.Error(t, analog.StartSampling(gate.ModeAnalog, 0))

	unbound := NewSampler(nil, DefaultSignal)
	assert.True(t, errors.Is(unbound.StartSampling(gate.ModeAnalog, time.Second), ErrUnsupportedMode))
}

func TestOutputRecordsCommands(t *testing.T) {
	out := NewOutput("relay1")
	g, err := gate.NewDigitalOutput("relay1", gate.DigitalOutputOptions{Actuator: out})
	require.NoError(t, err)

	require.NoError(t, g.SetState(gate.On))
	assert.Equal(t, OutputState{State: gate.On, Writes: 1}, out.Snapshot())

	pwm := gate.PWM{DutyCycle: 0.25, FrequencyHz: 50}
	require.NoError(t, g.SetPWM(pwm))
	snap := out.Snapshot()
	require.NotNil(t, snap.PWM)
	assert.Equal(t, pwm, *snap.PWM)

	require.NoError(t, g.SetFrequency(12.5))
	assert.Equal(t, 12.5, out.Snapshot().Frequency)
	assert.Nil(t, out.Snapshot().PWM)

	require.NoError(t, g.Stop())
	snap = out.Snapshot()
	assert.True(t, snap.Halted)
	assert.Equal(t, gate.Off, snap.State)

	assert.Error(t, out.WriteFrequency(-1))
	assert.Error(t, out.WritePWM(gate.PWM{DutyCycle: 2}))
}
