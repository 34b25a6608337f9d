package gate

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatelink/internal/codec"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/testutil"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

type samplerCall struct {
	Mode Mode
	Rate time.Duration
}

type fakeSampler struct {
	mu      sync.Mutex
	starts  []samplerCall
	stops   int
	failing error
}

func (f *fakeSampler) StartSampling(mode Mode, rate time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return f.failing
	}
	f.starts = append(f.starts, samplerCall{mode, rate})
	return nil
}

func (f *fakeSampler) StopSampling() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.failing
}

type fakeActuator struct {
	mu     sync.Mutex
	writes []string
	fail   error
}

func (f *fakeActuator) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.writes = append(f.writes, s)
	return nil
}

func (f *fakeActuator) WriteState(s BinaryState) error { return f.record("state " + s.String()) }
func (f *fakeActuator) WritePWM(p PWM) error           { return f.record("pwm " + PWMCodec.Encode(p)) }
func (f *fakeActuator) WriteFrequency(hz float64) error {
	return f.record("frequency " + codec.Float64.Encode(hz))
}
func (f *fakeActuator) Halt() error { return f.record("halt") }

// routeTable returns the gate's routes keyed by property.
func routeTable(t *testing.T, g Gate) map[string]*route.Binding {
	t.Helper()
	bindings, err := g.Routes()
	require.NoError(t, err)
	out := make(map[string]*route.Binding, len(bindings))
	for _, b := range bindings {
		id, prop, ok := route.SplitGatePath(b.Path())
		require.True(t, ok, b.Path().String())
		require.Equal(t, g.ID(), id)
		require.NotContains(t, out, prop, "duplicate route")
		out[prop] = b
	}
	return out
}

func directions(routes map[string]*route.Binding) map[string]route.Direction {
	out := make(map[string]route.Direction, len(routes))
	for prop, b := range routes {
		out[prop] = b.Direction()
	}
	return out
}

func TestBinaryStateCodec(t *testing.T) {
	assert.Equal(t, "On", BinaryStateCodec.Encode(On))
	assert.Equal(t, "Off", BinaryStateCodec.Encode(Off))
	for _, in := range []string{"On", "on", "ON"} {
		s, err := BinaryStateCodec.Decode(in)
		require.NoError(t, err)
		assert.Equal(t, On, s)
	}
	_, err := BinaryStateCodec.Decode("1")
	assert.Error(t, err)
}

func TestPWMCodec(t *testing.T) {
	p := PWM{DutyCycle: 0.25, FrequencyHz: 50}
	back, err := PWMCodec.Decode(PWMCodec.Encode(p))
	require.NoError(t, err)
	assert.Equal(t, p, back)

	_, err = PWMCodec.Decode(`{"duty_cycle":1.5,"frequency_hz":50}`)
	assert.Error(t, err)
	_, err = PWMCodec.Decode(`{"duty_cycle":0.5,"frequency_hz":0}`)
	assert.Error(t, err)
	_, err = PWMCodec.Decode(`not json`)
	assert.Error(t, err)
}

func TestAnalogInput_Routes(t *testing.T) {
	g, err := NewAnalogInput("temp1", AnalogInputOptions{})
	require.NoError(t, err)

	want := map[string]route.Direction{
		route.PropertyValue:                route.HostOnly,
		route.PropertyBuffer:               route.HostOnly,
		route.PropertyMaxAcceptableError:   route.Bidirectional,
		route.PropertyMaxElectricPotential: route.Bidirectional,
		route.PropertyUpdateRate:           route.Bidirectional,
		route.PropertyIsTransceiving:       route.HostOnly,
		route.PropertyStartSampling:        route.RemoteOnly,
		route.PropertyStopTransceiving:     route.RemoteOnly,
	}
	if diff := cmp.Diff(want, directions(routeTable(t, g))); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalogInput_HostDefaultsAndMirrorEmpty(t *testing.T) {
	host, err := NewAnalogInput("temp1", AnalogInputOptions{Sampler: &fakeSampler{}, MaxAcceptableError: 0.5})
	require.NoError(t, err)
	rate, ok := host.UpdateRate().Latest()
	require.True(t, ok)
	assert.Equal(t, DefaultUpdateRate, rate)
	mae, _ := host.MaxAcceptableError().Latest()
	assert.Equal(t, 0.5, mae)
	assert.False(t, host.IsMirror())

	mirror, err := NewAnalogInput("temp1", AnalogInputOptions{})
	require.NoError(t, err)
	_, ok = mirror.UpdateRate().Latest()
	assert.False(t, ok)
	assert.True(t, mirror.IsMirror())
	assert.True(t, errors.Is(mirror.StartSampling(), ErrNotControllable))

	_, err = NewAnalogInput("", AnalogInputOptions{})
	assert.Error(t, err)
	_, err = NewAnalogInput("x", AnalogInputOptions{Sampler: &fakeSampler{}, UpdateRate: -time.Second})
	assert.Error(t, err)
}

func TestAnalogInput_RecordPublishesValueAndBuffer(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	g, err := NewAnalogInput("temp1", AnalogInputOptions{Sampler: &fakeSampler{}, Clock: clock, BufferSize: 3})
	require.NoError(t, err)
	_, values := g.Value().Subscribe(false)
	_, buffers := g.Buffer().Subscribe(false)

	g.Record(21.5)
	got := testutil.Recv(t, values, time.Second)
	assert.Equal(t, 21.5, got.Value)
	assert.Equal(t, clock.Now(), got.At)

	g.Record(21.6)
	g.Record(21.7)
	assert.Equal(t, []float64{21.5, 21.6, 21.7}, testutil.Recv(t, buffers, time.Second))

	g.Record(21.8)
	testutil.AssertNoRecv(t, buffers, 20*time.Millisecond)
}

func TestAnalogInput_SamplingLifecycle(t *testing.T) {
	sampler := &fakeSampler{}
	g, err := NewAnalogInput("temp1", AnalogInputOptions{Sampler: sampler, UpdateRate: time.Second})
	require.NoError(t, err)

	require.NoError(t, g.StartSampling())
	active, _ := g.IsActive().Latest()
	assert.True(t, active)

	require.NoError(t, g.SetUpdateRate(250*time.Millisecond))
	assert.Equal(t, []samplerCall{{ModeAnalog, time.Second}, {ModeAnalog, 250 * time.Millisecond}}, sampler.starts)

	require.NoError(t, g.StopSampling())
	active, _ = g.IsActive().Latest()
	assert.False(t, active)
	assert.Equal(t, 1, sampler.stops)

	// rate changes while idle do not start the sampler
	require.NoError(t, g.SetUpdateRate(time.Second))
	assert.Len(t, sampler.starts, 2)
	assert.Error(t, g.SetUpdateRate(0))
	assert.Error(t, g.SetMaxAcceptableError(-1))
	assert.Error(t, g.SetMaxElectricPotential(-1))
}

func TestAnalogInput_MirrorPingsAreNoops(t *testing.T) {
	g, err := NewAnalogInput("temp1", AnalogInputOptions{})
	require.NoError(t, err)
	routes := routeTable(t, g)
	assert.False(t, routes[route.PropertyStartSampling].Sends(route.Remote))
	assert.True(t, routes[route.PropertyStartSampling].Listens(route.Host))
	assert.True(t, routes[route.PropertyStartSampling].HasReceiver())
}

func TestDigitalInput_Routes(t *testing.T) {
	g, err := NewDigitalInput("door", DigitalInputOptions{})
	require.NoError(t, err)
	got := directions(routeTable(t, g))

	var props []string
	for p := range got {
		props = append(props, p)
	}
	sort.Strings(props)
	assert.Equal(t, []string{
		route.PropertyAvgFrequency,
		route.PropertyIsTransceiving,
		route.PropertyIsTransceivingBinaryState,
		route.PropertyIsTransceivingFrequency,
		route.PropertyIsTransceivingPWM,
		route.PropertyPulseWidthModulate,
		route.PropertyStartSampling,
		route.PropertyStartSamplingBinaryState,
		route.PropertyStartSamplingFrequency,
		route.PropertyStartSamplingPWM,
		route.PropertyStopTransceiving,
		route.PropertyUpdateRate,
		route.PropertyValue,
	}, props)
	assert.Equal(t, route.HostOnly, got[route.PropertyValue])
	assert.Equal(t, route.RemoteOnly, got[route.PropertyStartSamplingPWM])
	assert.Equal(t, route.Bidirectional, got[route.PropertyUpdateRate])
}

func TestDigitalInput_ModesAreExclusive(t *testing.T) {
	sampler := &fakeSampler{}
	g, err := NewDigitalInput("door", DigitalInputOptions{Sampler: sampler})
	require.NoError(t, err)

	flag := func(m Mode) bool {
		v, _ := g.ModeActive(m).Latest()
		return v
	}

	require.NoError(t, g.StartSampling(ModePWM))
	assert.True(t, flag(ModePWM))
	assert.False(t, flag(ModeBinaryState))

	require.NoError(t, g.StartSampling(ModeFrequency))
	assert.False(t, flag(ModePWM))
	assert.True(t, flag(ModeFrequency))
	assert.Equal(t, ModeFrequency, g.Mode())

	require.NoError(t, g.StopSampling())
	assert.False(t, flag(ModeFrequency))
	active, _ := g.IsActive().Latest()
	assert.False(t, active)

	assert.Error(t, g.StartSampling(ModeAnalog))

	sampler.failing = errors.New("bus fault")
	assert.ErrorIs(t, g.StartSampling(ModeBinaryState), sampler.failing)
	assert.Equal(t, Mode(""), g.Mode())
}

func TestDigitalInput_AverageFrequency(t *testing.T) {
	g, err := NewDigitalInput("fan", DigitalInputOptions{Sampler: &fakeSampler{}, FrequencyWindow: 3})
	require.NoError(t, err)

	for _, hz := range []float64{10, 20, 30, 40} {
		g.RecordFrequency(hz)
	}
	avg, ok := g.AvgFrequency().Latest()
	require.True(t, ok)
	assert.InDelta(t, 30.0, avg.Value, 1e-9)

	require.NoError(t, g.StartSampling(ModeFrequency))
	g.RecordFrequency(5)
	avg, _ = g.AvgFrequency().Latest()
	assert.InDelta(t, 5.0, avg.Value, 1e-9)
}

func TestDigitalOutput_Routes(t *testing.T) {
	g, err := NewDigitalOutput("relay1", DigitalOutputOptions{})
	require.NoError(t, err)

	want := map[string]route.Direction{
		route.PropertyValue:                      route.Bidirectional,
		route.PropertyPulseWidthModulate:         route.Bidirectional,
		route.PropertySustainTransitionFrequency: route.Bidirectional,
		route.PropertyIsTransceiving:             route.HostOnly,
		route.PropertyIsTransceivingBinaryState:  route.HostOnly,
		route.PropertyIsTransceivingPWM:          route.HostOnly,
		route.PropertyIsTransceivingFrequency:    route.HostOnly,
		route.PropertyStopTransceiving:           route.RemoteOnly,
	}
	if diff := cmp.Diff(want, directions(routeTable(t, g))); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestDigitalOutput_HostDrivesActuator(t *testing.T) {
	act := &fakeActuator{}
	g, err := NewDigitalOutput("relay1", DigitalOutputOptions{Actuator: act})
	require.NoError(t, err)

	require.NoError(t, g.SetState(On))
	require.NoError(t, g.SetPWM(PWM{DutyCycle: 0.5, FrequencyHz: 100}))
	require.NoError(t, g.SetFrequency(2))
	require.NoError(t, g.Stop())

	assert.Equal(t, []string{
		"state On",
		`pwm {"duty_cycle":0.5,"frequency_hz":100}`,
		"frequency 2",
		"halt",
	}, act.writes)

	v, _ := g.Value().Latest()
	assert.Equal(t, On, v.Value)
	active, _ := g.IsActive().Latest()
	assert.False(t, active)

	assert.Error(t, g.SetPWM(PWM{DutyCycle: 2, FrequencyHz: 1}))
	assert.Error(t, g.SetFrequency(0))
}

func TestDigitalOutput_ActuatorFailureLeavesValue(t *testing.T) {
	act := &fakeActuator{fail: errors.New("relay stuck")}
	g, err := NewDigitalOutput("relay1", DigitalOutputOptions{Actuator: act})
	require.NoError(t, err)

	assert.ErrorIs(t, g.SetState(On), act.fail)
	_, ok := g.Value().Latest()
	assert.False(t, ok)
}

func TestDigitalOutput_MirrorOnlyRecords(t *testing.T) {
	g, err := NewDigitalOutput("relay1", DigitalOutputOptions{})
	require.NoError(t, err)

	require.NoError(t, g.SetState(On))
	v, ok := g.Value().Latest()
	require.True(t, ok)
	assert.Equal(t, On, v.Value)

	_, ok = g.IsActive().Latest()
	assert.False(t, ok, "mirrors learn activity from the host")
	assert.True(t, errors.Is(g.Stop(), ErrNotControllable))
}
