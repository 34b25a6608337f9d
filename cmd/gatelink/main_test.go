package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatelink/internal/config"
	"github.com/banshee-data/gatelink/internal/gate"
	"github.com/banshee-data/gatelink/internal/journal"
	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/testutil"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const demoConfig = `{
  "device_id": "bench1",
  "admin_listen": "",
  "gates": [
    { "id": "temp1", "kind": "analog_input", "update_rate": "10ms" },
    { "id": "tach1", "kind": "digital_input", "update_rate": "10ms" },
    { "id": "relay1", "kind": "digital_output" }
  ]
}`

func TestOverridesApply(t *testing.T) {
	cfg := config.EmptyDeviceConfig()
	overrides{
		Role:    "remote",
		Listen:  ":9000",
		Dial:    "ws://bench:9000/gatelink",
		Admin:   "localhost:9001",
		Verbose: true,
	}.apply(cfg)

	assert.Equal(t, route.Remote, cfg.GetRole())
	assert.Equal(t, ":9000", cfg.GetListen())
	assert.Equal(t, "ws://bench:9000/gatelink", cfg.GetDial())
	assert.Equal(t, "localhost:9001", cfg.GetAdminListen())
	assert.True(t, cfg.GetVerbose())
}

func TestOverridesDevAndAdminOff(t *testing.T) {
	cfg := config.EmptyDeviceConfig()
	overrides{Dev: true, Admin: "off"}.apply(cfg)

	assert.Equal(t, route.Host, cfg.GetRole())
	assert.Equal(t, config.TransportMemory, cfg.GetTransportKind())
	assert.Equal(t, "", cfg.GetAdminListen())

	// an explicit role still wins over -dev
	cfg = config.EmptyDeviceConfig()
	overrides{Dev: true, Role: "remote"}.apply(cfg)
	assert.Equal(t, route.Remote, cfg.GetRole())
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", overrides{})
	require.NoError(t, err)
	assert.Equal(t, route.Host, cfg.GetRole())
	assert.Equal(t, config.TransportWebSocket, cfg.GetTransportKind())

	cfg, err = loadConfig(filepath.Join("..", "..", "config", "remote.example.json"), overrides{Dial: "ws://10.0.0.2:8090/gatelink"})
	require.NoError(t, err)
	assert.Equal(t, route.Remote, cfg.GetRole())
	assert.Equal(t, "ws://10.0.0.2:8090/gatelink", cfg.GetDial())

	// a remote cannot run the in-process demo
	_, err = loadConfig("", overrides{Dev: true, Role: "remote"})
	assert.ErrorContains(t, err, "memory transport")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), overrides{})
	assert.Error(t, err)
}

func TestBuildGates(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, demoConfig), overrides{})
	require.NoError(t, err)
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	gates, drv, err := buildGates(cfg.Gates, true, clock)
	require.NoError(t, err)
	var kinds []gate.Kind
	for _, g := range gates {
		kinds = append(kinds, g.Kind())
	}
	want := []gate.Kind{gate.KindAnalogInput, gate.KindDigitalInput, gate.KindDigitalOutput}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("gate kinds mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, drv.samplers, 2)
	assert.Len(t, drv.outputs, 1)
	assert.False(t, gates[0].(*gate.AnalogInput).IsMirror())
	assert.False(t, gates[2].(*gate.DigitalOutput).IsMirror())

	mirrors, drv, err := buildGates(cfg.Gates, false, clock)
	require.NoError(t, err)
	assert.Empty(t, drv.samplers)
	assert.Empty(t, drv.outputs)
	assert.True(t, mirrors[0].(*gate.AnalogInput).IsMirror())
	assert.True(t, mirrors[1].(*gate.DigitalInput).IsMirror())
	assert.True(t, mirrors[2].(*gate.DigitalOutput).IsMirror())

	_, _, err = buildGates([]config.GateConfig{{ID: "x", Kind: "thermostat"}}, true, clock)
	assert.ErrorContains(t, err, "unknown kind")
}

// startDemo runs a host with an in-process mirror until the test ends.
func startDemo(t *testing.T, body string) (*device, func() error) {
	t.Helper()
	cfg, err := loadConfig(writeConfig(t, body), overrides{Dev: true})
	require.NoError(t, err)
	d, err := newDevice(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.run(ctx) }()

	var once bool
	stop := func() error {
		if once {
			return nil
		}
		once = true
		cancel()
		err := testutil.Recv(t, errc, 5*time.Second)
		d.close()
		return err
	}
	t.Cleanup(func() { stop() })

	require.Eventually(t, func() bool { return d.comm.Running() && d.peer.Running() },
		testutil.DefaultTimeout, 5*time.Millisecond)
	return d, stop
}

func TestDemoMirrorFollowsHost(t *testing.T) {
	d, stop := startDemo(t, demoConfig)

	g, ok := d.peer.Gate("temp1")
	require.True(t, ok)
	mirror := g.(*gate.AnalogInput)
	_, values := mirror.Value().Subscribe(true)
	got := testutil.Recv(t, values, testutil.DefaultTimeout)
	assert.InDelta(t, 2.5, got.Value, 1.0)

	g, ok = d.peer.Gate("tach1")
	require.True(t, ok)
	_, states := g.(*gate.DigitalInput).Value().Subscribe(true)
	testutil.Recv(t, states, testutil.DefaultTimeout)

	// a command from the mirror drives the host's simulated relay
	valuePath, err := route.GatePath("relay1", route.PropertyValue)
	require.NoError(t, err)
	on := "On"
	require.NoError(t, d.peer.Command(context.Background(), valuePath, &on))
	require.Eventually(t, func() bool {
		return d.drivers.outputs["relay1"].Snapshot().State == gate.On
	}, testutil.DefaultTimeout, 5*time.Millisecond)

	assert.NoError(t, stop())
	assert.False(t, d.comm.Running())
	assert.False(t, d.peer.Running())
}

func TestDemoJournalsTraffic(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	body := `{
  "admin_listen": "",
  "journal_path": "` + dbPath + `",
  "gates": [{ "id": "temp1", "kind": "analog_input", "update_rate": "10ms" }]
}`
	d, stop := startDemo(t, body)

	g, _ := d.peer.Gate("temp1")
	_, values := g.(*gate.AnalogInput).Value().Subscribe(true)
	testutil.Recv(t, values, testutil.DefaultTimeout)
	require.NoError(t, stop())

	j, err := journal.Open(dbPath, journal.Options{})
	require.NoError(t, err)
	defer j.Close()
	counts, err := j.Counts()
	require.NoError(t, err)
	assert.Greater(t, counts[journal.EventSent], int64(0))
}

func TestDeviceAdminRoutes(t *testing.T) {
	d, _ := startDemo(t, demoConfig)
	require.Eventually(t, func() bool {
		return d.drivers.samplers["temp1"].Samples() > 0
	}, testutil.DefaultTimeout, 5*time.Millisecond)

	mux := http.NewServeMux()
	d.attachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/peers", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var peers PeerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &peers))
	assert.Equal(t, PeerStatus{Transport: config.TransportMemory, Peers: []string{"bench1-mirror"}}, peers)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/sim", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var drivers DriverStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &drivers))
	assert.True(t, drivers.Samplers["temp1"].Running)
	assert.Equal(t, gate.ModeAnalog, drivers.Samplers["temp1"].Mode)
	assert.Equal(t, gate.ModeBinaryState, drivers.Samplers["tach1"].Mode)
	assert.Contains(t, drivers.Outputs, "relay1")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/routes", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
}

func TestHandlersShareAddress(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `{"admin_listen":":8090","transport":{"listen":":8090"}}`), overrides{})
	require.NoError(t, err)
	d, err := newDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer d.close()
	assert.Len(t, d.handlers(), 1)

	cfg, err = loadConfig(writeConfig(t, `{"admin_listen":"localhost:8091"}`), overrides{})
	require.NoError(t, err)
	d2, err := newDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer d2.close()
	assert.Len(t, d2.handlers(), 2)

	cfg, err = loadConfig(writeConfig(t, `{"admin_listen":""}`), overrides{})
	require.NoError(t, err)
	d3, err := newDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer d3.close()
	assert.Len(t, d3.handlers(), 1)
}
