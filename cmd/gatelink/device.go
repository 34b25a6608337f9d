package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/gatelink/internal/comm"
	"github.com/banshee-data/gatelink/internal/config"
	"github.com/banshee-data/gatelink/internal/gate"
	"github.com/banshee-data/gatelink/internal/httputil"
	"github.com/banshee-data/gatelink/internal/journal"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/serialmux"
	"github.com/banshee-data/gatelink/internal/sim"
	"github.com/banshee-data/gatelink/internal/timeutil"
	"github.com/banshee-data/gatelink/internal/transport"
)

var errHostLost = errors.New("connection to host lost")

// drivers holds the simulated drivers behind a host's gates, keyed by gate id.
type drivers struct {
	samplers map[string]*sim.Sampler
	outputs  map[string]*sim.Output
}

// buildGates creates the configured gates. With withDrivers set every gate
// gets a simulated driver; otherwise the gates are mirrors.
func buildGates(cfgs []config.GateConfig, withDrivers bool, clock timeutil.Clock) ([]gate.Gate, *drivers, error) {
	drv := &drivers{
		samplers: make(map[string]*sim.Sampler),
		outputs:  make(map[string]*sim.Output),
	}
	gates := make([]gate.Gate, 0, len(cfgs))
	for _, gc := range cfgs {
		var g gate.Gate
		switch gate.Kind(gc.Kind) {
		case gate.KindAnalogInput:
			opts := gate.AnalogInputOptions{
				Clock:      clock,
				BufferSize: gc.GetBufferSize(),
				UpdateRate: gc.GetUpdateRate(),
			}
			var s *sim.Sampler
			if withDrivers {
				s = sim.NewSampler(clock, sim.DefaultSignal)
				opts.Sampler = s
			}
			in, err := gate.NewAnalogInput(gc.ID, opts)
			if err != nil {
				return nil, nil, err
			}
			if s != nil {
				s.BindAnalog(in)
				drv.samplers[gc.ID] = s
			}
			g = in
		case gate.KindDigitalInput:
			opts := gate.DigitalInputOptions{
				Clock:           clock,
				UpdateRate:      gc.GetUpdateRate(),
				FrequencyWindow: gc.GetFrequencyWindow(),
			}
			var s *sim.Sampler
			if withDrivers {
				s = sim.NewSampler(clock, sim.DefaultSignal)
				opts.Sampler = s
			}
			in, err := gate.NewDigitalInput(gc.ID, opts)
			if err != nil {
				return nil, nil, err
			}
			if s != nil {
				s.BindDigital(in)
				drv.samplers[gc.ID] = s
			}
			g = in
		case gate.KindDigitalOutput:
			opts := gate.DigitalOutputOptions{Clock: clock}
			if withDrivers {
				out := sim.NewOutput(gc.ID)
				opts.Actuator = out
				drv.outputs[gc.ID] = out
			}
			o, err := gate.NewDigitalOutput(gc.ID, opts)
			if err != nil {
				return nil, nil, err
			}
			g = o
		default:
			return nil, nil, fmt.Errorf("gate %q: unknown kind %q", gc.ID, gc.Kind)
		}
		gates = append(gates, g)
	}
	return gates, drv, nil
}

// device is one gatelink node and everything it owns.
type device struct {
	cfg     *config.DeviceConfig
	clock   timeutil.Clock
	comm    *comm.Communicator
	gates   []gate.Gate
	drivers *drivers
	journal *journal.Journal

	link   transport.Transport
	ws     *transport.WebSocketServer
	client *transport.WebSocketClient
	p2p    *transport.Libp2pTransport
	serial serialmux.SerialMuxInterface

	// memory transport only: an in-process remote mirroring the host
	peer     *comm.Communicator
	peerLink transport.Transport
}

func newDevice(ctx context.Context, cfg *config.DeviceConfig) (*device, error) {
	d := &device{cfg: cfg, clock: timeutil.RealClock{}}
	host := cfg.GetRole() == route.Host

	gates, drv, err := buildGates(cfg.Gates, host, d.clock)
	if err != nil {
		return nil, err
	}
	d.gates, d.drivers = gates, drv
	if len(gates) == 0 {
		log.Printf("warning: no gates configured")
	}

	var observer route.Observer
	if path := cfg.GetJournalPath(); path != "" {
		j, err := journal.Open(path, journal.Options{DeviceID: cfg.GetDeviceID(), Clock: d.clock})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		observer = j
	}

	if err := d.openLink(ctx); err != nil {
		d.close()
		return nil, err
	}

	d.comm, err = comm.New(gates, comm.Options{
		Role:      cfg.GetRole(),
		DeviceID:  cfg.GetDeviceID(),
		Emitter:   d.link,
		Observer:  observer,
		InboxSize: cfg.GetInboxSize(),
	})
	if err != nil {
		d.close()
		return nil, err
	}

	// a new remote starts empty; hosts answer it with their current state
	if n, ok := d.link.(transport.ConnectNotifier); ok && host {
		n.OnConnect(func(peer string) {
			log.Printf("peer %s connected, resyncing", peer)
			d.comm.Resync()
		})
	}

	if d.peerLink != nil {
		mirrors, _, err := buildGates(cfg.Gates, false, d.clock)
		if err != nil {
			d.close()
			return nil, err
		}
		d.peer, err = comm.New(mirrors, comm.Options{
			Role:      route.Remote,
			DeviceID:  cfg.GetDeviceID() + "-mirror",
			Emitter:   d.peerLink,
			InboxSize: cfg.GetInboxSize(),
		})
		if err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

// openLink creates the transport selected by the config.
func (d *device) openLink(ctx context.Context) error {
	cfg := d.cfg
	codec := cfg.GetCodec()
	switch cfg.GetTransportKind() {
	case config.TransportWebSocket:
		settings := transport.DefaultWebSocketSettings()
		settings.InboxSize = cfg.GetInboxSize()
		if cfg.GetRole() == route.Host {
			d.ws = transport.NewWebSocketServer(codec, settings)
			d.link = d.ws
			return nil
		}
		client, err := transport.DialWebSocket(ctx, cfg.GetDial(), codec, settings)
		if err != nil {
			return fmt.Errorf("dial host: %w", err)
		}
		d.client = client
		d.link = client
	case config.TransportSerial:
		mux, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), cfg.GetSerialOptions())
		if err != nil {
			return fmt.Errorf("open serial port: %w", err)
		}
		d.serial = mux
		d.link = transport.NewSerialTransport(mux, cfg.GetInboxSize())
	case config.TransportLibp2p:
		t, err := transport.NewLibp2pTransport(ctx, cfg.GetLibp2pOptions(), codec)
		if err != nil {
			return fmt.Errorf("start libp2p: %w", err)
		}
		log.Printf("libp2p peer %s listening on %v", t.PeerID(), t.ListenAddrs())
		d.p2p = t
		d.link = t
	case config.TransportMemory:
		hub := transport.NewMemoryHub(codec, cfg.GetInboxSize())
		d.link = hub.Host()
		d.peerLink = hub.Connect()
	default:
		return fmt.Errorf("unknown transport kind %q", cfg.GetTransportKind())
	}
	return nil
}

// run starts the device and blocks until ctx is done, a server fails, or a
// remote loses its host. Routes are then drained for up to the configured
// drain timeout.
func (d *device) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failure error
	)
	fail := func(err error) {
		mu.Lock()
		if failure == nil {
			failure = err
		}
		mu.Unlock()
		cancel()
	}

	pump := func(c *comm.Communicator, t transport.Transport, name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := transport.Pump(ctx, t, c); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s pump stopped: %v", name, err)
			}
			log.Printf("%s pump routine terminated", name)
		}()
	}

	// the mirror starts first so it sees the host's start-up replay
	if d.peer != nil {
		if err := d.peer.Start(ctx); err != nil {
			return fmt.Errorf("start mirror: %w", err)
		}
		pump(d.peer, d.peerLink, "mirror")
	}
	if err := d.comm.Start(ctx); err != nil {
		if d.peer != nil {
			d.peer.Stop()
		}
		cancel()
		wg.Wait()
		return fmt.Errorf("start communicator: %w", err)
	}
	pump(d.comm, d.link, "device")
	d.startSampling()

	for addr, mux := range d.handlers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, addr, mux, fail)
		}()
	}

	if d.client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-d.client.Done():
				fail(errHostLost)
			case <-ctx.Done():
			}
		}()
	}

	<-ctx.Done()
	log.Printf("draining routes (up to %s)", d.cfg.GetDrainTimeout())
	drainCtx, drainCancel := context.WithTimeout(context.Background(), d.cfg.GetDrainTimeout())
	defer drainCancel()
	if err := d.comm.StopAndWait(drainCtx); err != nil {
		log.Printf("route drain incomplete: %v", err)
	}
	if d.peer != nil {
		if err := d.peer.StopAndWait(drainCtx); err != nil {
			log.Printf("mirror drain incomplete: %v", err)
		}
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	return failure
}

// startSampling starts every simulated input in its default mode so a host
// publishes readings without waiting for a remote to ask.
func (d *device) startSampling() {
	for _, g := range d.gates {
		if _, ok := d.drivers.samplers[g.ID()]; !ok {
			continue
		}
		var err error
		switch in := g.(type) {
		case *gate.AnalogInput:
			err = in.StartSampling()
		case *gate.DigitalInput:
			err = in.StartSampling(gate.ModeBinaryState)
		}
		if err != nil {
			log.Printf("failed to start sampling %s: %v", g.ID(), err)
		}
	}
}

// handlers groups the HTTP handlers by listen address. The websocket
// endpoint and the admin pages share a server when their addresses match.
func (d *device) handlers() map[string]*http.ServeMux {
	muxes := make(map[string]*http.ServeMux)
	at := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		return m
	}
	if d.ws != nil {
		at(d.cfg.GetListen()).Handle(d.cfg.GetWebSocketPath(), d.ws)
	}
	if addr := d.cfg.GetAdminListen(); addr != "" {
		d.attachAdminRoutes(at(addr))
	}
	return muxes
}

// PeerStatus is served by the peers debug page.
type PeerStatus struct {
	Transport string   `json:"transport"`
	Peers     []string `json:"peers"`
	PeerID    string   `json:"peer_id,omitempty"`
}

// DriverStatus is served by the sim debug page.
type DriverStatus struct {
	Samplers map[string]SamplerStatus   `json:"samplers"`
	Outputs  map[string]sim.OutputState `json:"outputs"`
}

type SamplerStatus struct {
	Running bool      `json:"running"`
	Mode    gate.Mode `json:"mode,omitempty"`
	Rate    string    `json:"rate,omitempty"`
	Samples uint64    `json:"samples"`
}

func (d *device) peerStatus() PeerStatus {
	st := PeerStatus{Transport: d.cfg.GetTransportKind(), Peers: []string{}}
	switch {
	case d.ws != nil:
		st.Peers = d.ws.Connections()
	case d.p2p != nil:
		st.Peers = d.p2p.TopicPeers()
		st.PeerID = d.p2p.PeerID()
	case d.client != nil:
		st.Peers = []string{d.cfg.GetDial()}
	case d.peerLink != nil:
		st.Peers = []string{d.cfg.GetDeviceID() + "-mirror"}
	}
	sort.Strings(st.Peers)
	return st
}

func (d *device) driverStatus() DriverStatus {
	st := DriverStatus{
		Samplers: make(map[string]SamplerStatus, len(d.drivers.samplers)),
		Outputs:  make(map[string]sim.OutputState, len(d.drivers.outputs)),
	}
	for id, s := range d.drivers.samplers {
		mode, rate, running := s.Running()
		ss := SamplerStatus{Running: running, Samples: s.Samples()}
		if running {
			ss.Mode, ss.Rate = mode, rate.String()
		}
		st.Samplers[id] = ss
	}
	for id, o := range d.drivers.outputs {
		st.Outputs[id] = o.Snapshot()
	}
	return st
}

func (d *device) attachAdminRoutes(mux *http.ServeMux) {
	d.comm.AttachAdminRoutes(mux)
	if d.journal != nil {
		if err := d.journal.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach journal routes: %v", err)
		}
	}
	if d.serial != nil {
		d.serial.AttachAdminRoutes(mux)
	}

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("peers", "connected peers (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, d.peerStatus())
	})
	if d.cfg.GetRole() == route.Host {
		debug.HandleFunc("sim", "simulated drivers (JSON)", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSON(w, d.driverStatus())
		})
	}
}

// serve runs an HTTP server on addr until ctx is done. A listen failure is
// reported through fail.
func serve(ctx context.Context, addr string, handler http.Handler, fail func(error)) {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fail(fmt.Errorf("HTTP server on %s: %w", addr, err))
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down HTTP server on %s...", addr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server on %s stopped", addr)
}

// close releases the drivers, transports and journal. It is safe on a
// partially built device.
func (d *device) close() {
	if d.drivers != nil {
		for id, s := range d.drivers.samplers {
			if err := s.StopSampling(); err != nil {
				log.Printf("failed to stop sampler %s: %v", id, err)
			}
		}
	}
	for _, t := range []transport.Transport{d.peerLink, d.link} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Printf("failed to close transport: %v", err)
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			log.Printf("failed to close journal: %v", err)
		}
	}
}
