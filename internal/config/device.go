// Package config loads the JSON configuration of one gatelink device.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/gatelink/internal/gate"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/serialmux"
	"github.com/banshee-data/gatelink/internal/transport"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportSerial    = "serial"
	TransportLibp2p    = "libp2p"
	// TransportMemory runs a host and one in-process remote, for demos.
	TransportMemory = "memory"
)

const (
	DefaultDeviceID     = "gatelink"
	DefaultListen       = ":8090"
	DefaultWebSocketURL = "/gatelink"
	DefaultAdminListen  = "localhost:8091"
	DefaultDrainTimeout = 2 * time.Second
)

// DeviceConfig is the root configuration of a device. Every field is
// optional; the Get* methods supply defaults.
type DeviceConfig struct {
	Role         *string          `json:"role,omitempty"` // "host" or "remote"
	DeviceID     *string          `json:"device_id,omitempty"`
	InboxSize    *int             `json:"inbox_size,omitempty"`
	DrainTimeout *string          `json:"drain_timeout,omitempty"` // duration string like "2s"
	AdminListen  *string          `json:"admin_listen,omitempty"`
	JournalPath  *string          `json:"journal_path,omitempty"`
	Verbose      *bool            `json:"verbose,omitempty"`
	Transport    *TransportConfig `json:"transport,omitempty"`
	Gates        []GateConfig     `json:"gates,omitempty"`
}

// TransportConfig selects and configures the link to the peer devices.
type TransportConfig struct {
	Kind  *string `json:"kind,omitempty"`
	Codec *string `json:"codec,omitempty"` // "json" or "proto"

	// websocket: hosts listen, remotes dial
	Listen *string `json:"listen,omitempty"`
	Path   *string `json:"path,omitempty"`
	Dial   *string `json:"dial,omitempty"`

	// serial
	SerialPort *string                `json:"serial_port,omitempty"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty"`

	Libp2p *Libp2pConfig `json:"libp2p,omitempty"`
}

type Libp2pConfig struct {
	Topic           *string  `json:"topic,omitempty"`
	ListenAddrs     []string `json:"listen_addrs,omitempty"`
	Bootstrap       []string `json:"bootstrap,omitempty"`
	Rendezvous      *string  `json:"rendezvous,omitempty"`
	EnableMDNS      *bool    `json:"enable_mdns,omitempty"`
	IdentityKeyFile *string  `json:"identity_key_file,omitempty"`
}

// GateConfig declares one gate. Hosts attach simulated or real drivers to
// it; remotes build a mirror.
type GateConfig struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"`
	UpdateRate      *string `json:"update_rate,omitempty"`
	BufferSize      *int    `json:"buffer_size,omitempty"`
	FrequencyWindow *int    `json:"frequency_window,omitempty"`
}

// EmptyDeviceConfig returns a DeviceConfig with all fields unset.
func EmptyDeviceConfig() *DeviceConfig {
	return &DeviceConfig{}
}

// LoadDeviceConfig loads a DeviceConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadDeviceConfig(path string) (*DeviceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDeviceConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DeviceConfig) Validate() error {
	if c.Role != nil {
		if _, err := route.ParseRole(*c.Role); err != nil {
			return err
		}
	}
	if c.DeviceID != nil && strings.TrimSpace(*c.DeviceID) == "" {
		return fmt.Errorf("device_id must not be empty")
	}
	if c.InboxSize != nil && *c.InboxSize < 0 {
		return fmt.Errorf("inbox_size must be non-negative, got %d", *c.InboxSize)
	}
	if c.DrainTimeout != nil && *c.DrainTimeout != "" {
		if _, err := time.ParseDuration(*c.DrainTimeout); err != nil {
			return fmt.Errorf("invalid drain_timeout '%s': %w", *c.DrainTimeout, err)
		}
	}
	if err := c.validateTransport(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Gates))
	for i, g := range c.Gates {
		if g.ID == "" {
			return fmt.Errorf("gates[%d]: id must not be empty", i)
		}
		if _, err := route.GatePath(g.ID, route.PropertyValue); err != nil {
			return fmt.Errorf("gates[%d]: %w", i, err)
		}
		if seen[g.ID] {
			return fmt.Errorf("gates[%d]: duplicate gate id %q", i, g.ID)
		}
		seen[g.ID] = true

		switch gate.Kind(g.Kind) {
		case gate.KindAnalogInput, gate.KindDigitalInput, gate.KindDigitalOutput:
		default:
			return fmt.Errorf("gates[%d]: unknown kind %q", i, g.Kind)
		}
		if g.UpdateRate != nil && *g.UpdateRate != "" {
			d, err := time.ParseDuration(*g.UpdateRate)
			if err != nil {
				return fmt.Errorf("gates[%d]: invalid update_rate '%s': %w", i, *g.UpdateRate, err)
			}
			if d <= 0 {
				return fmt.Errorf("gates[%d]: update_rate must be positive", i)
			}
		}
		if g.BufferSize != nil && *g.BufferSize <= 0 {
			return fmt.Errorf("gates[%d]: buffer_size must be positive, got %d", i, *g.BufferSize)
		}
		if g.FrequencyWindow != nil && *g.FrequencyWindow <= 0 {
			return fmt.Errorf("gates[%d]: frequency_window must be positive, got %d", i, *g.FrequencyWindow)
		}
	}
	return nil
}

func (c *DeviceConfig) validateTransport() error {
	t := c.Transport
	if t == nil {
		return nil
	}
	if t.Codec != nil {
		if _, err := transport.CodecByName(*t.Codec); err != nil {
			return err
		}
	}
	switch c.GetTransportKind() {
	case TransportWebSocket:
		if c.GetRole() == route.Remote && c.GetDial() == "" {
			return fmt.Errorf("websocket remotes need transport.dial")
		}
	case TransportSerial:
		if t.SerialPort == nil || *t.SerialPort == "" {
			return fmt.Errorf("serial transport needs transport.serial_port")
		}
		if t.Serial != nil {
			if _, err := t.Serial.Normalize(); err != nil {
				return err
			}
		}
		if t.Codec != nil && strings.EqualFold(strings.TrimSpace(*t.Codec), "proto") {
			return fmt.Errorf("serial transport frames JSON lines only")
		}
	case TransportMemory:
		if c.GetRole() != route.Host {
			return fmt.Errorf("memory transport runs as host with an in-process remote")
		}
	case TransportLibp2p:
	default:
		return fmt.Errorf("unknown transport kind %q", *t.Kind)
	}
	return nil
}

// GetRole returns the configured role, defaulting to host.
func (c *DeviceConfig) GetRole() route.Role {
	if c.Role == nil {
		return route.Host
	}
	r, err := route.ParseRole(*c.Role)
	if err != nil {
		return route.Host
	}
	return r
}

func (c *DeviceConfig) GetDeviceID() string {
	if c.DeviceID == nil || *c.DeviceID == "" {
		return DefaultDeviceID
	}
	return *c.DeviceID
}

// GetInboxSize returns the per-route inbox size; 0 selects the engine default.
func (c *DeviceConfig) GetInboxSize() int {
	if c.InboxSize == nil {
		return 0
	}
	return *c.InboxSize
}

func (c *DeviceConfig) GetDrainTimeout() time.Duration {
	if c.DrainTimeout == nil || *c.DrainTimeout == "" {
		return DefaultDrainTimeout
	}
	d, err := time.ParseDuration(*c.DrainTimeout)
	if err != nil {
		return DefaultDrainTimeout
	}
	return d
}

// GetAdminListen returns the debug server address; "" disables it.
func (c *DeviceConfig) GetAdminListen() string {
	if c.AdminListen == nil {
		return DefaultAdminListen
	}
	return *c.AdminListen
}

// GetJournalPath returns the sqlite journal path; "" disables the journal.
func (c *DeviceConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

func (c *DeviceConfig) GetVerbose() bool {
	return c.Verbose != nil && *c.Verbose
}

func (c *DeviceConfig) GetTransportKind() string {
	if c.Transport == nil || c.Transport.Kind == nil || *c.Transport.Kind == "" {
		return TransportWebSocket
	}
	return strings.ToLower(*c.Transport.Kind)
}

func (c *DeviceConfig) GetCodec() transport.FrameCodec {
	if c.Transport == nil || c.Transport.Codec == nil {
		if c.GetTransportKind() == TransportLibp2p {
			return transport.ProtoCodec{}
		}
		return transport.JSONCodec{}
	}
	codec, err := transport.CodecByName(*c.Transport.Codec)
	if err != nil {
		return transport.JSONCodec{}
	}
	return codec
}

func (c *DeviceConfig) GetListen() string {
	if c.Transport == nil || c.Transport.Listen == nil || *c.Transport.Listen == "" {
		return DefaultListen
	}
	return *c.Transport.Listen
}

// GetWebSocketPath returns the HTTP path the websocket endpoint is served on.
func (c *DeviceConfig) GetWebSocketPath() string {
	if c.Transport == nil || c.Transport.Path == nil || *c.Transport.Path == "" {
		return DefaultWebSocketURL
	}
	return *c.Transport.Path
}

func (c *DeviceConfig) GetDial() string {
	if c.Transport == nil || c.Transport.Dial == nil {
		return ""
	}
	return *c.Transport.Dial
}

func (c *DeviceConfig) GetSerialPort() string {
	if c.Transport == nil || c.Transport.SerialPort == nil {
		return ""
	}
	return *c.Transport.SerialPort
}

func (c *DeviceConfig) GetSerialOptions() serialmux.PortOptions {
	if c.Transport == nil || c.Transport.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Transport.Serial
}

// GetLibp2pOptions converts the libp2p section; the topic defaults to the
// device id.
func (c *DeviceConfig) GetLibp2pOptions() transport.Libp2pOptions {
	opts := transport.Libp2pOptions{
		Topic:     c.GetDeviceID(),
		InboxSize: c.GetInboxSize(),
	}
	if c.Transport == nil || c.Transport.Libp2p == nil {
		return opts
	}
	l := c.Transport.Libp2p
	if l.Topic != nil && *l.Topic != "" {
		opts.Topic = *l.Topic
	}
	opts.ListenAddrs = append([]string(nil), l.ListenAddrs...)
	opts.Bootstrap = append([]string(nil), l.Bootstrap...)
	if l.Rendezvous != nil {
		opts.Rendezvous = *l.Rendezvous
	}
	if l.EnableMDNS != nil {
		opts.EnableMDNS = *l.EnableMDNS
	}
	if l.IdentityKeyFile != nil {
		opts.IdentityKeyFile = *l.IdentityKeyFile
	}
	return opts
}

// GetUpdateRate returns the gate's update rate or gate.DefaultUpdateRate.
func (g GateConfig) GetUpdateRate() time.Duration {
	if g.UpdateRate == nil || *g.UpdateRate == "" {
		return gate.DefaultUpdateRate
	}
	d, err := time.ParseDuration(*g.UpdateRate)
	if err != nil || d <= 0 {
		return gate.DefaultUpdateRate
	}
	return d
}

func (g GateConfig) GetBufferSize() int {
	if g.BufferSize == nil {
		return gate.DefaultBufferSize
	}
	return *g.BufferSize
}

func (g GateConfig) GetFrequencyWindow() int {
	if g.FrequencyWindow == nil {
		return gate.DefaultFrequencyWindow
	}
	return *g.FrequencyWindow
}
