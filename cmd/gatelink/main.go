// Command gatelink runs one device of a gatelink network: a host that owns
// gates and their drivers, or a remote that mirrors them and sends commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/gatelink/internal/config"
	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON device config")
	role        = flag.String("role", "", "Override the configured role (host or remote)")
	devMode     = flag.Bool("dev", false, "Run a host and an in-process remote over the memory transport")
	listen      = flag.String("listen", "", "Override the websocket listen address")
	dial        = flag.String("dial", "", "Override the websocket URL a remote dials")
	adminListen = flag.String("admin", "", "Override the admin listen address (\"off\" disables it)")
	verbose     = flag.Bool("verbose", false, "Log every message")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// overrides are the command line settings applied over the config file.
type overrides struct {
	Role    string
	Dev     bool
	Listen  string
	Dial    string
	Admin   string
	Verbose bool
}

func (o overrides) apply(cfg *config.DeviceConfig) {
	if cfg.Transport == nil {
		cfg.Transport = &config.TransportConfig{}
	}
	if o.Dev {
		host, kind := "host", config.TransportMemory
		cfg.Role = &host
		cfg.Transport.Kind = &kind
	}
	if o.Role != "" {
		cfg.Role = &o.Role
	}
	if o.Listen != "" {
		cfg.Transport.Listen = &o.Listen
	}
	if o.Dial != "" {
		cfg.Transport.Dial = &o.Dial
	}
	switch o.Admin {
	case "":
	case "off":
		off := ""
		cfg.AdminListen = &off
	default:
		cfg.AdminListen = &o.Admin
	}
	if o.Verbose {
		cfg.Verbose = &o.Verbose
	}
}

// loadConfig reads path, or starts from an empty config when path is "",
// then applies o and validates the result.
func loadConfig(path string, o overrides) (*config.DeviceConfig, error) {
	cfg := config.EmptyDeviceConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadDeviceConfig(path); err != nil {
			return nil, err
		}
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configFile, overrides{
		Role:    *role,
		Dev:     *devMode,
		Listen:  *listen,
		Dial:    *dial,
		Admin:   *adminListen,
		Verbose: *verbose,
	})
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	monitoring.SetVerbose(cfg.GetVerbose())
	log.Printf("%s starting as %s %q over %s", version.String(), cfg.GetRole(), cfg.GetDeviceID(), cfg.GetTransportKind())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDevice(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up device: %v", err)
	}
	err = d.run(ctx)
	d.close()
	if err != nil {
		log.Printf("Device stopped: %v", err)
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}
