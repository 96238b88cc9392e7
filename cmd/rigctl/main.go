package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/trialrig/internal/api"
	"github.com/banshee-data/trialrig/internal/config"
	"github.com/banshee-data/trialrig/internal/serialmux"
	"github.com/banshee-data/trialrig/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to the rig config (.json or .toml)")
	port        = flag.String("port", "", "Serial port to use (overrides config, ignored in dev mode)")
	devMode     = flag.Bool("dev", false, "Run against the built-in device simulator")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	autostart   = flag.Bool("autostart", false, "Start the session as soon as the rig is up")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage:\n")
	fmt.Fprintf(out, "  rigctl [flags]                 run the rig\n")
	fmt.Fprintf(out, "  rigctl [flags] <verb> [args]   control a running rig over its API\n\n")
	fmt.Fprintf(out, "Verbs: %s\n\nFlags:\n", ctlVerbs)
	flag.PrintDefaults()
}

// Main
func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("rigctl %s\n", version.Get())
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		client := api.NewClient(baseURL(cfg.GetListen()))
		if err := runCtl(ctx, client, args, os.Stdout); err != nil {
			log.Fatalf("%s: %v", args[0], err)
		}
		return
	}

	var factory serialmux.SerialPortFactory
	if *devMode {
		factory = newDevDevice(cfg).Factory()
		log.Printf("dev mode: using the simulated device")
	} else if cfg.GetPort() == "" {
		log.Fatal("Serial port is required")
	}

	if err := run(ctx, cfg, factory, runOptions{Autostart: *autostart}); err != nil {
		log.Fatalf("rig failed: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, or starts from defaults when it is empty, and
// applies the command-line overrides.
func loadConfig(path string) (*config.RigConfig, error) {
	cfg := &config.RigConfig{}
	if path != "" {
		var err error
		if cfg, err = config.LoadRigConfig(path); err != nil {
			return nil, err
		}
	}
	if *port != "" {
		cfg.Port = port
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
