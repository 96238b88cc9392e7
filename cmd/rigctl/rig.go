package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/trialrig/internal/api"
	"github.com/banshee-data/trialrig/internal/config"
	"github.com/banshee-data/trialrig/internal/db"
	"github.com/banshee-data/trialrig/internal/device"
	"github.com/banshee-data/trialrig/internal/monitor"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/protocols/fixed"
	"github.com/banshee-data/trialrig/internal/serialmux"
	"github.com/banshee-data/trialrig/internal/sim"
	"github.com/banshee-data/trialrig/internal/timeutil"
	"github.com/banshee-data/trialrig/internal/version"
)

const (
	protocolQueryTimeout = 5 * time.Second
	stopTimeout          = 5 * time.Second
	diagnosticsInterval  = time.Minute
)

type runOptions struct {
	Autostart bool
	// Ready, when set, is called with the HTTP listener's address once the
	// rig is serving.
	Ready func(addr net.Addr)
	// DiagnosticsInterval overrides how often link diagnostics are logged.
	DiagnosticsInterval time.Duration
}

// run wires the rig together and serves until ctx is cancelled. A nil
// factory opens the real serial port.
func run(ctx context.Context, cfg *config.RigConfig, factory serialmux.SerialPortFactory, opts runOptions) error {
	clock := timeutil.RealClock{}

	proto, err := fixed.New(cfg.GetProtocol())
	if err != nil {
		return fmt.Errorf("invalid protocol: %w", err)
	}

	link, err := serialmux.OpenLink(factory, cfg.GetPort(), cfg.PortOptions(), cfg.LinkConfig(), clock)
	if err != nil {
		return err
	}
	defer link.Close()

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// The serializer and monitor outlive ctx so the session can be stopped
	// cleanly on shutdown.
	rigCtx, cancelRig := context.WithCancel(context.Background())
	defer cancelRig()

	var wg sync.WaitGroup
	ser := serialmux.NewSerializer(link)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ser.Run(rigCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("serializer stopped: %v", err)
		}
		log.Print("serializer routine terminated")
	}()
	defer wg.Wait()
	defer cancelRig()

	deviceProtocol, err := queryProtocolName(ctx, ser, cfg)
	if err != nil {
		log.Printf("failed to read the device protocol name: %v", err)
	} else {
		log.Printf("device runs protocol %q", deviceProtocol)
	}

	session, err := database.NewSession(db.SessionInfo{
		ProtocolName: deviceProtocol,
		Rig:          cfg.GetRig(),
		Operator:     cfg.GetOperator(),
		HostVersion:  version.Get().String(),
	}, clock)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	log.Printf("recording session %s to %s", session.ID(), cfg.GetDatabasePath())

	mon, err := monitor.New(ser, proto, session, monitor.Config{
		Retries:          cfg.GetCommandRetries(),
		SendTrialNumber:  cfg.GetSendTrialNumber(),
		MaxTrialDuration: cfg.GetMaxTrialDuration(),
		ResyncDelay:      cfg.GetResyncDelay(),
		Clock:            clock,
	})
	if err != nil {
		session.Close()
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(rigCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("monitor stopped: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	mux := http.NewServeMux()
	apiServer := api.NewServer(mon, database, session.ID())
	apiServer.ProtocolSummary = func() any { return proto.Summary() }
	apiServer.Register(mux)

	// mount the admin debugging routes (accessible only over localhost or
	// Tailscale)
	serialmux.AttachAdminRoutes(mux, link, mon)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("failed to attach database admin routes: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.GetListen())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetListen(), err)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(mux)}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()
	log.Printf("listening on %s", ln.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		logDiagnostics(rigCtx, mon, opts.DiagnosticsInterval)
	}()

	if opts.Autostart {
		if err := mon.Start(ctx); err != nil {
			log.Printf("failed to autostart: %v", err)
		}
	}
	if opts.Ready != nil {
		opts.Ready(ln.Addr())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		runErr = fmt.Errorf("HTTP server failed: %w", runErr)
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	if err := mon.Stop(stopCtx); err != nil {
		log.Printf("failed to stop session: %v", err)
	}
	return runErr
}

func queryProtocolName(ctx context.Context, ser *serialmux.Serializer, cfg *config.RigConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, protocolQueryTimeout)
	defer cancel()

	drv := &device.Driver{Retries: cfg.GetCommandRetries(), SendTrialNumber: cfg.GetSendTrialNumber()}
	var name string
	err := ser.Enqueue(ctx, func(l *serialmux.Link) error {
		var err error
		name, err = drv.ProtocolName(l)
		return err
	})
	return name, err
}

// logDiagnostics periodically logs the monitor state and link health.
func logDiagnostics(ctx context.Context, mon *monitor.Monitor, interval time.Duration) {
	if interval <= 0 {
		interval = diagnosticsInterval
	}
	ticker := timeutil.RealClock{}.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			st := mon.Status()
			log.Printf("state=%s trial=%d desyncs=%d dropped=%d max_gap=%v overflows=%d",
				st.State, st.Trial, st.Counters.Desyncs, st.Counters.DroppedFrames,
				st.Link.MaxGap, st.Link.Overflows)
		}
	}
}

// newDevDevice returns a simulator speaking the configured protocol's
// layout.
func newDevDevice(cfg *config.RigConfig) *sim.Device {
	return sim.New(devSimConfig(cfg))
}

// devSimConfig scripts a device that streams a second of frames per trial
// and then reports an event.
func devSimConfig(cfg *config.RigConfig) sim.Config {
	pc := cfg.GetProtocol()
	layout, _ := pc.ControllerLayout()
	channels, _ := pc.ChannelSpecs()
	events, _ := pc.EventFieldSpecs()
	return sim.Config{
		ProtocolName:    pc.Name,
		Layout:          layout,
		SendTrialNumber: cfg.GetSendTrialNumber(),
		Channels:        channels,
		StreamsPerTrial: 20,
		StreamInterval:  50 * time.Millisecond,
		Event: func(trial int) []string {
			fields := make([]string, len(events))
			for i, f := range events {
				if f.Format == protocol.FormatString {
					fields[i] = "sim"
				} else {
					fields[i] = strconv.Itoa(trial)
				}
			}
			return fields
		},
	}
}
