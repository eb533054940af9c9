package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/cloudmesh/internal/config"
	"github.com/shurlinet/cloudmesh/pkg/meshcore"
)

func runRun(args []string) {
	if err := doRun(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	deviceFlag := fs.String("device", "", "override the local tunnel device name")
	metricsAddrFlag := fs.String("metrics-addr", "", "override the metrics listen address")
	logLevelFlag := fs.String("log-level", "", "override the log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if config.HasArchive(cfgFile) {
			fmt.Fprintln(os.Stderr, "a last-known-good config exists; run: cloudmesh config rollback")
		}
		return err
	}

	if *deviceFlag != "" {
		cfg.Device.Name = *deviceFlag
	}
	if *metricsAddrFlag != "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = *metricsAddrFlag
	}
	if *logLevelFlag != "" {
		cfg.Telemetry.LogLevel = *logLevelFlag
	}

	if err := config.Archive(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to archive config: %v\n", err)
	}

	log := newLogger(cfg.Telemetry.LogLevel)
	metrics := meshcore.NewMetrics(version, runtime.Version())

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	key, err := config.LoadKey(cfg)
	if err != nil {
		return err
	}
	cryptoStore, err := meshcore.NewSharedKeyCryptoStore(key)
	if err != nil {
		return err
	}

	var device meshcore.Device = meshcore.DummyDevice{}
	if cfg.Device.Name != "" {
		log.Warn("no platform TUN/TAP backend is linked into this build; running with a Dummy device", "requested_device", cfg.Device.Name)
	}

	socket4, socket6, err := meshcore.BindSockets(cfg.Port)
	if err != nil {
		return err
	}

	engine := meshcore.NewCloudEngine(
		engineCfg,
		meshcore.NewNodeId(),
		log,
		metrics,
		socket4,
		socket6,
		device,
		meshcore.FlatParser{},
		cryptoStore,
		nil, // PortForwarder: UPnP/NAT-PMP is out of scope; no such library in this project's dependency set
		meshcore.NoopCommandRunner{},
		resolveAddress,
	)
	for _, addr := range cfg.Peers.Reconnect {
		engine.AddReconnect(addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telemetry.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Telemetry.Metrics.ListenAddress, metrics, log)
		})
	}

	if deadline, derr := config.CheckPending(cfgFile); derr == nil && !deadline.IsZero() {
		g.Go(func() error {
			config.EnforceCommitConfirmed(gctx, cfgFile, deadline, osExit)
			return nil
		})
	}

	log.Info("cloudmesh starting", "port", cfg.Port, "device", cfg.Device.Name,
		"mesh_fingerprint", config.Fingerprint(cfg.HeaderMagic, key))
	g.Go(func() error {
		defer cancel()
		return engine.Run(gctx)
	})

	return g.Wait()
}

// resolveAddress is the meshcore.Resolver used by the reconnect list: DNS
// resolution for user-supplied "host:port" reconnect targets.
func resolveAddress(address string) ([]meshcore.PeerAddr, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	out := make([]meshcore.PeerAddr, 0, len(ips))
	for _, ip := range ips {
		udp, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip.String(), port))
		if err != nil {
			continue
		}
		out = append(out, meshcore.PeerAddrFromUDP(udp))
	}
	return out, nil
}

// serveMetrics runs the Prometheus HTTP endpoint until ctx is cancelled. It
// only ever reads the metrics registry (itself internally synchronized),
// never engine state, so running it outside the engine-owning goroutine
// does not break the engine's single-writer rule.
func serveMetrics(ctx context.Context, addr string, metrics *meshcore.Metrics, log *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", "error", err)
		}
		return nil
	}
}
