package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"darn/internal/config"
	"darn/internal/discovery"
	"darn/internal/events"
	"darn/internal/geoip"
	"darn/internal/hostapi"
	"darn/internal/logging"
	"darn/internal/models"
	"darn/internal/monitor"
	"darn/internal/pipeline"
	"darn/internal/probe"
	"darn/internal/server"
	"darn/internal/storage"
	"darn/internal/verify"
)

const usage = `usage: darn [flags] [run|serve]

  run    discover, verify, probe and rank endpoints once (default)
  serve  expose the HTTP API with optional periodic re-probing
`

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		addr       = flag.String("addr", "", "address for the web server (overrides listen_addr)")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	var code int
	switch cmd {
	case "run":
		code = runOnce(ctx, cfg, logger, os.Stdout)
	case "serve":
		code = serve(ctx, cfg, logger)
	default:
		flag.Usage()
		code = 2
	}
	if code != 0 {
		logger.Sync()
		stop()
		os.Exit(code)
	}
}

// app holds the components shared by both subcommands.
type app struct {
	store   *storage.Store
	geo     *geoip.Locator
	prober  *probe.Prober
	hub     *events.Hub
	nats    *events.NATSPublisher
	client  *http.Client
	options pipeline.Options
	orch    *pipeline.Orchestrator
}

func setup(ctx context.Context, cfg config.Config, logger *zap.Logger, opts pipeline.Options) (*app, error) {
	store, err := storage.Open(ctx, cfg.DatabasePath, storage.WithLogger(logger.Named("storage")))
	if err != nil {
		return nil, fmt.Errorf("initialise storage: %w", err)
	}

	a := &app{
		store:  store,
		geo:    geoip.OpenOptional(cfg.GeoIPDBPath, logger.Named("geoip")),
		hub:    events.NewHub(0),
		client: hostapi.NewClient(cfg.Workers),
	}

	verifier := verify.New(a.client, verify.Options{
		Port:             cfg.Port,
		MetadataTimeout:  cfg.MetadataTimeout(),
		InferenceTimeout: cfg.InferenceTimeout(),
		Geo:              a.geo,
		Logger:           logger.Named("verify"),
	})
	a.prober = probe.New(a.client, probe.Options{
		Port:    cfg.Port,
		Timeout: cfg.ProbeTimeout(),
		Logger:  logger.Named("probe"),
	})

	sinks := events.Multi{a.hub}
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.Named("nats"))
		if err != nil {
			logger.Warn("event publisher disabled", zap.Error(err))
		} else {
			a.nats = pub
			sinks = append(sinks, pub)
		}
	}

	var provider discovery.Provider
	if cfg.Discovery.APIKey != "" {
		provider = discovery.NewShodanClient(cfg.Discovery.APIKey, cfg.Discovery.BaseURL, logger.Named("discovery"))
	}

	opts.Workers = cfg.Workers
	opts.Query = cfg.Discovery.Query
	opts.Limit = cfg.Discovery.Limit
	opts.CSVPath = cfg.CSVPath
	opts.Events = sinks
	opts.Logger = logger.Named("pipeline")
	a.options = opts
	a.orch = pipeline.New(verifier, a.prober, store, provider, opts)
	return a, nil
}

func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	a.geo.Close()
	a.store.Close()
}

func runOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer) int {
	opts := pipeline.Options{
		OnDiscover: func(candidates []string, created int) {
			fmt.Fprintln(out, "Discovered candidate endpoints:")
			for _, ip := range candidates {
				fmt.Fprintln(out, ip)
			}
			fmt.Fprintf(out, "Stored %d new endpoint(s).\n", created)
		},
		OnVerify: func(done, total int, res models.VerificationOutcome) {
			mark := "✓"
			if !res.OK() {
				mark = "✗"
			}
			fmt.Fprintf(out, "[%d/%d] %s %s\n", done, total, mark, res.IP)
		},
	}
	if cfg.Preflight.Target != "" {
		target, timeout := cfg.Preflight.Target, cfg.PreflightTimeout()
		opts.Preflight = func(ctx context.Context) models.ConnectivityStatus {
			return monitor.CheckUplink(ctx, target, timeout)
		}
	}

	a, err := setup(ctx, cfg, logger, opts)
	if err != nil {
		logger.Error("setup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	if n, err := a.store.CountEndpoints(ctx); err == nil && n > 0 {
		fmt.Fprintln(out, "Endpoints already stored; skipping discovery.")
	}
	rep, err := a.orch.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printReport(out, rep)
	return 0
}

func printReport(out io.Writer, rep *pipeline.Report) {
	if len(rep.Candidates) == 0 {
		fmt.Fprintln(out, "No candidate endpoints found.")
		return
	}

	fmt.Fprintln(out, "Verification results:")
	for _, rec := range rep.Verifications {
		fmt.Fprintf(out, "- %s: %s (latency_ms=%s, models=%v)\n", rec.IP, okWord(rec.OK), optInt64(rec.LatencyMs), rec.Models)
	}
	fmt.Fprintf(out, "Stored/updated %d verification record(s).\n", rep.Verified)
	fmt.Fprintf(out, "Wrote CSV: %s\n", rep.CSVPath)

	if len(rep.Probes) > 0 {
		fmt.Fprintln(out, "Probe results:")
		for _, p := range rep.Probes {
			fmt.Fprintf(out, "- %s [%s]: latency_ms=%s, status_code=%s, error=%s\n",
				p.IP, optString(p.Model), optInt64(p.LatencyMs), optInt(p.StatusCode), optString(p.Error))
		}
		fmt.Fprintf(out, "Stored %d probe record(s).\n", rep.Probed)
	} else {
		fmt.Fprintln(out, "No probe candidates (need verified endpoints with models).")
	}

	fmt.Fprintln(out, "Ranked endpoints (best first):")
	for _, item := range rep.Ranked {
		fmt.Fprintf(out, "- %s: score=%.1f, latency_ms=%s, models=%v, ok=%t\n",
			item.IP, item.Score, optInt64(item.LatencyMs), item.Models, item.OK)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) int {
	var conn *monitor.ConnectivityMonitor
	opts := pipeline.Options{}
	if cfg.Preflight.Target != "" {
		conn = monitor.NewConnectivityMonitor(cfg.Preflight.Target, cfg.PreflightTimeout(), time.Minute)
		opts.Preflight = conn.Check
	}

	a, err := setup(ctx, cfg, logger, opts)
	if err != nil {
		logger.Error("setup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	srvOpts := server.Options{
		Addr:        cfg.ListenAddr,
		CORSOrigins: cfg.CORSOrigins,
		Hub:         a.hub,
		Client:      a.client,
		Port:        cfg.Port,
		Logger:      logger.Named("server"),
	}
	if conn != nil {
		conn.Start()
		defer conn.Stop()
		srvOpts.Connectivity = conn
	}

	if interval := cfg.MonitorInterval(); interval > 0 {
		mon := monitor.New(interval, a.store, a.prober, monitor.Options{
			Workers: cfg.Workers,
			Events:  a.options.Events,
			Logger:  logger.Named("monitor"),
			Guard:   a.orch,
		})
		mon.Start()
		defer mon.Stop()
	}

	srv := server.New(a.store, a.orch, srvOpts)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("DARN API listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("database", cfg.DatabasePath),
		zap.Int("monitor_interval_minutes", cfg.Monitor.IntervalMinutes))
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	return 0
}

func okWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func optInt64(v *int64) string {
	if v == nil {
		return "none"
	}
	return strconv.FormatInt(*v, 10)
}

func optInt(v *int) string {
	if v == nil {
		return "none"
	}
	return strconv.Itoa(*v)
}

func optString(v *string) string {
	if v == nil {
		return "none"
	}
	return *v
}
