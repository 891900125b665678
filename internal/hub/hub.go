package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pve-pulse/internal/broadcast"
	"pve-pulse/internal/cache"
	"pve-pulse/internal/collector"
	"pve-pulse/internal/config"
	"pve-pulse/internal/metrics"
	"pve-pulse/internal/rate"
	"pve-pulse/internal/server"
	"pve-pulse/internal/source"
	"pve-pulse/internal/store"
	"pve-pulse/internal/stream"
)

// Hub owns the cache and every component that reads or writes it.
type Hub struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Registry
	cache     *cache.Cache
	scheduler *collector.Scheduler
	coord     *broadcast.Coordinator
	server    *server.Server
	forwarder *stream.Forwarder
	store     *store.SnapshotStore
	health    *HealthStatus
}

func New(cfg config.Config, logger *slog.Logger) (*Hub, error) {
	upstreamTLS, err := cfg.UpstreamTLSConfig()
	if err != nil {
		return nil, &config.ConfigurationError{Field: "tls_ca_path", Reason: err.Error()}
	}

	reg := metrics.New()
	c := cache.New()
	rates := rate.NewTracker(cfg.RateWindow)
	client := source.NewClient(upstreamTLS, cfg.FetchTimeout, logger)

	names := make([]string, 0, len(cfg.Clusters))
	for _, ep := range cfg.Clusters {
		names = append(names, ep.Name)
	}
	health := NewHealthStatus(names, cfg.StaleAfter, cfg.ForwardMode != config.ForwardModeNone)

	nodes := collector.NewNodeCollector(client, rates, cfg.MaxConcurrentContainers, logger, reg)
	aggregator := collector.NewAggregator(cfg.Clusters, client, nodes, c, cfg.MaxConcurrentNodes, logger, reg)
	pruner := collector.NewPruner(c, rates, cfg.StaleAfter, logger, reg)
	scheduler := collector.NewScheduler(logger, aggregator, pruner, cfg.PollInterval, cfg.PruneInterval, health.ObserveCycle)

	coord := broadcast.NewCoordinator(c, cfg.BroadcastInterval, logger, reg)
	ws := broadcast.NewWSHandler(coord, cfg.WebSocketWriteTimeout, cfg.WebSocketPingInterval, logger, reg)

	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		metrics:   reg,
		cache:     c,
		scheduler: scheduler,
		coord:     coord,
		health:    health,
	}

	handler := server.NewHandler(logger, c, coord, h.healthReport, cfg.Version)
	h.server = server.New(cfg.ListenAddr(), server.NewRouter(handler, ws, reg.Handler()), cfg.ShutdownTimeout, logger)

	sink, err := stream.NewSinkFromConfig(cfg, logger)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "forward", Reason: err.Error()}
	}
	if sink != nil {
		h.forwarder = stream.NewForwarder(sink, cfg.ForwardInterval, logger, reg)
	}

	if cfg.StateFile != "" {
		st, err := store.Open(cfg.StateFile, logger)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "state_file", Reason: err.Error()}
		}
		h.store = st
	}
	return h, nil
}

func (h *Hub) healthReport() (any, bool) {
	if h.forwarder != nil {
		h.health.SetForwardConnected(h.forwarder.Healthy())
	}
	report, ok := h.health.Report(h.cache.Version(), h.cache.Len(), h.coord.CountKind(broadcast.KindWebSocket))
	report.Version = h.cfg.Version
	return report, ok
}

func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("starting pve-pulse",
		"version", h.cfg.Version,
		"addr", h.cfg.ListenAddr(),
		"clusters", len(h.cfg.Clusters),
		"poll_interval", h.cfg.PollInterval,
		"forward_mode", h.cfg.ForwardMode,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- h.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		h.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", h.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(h.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			h.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			h.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", h.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	h.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	h.logger.Info("pve-pulse stopped")
	return nil
}

// BuildLogger writes to stdout, as JSON when configured.
func BuildLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, hOpts))
	}
	return slog.New(slog.NewTextHandler(w, hOpts))
}
