package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/admin"
	"github.com/GoCodeAlone/tenanthost/config"
	"github.com/GoCodeAlone/tenanthost/configstore"
	"github.com/GoCodeAlone/tenanthost/initializer"
)

// shutdownTimeout bounds the microservice Stop after a signal.
const shutdownTimeout = 30 * time.Second

// NewRunCommand creates the run command
func NewRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the host until interrupted",
		Long: `Run connects to the configured store, waits for the configuration
snapshot, starts one tenant engine per tenant and serves the admin API.
SIGINT or SIGTERM stops the engines and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, loaded)
		},
	}
}

// host is everything runHost wires together.
type host struct {
	cfg      *config.HostConfig
	logger   tenanthost.Logger
	cache    *configstore.Cache
	service  *tenanthost.MultitenantMicroservice
	registry *prometheus.Registry
}

// newHost builds the microservice around cache without connecting any
// source or listener.
func newHost(cfg *config.HostConfig, logger tenanthost.Logger) (*host, error) {
	h := &host{
		cfg:      cfg,
		logger:   logger,
		cache:    configstore.NewCache(configstore.WithLogger(logger)),
		registry: prometheus.NewRegistry(),
	}
	h.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	subject := tenanthost.NewEventSubject(logger)
	events := tenanthost.NewFunctionalObserver("event-log", func(_ context.Context, ev cloudevents.Event) error {
		logger.Debug("Host event", "type", ev.Type(), "source", ev.Source(), "id", ev.ID())
		return nil
	})
	if err := subject.RegisterObserver(events); err != nil {
		return nil, err
	}

	metrics := tenanthost.NewMetrics(cfg.Metrics.Namespace)
	svcOpts := []tenanthost.Option{
		tenanthost.WithLogger(logger),
		tenanthost.WithConfigurationCache(h.cache),
		tenanthost.WithParallelism(cfg.Parallelism),
		tenanthost.WithConfigurationReadyTimeout(cfg.ConfigurationReadyTimeout.Std()),
		tenanthost.WithRecoverySchedule(cfg.RecoverySchedule),
		tenanthost.WithMetrics(metrics),
		tenanthost.WithSubject(subject),
	}
	if cfg.Initializer.Enabled {
		script := initializer.NewScriptInitializer(os.DirFS(filepath.Dir(cfg.Initializer.Script)), filepath.Base(cfg.Initializer.Script), true)
		svcOpts = append(svcOpts, tenanthost.WithDataInitializer(script))
	}

	svc, err := tenanthost.NewMultitenantMicroservice(cfg.Name, cfg.Layout(), newDocumentEngineFactory(logger), svcOpts...)
	if err != nil {
		return nil, err
	}
	if err := metrics.Register(h.registry, svc.TenantEngineManager()); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	h.cache.SetListener(svc)
	h.service = svc
	return h, nil
}

// serve initializes and starts the microservice, then blocks until ctx ends
// and stops it.
func (h *host) serve(ctx context.Context) error {
	if err := h.service.Initialize(ctx); err != nil {
		return err
	}
	if err := h.service.Start(ctx); err != nil {
		_ = h.stop(ctx)
		return err
	}
	<-ctx.Done()
	return h.stop(ctx)
}

func (h *host) stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := h.service.Stop(stopCtx); err != nil {
		h.logger.Error("Failed to stop microservice", "error", err)
		return err
	}
	return nil
}

func runHost(ctx context.Context, loaded *config.Loaded) error {
	cfg := loaded.Config
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	zl, err := newZapLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("instanceId", cfg.InstanceID))
	logger := tenanthost.NewZapLogger(zl)

	for _, src := range loaded.Sources {
		logger.Info("Configuration source applied", "name", src.Name, "type", src.Type, "location", src.Location)
	}

	h, err := newHost(cfg, logger)
	if err != nil {
		return err
	}

	source, closeSource, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()
	logger.Info("Configuration store selected", "source", source.Name())

	// Cancelling gctx on the first failure also stops the microservice.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return configstore.Run(gctx, h.cache, source)
	})
	if cfg.Admin.Address != "" {
		srv := admin.NewServer(h.service, h.service.TenantEngineManager(),
			admin.WithLogger(logger),
			admin.WithGatherer(h.registry),
		)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Admin.Address)
		})
	}
	g.Go(func() error {
		return h.serve(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Host stopped")
	return nil
}
