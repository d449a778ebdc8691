package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/flant/negentropy/provisioning/acm"
	"github.com/flant/negentropy/provisioning/archive"
	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/clock"
	"github.com/flant/negentropy/provisioning/config"
	"github.com/flant/negentropy/provisioning/connector"
	"github.com/flant/negentropy/provisioning/io"
	"github.com/flant/negentropy/provisioning/io/kafka_destination"
	"github.com/flant/negentropy/provisioning/io/kafka_source"
	"github.com/flant/negentropy/provisioning/mapping"
	"github.com/flant/negentropy/provisioning/metrics"
	"github.com/flant/negentropy/provisioning/provisioning"
	"github.com/flant/negentropy/provisioning/repo"
	"github.com/flant/negentropy/provisioning/script"
	"github.com/flant/negentropy/provisioning/secret"
	"github.com/flant/negentropy/provisioning/usecase"
)

type Daemon struct {
	cfg      config.Config
	core     *usecase.Core
	source   *kafka_source.EntitlementSource
	registry *prometheus.Registry
	closers  []func() error
	logger   hclog.Logger
}

// Options replace parts built from config, used by tests
type Options struct {
	Connectors connector.Registry
	Reader     kafka_source.MessageReader
	Clock      clock.Clock
}

func NewLogger(cfg config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "provisioner",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
	})
}

func NewDaemon(ctx context.Context, cfg config.Config, opts Options, parentLogger hclog.Logger) (_ *Daemon, err error) {
	d := &Daemon{cfg: cfg, registry: prometheus.NewRegistry(), logger: parentLogger.Named("daemon")}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	storage, err := memStorage(parentLogger)
	if err != nil {
		return nil, err
	}
	connectors := opts.Connectors
	if connectors == nil {
		connectors = httpConnectors(cfg.Connectors, parentLogger)
	}
	secrets, err := secretStore(cfg.Secrets, parentLogger)
	if err != nil {
		return nil, err
	}
	brk := breaker.NewBreaker(breaker.Settings{
		Threshold:        cfg.Breaker.Threshold,
		WarningThreshold: cfg.Breaker.WarningThreshold,
		Window:           time.Duration(cfg.Breaker.Window),
	}, parentLogger)
	recorder, err := d.archive(cfg, brk, parentLogger)
	if err != nil {
		return nil, err
	}

	scripts := script.NewEngine(time.Duration(cfg.ScriptTimeout), parentLogger)
	engine := mapping.NewEngine(scripts, nil, parentLogger)
	builder := provisioning.NewBuilder(engine, connectors, secrets, clk, parentLogger)
	pipeline := provisioning.NewPipeline(storage, builder, connectors, secrets, brk, recorder,
		retryPolicy(cfg.Retry), clk, parentLogger)
	pipeline.SetWorkers(cfg.Workers)
	resolver := acm.NewResolver(engine, scripts, pipeline, clk, parentLogger)

	d.core = usecase.NewCore(usecase.Components{
		Store:       storage,
		Resolver:    resolver,
		Hooker:      acm.NewHooker(resolver, parentLogger),
		Pipeline:    pipeline,
		Breaker:     brk,
		Archive:     recorder,
		Scripts:     scripts,
		Clock:       clk,
		BulkWorkers: cfg.BulkWorkers,
	}, parentLogger)
	if err = d.core.SaveCatalog(ctx, &cfg.Catalog); err != nil {
		return nil, err
	}

	reader := opts.Reader
	if reader == nil && len(cfg.Kafka.Brokers) > 0 {
		reader = kafka_source.NewReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.EntitlementTopic)
	}
	if reader != nil {
		d.source = kafka_source.NewEntitlementSource(reader, d.core, parentLogger)
	}
	return d, nil
}

func (d *Daemon) Core() *usecase.Core {
	return d.core
}

func memStorage(parentLogger hclog.Logger) (*io.MemoryStore, error) {
	schema, err := repo.GetSchema()
	if err != nil {
		return nil, err
	}
	return io.NewMemoryStore(schema, parentLogger)
}

func httpConnectors(cfgs []config.ConnectorConfig, parentLogger hclog.Logger) *connector.StaticRegistry {
	registry := connector.NewRegistry()
	for _, c := range cfgs {
		registry.Register(c.System, connector.NewHTTPConnector(c.URL, c.Token, time.Duration(c.Timeout),
			parentLogger.With("system", c.System)))
	}
	return registry
}

func secretStore(cfg config.SecretsConfig, parentLogger hclog.Logger) (secret.Store, error) {
	if cfg.Backend != config.SecretsBackendVault {
		parentLogger.Warn("secrets are kept in memory, pending operations lose them on restart")
		return secret.NewMemoryStore(), nil
	}
	client, err := secret.NewVaultClient(cfg.VaultAddr, cfg.VaultToken)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	return secret.NewVaultStore(client, cfg.Mount, cfg.Prefix, parentLogger), nil
}

// archive builds SQLite archive publishing to metrics and optionally to kafka
func (d *Daemon) archive(cfg config.Config, brk *breaker.Breaker, parentLogger hclog.Logger) (*archive.Recorder, error) {
	store, err := archive.NewSQLiteStore(cfg.Archive.Path, parentLogger)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, store.Close)
	m, err := metrics.New(d.registry, brk)
	if err != nil {
		return nil, err
	}
	sinks := []archive.Sink{m}
	if cfg.Kafka.ArchiveTopic != "" && len(cfg.Kafka.Brokers) > 0 {
		destination := kafka_destination.NewArchiveDestination(
			kafka_destination.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.ArchiveTopic), parentLogger)
		d.closers = append(d.closers, destination.Close)
		sinks = append(sinks, destination)
	}
	return archive.NewRecorder(store, parentLogger, sinks...), nil
}

func retryPolicy(cfg config.RetryConfig) provisioning.RetryPolicy {
	policy := provisioning.DefaultRetryPolicy()
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = time.Duration(cfg.InitialInterval)
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = time.Duration(cfg.MaxInterval)
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	return policy
}

// Run serves until ctx is done: kafka source, periodic validity pass and retry of due batches, metrics endpoint
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(d.cfg.RetryTick))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.tick(ctx)
			}
		}
	})

	if d.source != nil {
		g.Go(func() error {
			return d.source.Run(ctx)
		})
	}

	if d.cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: d.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			d.logger.Info("serving metrics", "address", d.cfg.Metrics.Address)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	d.logger.Info("started")
	err := g.Wait()
	d.logger.Info("stopped")
	return err
}

// tick reconciles crossed validity bounds, then retries due batches
func (d *Daemon) tick(ctx context.Context) {
	if err := d.core.ReconcileValidity(ctx); err != nil {
		d.logger.Error("reconcile validity", "err", err)
	}
	if err := d.core.RetryDue(ctx); err != nil {
		d.logger.Error("retry due batches", "err", err)
	}
}

func (d *Daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close", "err", err)
		}
	}
	d.closers = nil
}
