// Command analyzerd is the development host for analyzer plugins. It loads
// plugins, stores procedures and dispatches trigger events over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/CCC-MF/pluginworkshop20230216/internal/api"
	"github.com/CCC-MF/pluginworkshop20230216/internal/config"
	"github.com/CCC-MF/pluginworkshop20230216/internal/host"
	"github.com/CCC-MF/pluginworkshop20230216/internal/observability/alerting"
	"github.com/CCC-MF/pluginworkshop20230216/internal/observability/metrics"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/memory"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/mysql"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/postgres"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/sqlite"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/sqlstore"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
	"github.com/CCC-MF/pluginworkshop20230216/plugins/exampleanalyzer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("analyzerd: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("analyzerd")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := newManager(cfg.Plugins, store)
	if err != nil {
		return err
	}

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("close queue", slog.Any("error", err))
		}
	}()

	m := metrics.New()
	jobs := newJobStore(store)
	dispatcher := host.NewDispatcher(manager, jobs, queue,
		host.WithDispatchRecorder(m),
		host.WithMaxAttempts(cfg.Queue.MaxAttempts))
	processor := host.NewProcessor(manager, store, jobs, queue, queue,
		host.WithWorkerCount(cfg.Queue.Workers),
		host.WithProcessorRecorder(m),
		host.WithAlertDispatcher(newAlerts(cfg.Alerts)))

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Procedures: store,
		Dispatcher: dispatcher,
		Methods:    host.NewMethods(manager),
		Jobs:       jobs,
		Plugins:    manager,
		Metrics:    m,
	}, api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeout)))

	lg.Info("analyzerd starting",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Int("workers", cfg.Queue.Workers),
		slog.Int("analyzers", len(manager.Analyzers())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	err = g.Wait()
	lg.Info("analyzerd stopped")
	return err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.ProcedureStore, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN)
	case "mysql":
		return mysql.Open(ctx, mysql.Config{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: int32(cfg.MaxOpenConns),
			MinConns: int32(cfg.MaxIdleConns),
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// newJobStore keeps jobs next to the procedures when the store is SQL
// backed, and in memory otherwise.
func newJobStore(store storage.ProcedureStore) host.JobStore {
	if s, ok := store.(*sqlstore.Store); ok {
		return s.Jobs()
	}
	return host.NewMemoryJobStore()
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (host.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return host.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return host.NewRedisQueue(ctx, host.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return host.NewRabbitMQQueue(host.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// newManager loads the configured shared objects and registers the
// in-process example analyzer unless one with its name is already loaded.
func newManager(cfg config.PluginsConfig, store storage.ProcedureStore) (*plugin.Manager, error) {
	var managerCfg plugin.ManagerConfig
	if cfg.ConfigPath != "" {
		loaded, err := plugin.LoadManagerConfig(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		managerCfg = loaded
	}
	opts := []plugin.Option{plugin.WithAPI(store)}
	if cfg.Strict {
		opts = append(opts, plugin.WithStrictPolicy())
	}
	manager, err := plugin.NewManager(managerCfg, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DisableBuiltin {
		return manager, nil
	}

	locale, err := language.Parse(cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("plugin locale %q: %w", cfg.Locale, err)
	}
	analyzer := exampleanalyzer.New(store, exampleanalyzer.WithLocale(locale))
	if _, loaded := manager.Lookup(analyzer.Name()); loaded {
		return manager, nil
	}
	policy := plugin.IsolationPolicy{AllowedCapabilities: []plugin.Capability{plugin.CapabilityProcedureWrite}}
	if err := manager.Register(exampleanalyzer.ID, analyzer, policy); err != nil {
		return nil, err
	}
	return manager, nil
}

func newAlerts(cfg config.AlertsConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}
