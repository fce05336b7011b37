package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/spacefleet/collector/internal/alerts"
	"github.com/spacefleet/collector/internal/collector"
	"github.com/spacefleet/collector/internal/config"
	"github.com/spacefleet/collector/internal/deepscan"
	"github.com/spacefleet/collector/internal/models"
	natsclient "github.com/spacefleet/collector/internal/nats"
	"github.com/spacefleet/collector/internal/remote"
	"github.com/spacefleet/collector/internal/scheduler"
	"github.com/spacefleet/collector/internal/server"
	"github.com/spacefleet/collector/internal/store"
	"github.com/spacefleet/collector/internal/tasks"
)

// Agent owns every long-lived component of the collector
type Agent struct {
	config     *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	version    string

	store     *store.Store
	executor  *tasks.Executor
	cache     *deepscan.Cache
	service   *collector.Service
	nats      *natsclient.Client
	handlers  *natsclient.CommandHandlers
	scheduler *scheduler.Scheduler
	http      *server.Server

	ctx    context.Context // root context, cancelled on shutdown
	cancel context.CancelFunc
}

// New loads the configuration and builds the collector. Nothing runs until Start.
func New(configPath string, version string) (*Agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, level, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting spacefleet collector",
		zap.String("version", version),
		zap.String("instance_id", cfg.InstanceID))

	a := &Agent{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		version:    version,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.config

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = st

	if cfg.Database.InventoryFile != "" {
		if err := a.seedInventory(cfg.Database.InventoryFile); err != nil {
			return err
		}
	}

	transport, err := remote.NewManager(cfg.SSH, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create SSH manager: %w", err)
	}

	a.executor = tasks.NewExecutor(a.logger)

	opts := collector.Options{
		Concurrency:       cfg.Collection.Concurrency,
		ListingTimeout:    cfg.Commands.ListingTimeout,
		DeepScanTimeout:   cfg.Commands.DeepScanTimeout,
		MinTotalBytes:     cfg.Collection.MinTotalBytes,
		MinDirectoryBytes: cfg.Collection.MinDirectoryBytes,
		LargeFileLimit:    cfg.DeepScan.LargeFileLimit,
	}

	scanner := collector.NewScanner(transport, a.executor, st, opts, a.logger)
	a.cache = deepscan.New(scanner, deepscan.Options{
		Freshness: cfg.DeepScan.Freshness,
		Location:  time.Local,
		Workers:   cfg.DeepScan.Workers,
		QueueSize: cfg.DeepScan.QueueSize,
	}, a.logger)

	if cfg.NATS.Enabled {
		a.logger.Info("Connecting to NATS...")
		client, err := natsclient.NewClient(&cfg.NATS, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nats = client
	}

	var evaluator *alerts.Evaluator
	var dispatcher *alerts.Dispatcher
	if cfg.Alerts.Enabled {
		evaluator = alerts.NewEvaluator(cfg.Alerts.DefaultThresholdPercent, a.logger)
		dispatcher = alerts.NewDispatcher(a.alertPublisher(), cfg.Alerts.Cooldown, a.logger)
	}

	a.service = collector.NewService(transport, a.executor, st, a.cache, evaluator, dispatcher, opts, a.logger)

	if a.nats != nil {
		a.handlers = natsclient.NewCommandHandlers(a.service, a.executor, a.cache,
			cfg.SubjectPrefix, cfg.InstanceID, natsclient.HandlerOptions{
				CollectTimeout:  cfg.Commands.DeepScanTimeout,
				DeepScanTimeout: cfg.Commands.DeepScanTimeout,
				CheckTimeout:    cfg.SSH.ConnectTimeout + cfg.Commands.ListingTimeout,
			}, a.logger)
	}

	if cfg.Collection.Enabled {
		sched, err := scheduler.New(a.ctx, a.service, st, scheduler.Options{
			Schedule:  cfg.Collection.Schedule,
			Location:  time.Local,
			Timeout:   cfg.Commands.DeepScanTimeout,
			Retention: cfg.Collection.Retention,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		a.scheduler = sched
	}

	if cfg.HTTP.Enabled {
		checks := map[string]server.Check{"database": st.Ping}
		if a.nats != nil {
			checks["nats"] = func(ctx context.Context) error {
				if !a.nats.IsConnected() {
					return errors.New("not connected")
				}
				return nil
			}
		}
		a.http = server.NewServer([]server.MetricsSource{a.executor, server.CacheMetrics(a.cache)}, checks, a.logger)
	}

	return nil
}

// alertPublisher delivers over JetStream when NATS is configured and
// otherwise only logs the event
func (a *Agent) alertPublisher() alerts.Publisher {
	if a.nats != nil {
		return natsclient.NewAlertPublisher(a.nats, a.config.SubjectPrefix, a.config.InstanceID, a.logger)
	}
	return alerts.PublisherFunc(func(ctx context.Context, event models.AlertEvent) error {
		a.logger.Warn("Alert raised",
			zap.String("alert_id", event.ID),
			zap.Int64("host_id", event.HostID),
			zap.String("mount_point", event.MountPoint),
			zap.String("message", event.Message))
		return nil
	})
}

func (a *Agent) seedInventory(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		a.logger.Info("No inventory file, using hosts already in the database", zap.String("file", path))
		return nil
	}

	inv, err := store.LoadInventory(path)
	if err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}
	sum, err := a.store.SeedInventory(a.ctx, inv)
	if err != nil {
		return fmt.Errorf("failed to seed inventory: %w", err)
	}
	a.logger.Info("Inventory seeded",
		zap.String("file", path),
		zap.Int("hosts", sum.Hosts),
		zap.Int("thresholds", sum.Thresholds))
	return nil
}

// Start launches background workers, subscriptions, the scheduler and the
// HTTP listener. It returns once everything is running.
func (a *Agent) Start() error {
	a.cache.Start(a.ctx)

	if a.handlers != nil {
		a.logger.Info("Subscribing to commands...")
		if err := a.handlers.SubscribeAll(a.ctx, a.nats); err != nil {
			return fmt.Errorf("failed to subscribe to commands: %w", err)
		}
	}

	if a.scheduler != nil {
		a.scheduler.Start()
		if next, err := a.scheduler.NextRun(); err == nil {
			a.logger.Info("Next scheduled collection", zap.Time("at", next))
		}
	}

	if a.http != nil {
		go func() {
			if err := a.http.ListenAndServe(a.config.HTTP.Listen); err != nil {
				a.logger.Error("HTTP listener failed", zap.Error(err))
			}
		}()
	}

	if err := config.Watch(a.configPath, a.logger, a.applyConfig); err != nil {
		a.logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	a.logger.Info("Collector running",
		zap.String("instance_id", a.config.InstanceID),
		zap.String("version", a.version))
	return nil
}

// applyConfig takes the settings that can change without a restart
func (a *Agent) applyConfig(cfg *config.Config) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return
	}
	if level != a.level.Level() {
		a.logger.Info("Log level changed",
			zap.Stringer("from", a.level.Level()),
			zap.Stringer("to", level))
		a.level.SetLevel(level)
	}
}

// CollectOnce runs a single fleet collection without starting anything else
func (a *Agent) CollectOnce(ctx context.Context, hostIDs []int64) ([]collector.HostResult, error) {
	return a.service.Collect(ctx, hostIDs)
}

// Shutdown stops accepting work, lets in-flight requests drain and closes
// the database
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down collector")

	// running collections and deep scans see the cancellation first
	a.cancel()

	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			a.logger.Error("Error shutting down scheduler", zap.Error(err))
		}
	}

	if a.nats != nil {
		if err := a.nats.Drain(a.config.NATS.DrainTimeout); err != nil {
			a.logger.Error("Error draining NATS", zap.Error(err))
		}
	}

	if a.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.http.Shutdown(ctx); err != nil {
			a.logger.Error("Error shutting down HTTP listener", zap.Error(err))
		}
		cancel()
	}

	a.close()
	a.logger.Info("Collector shutdown complete")
	a.logger.Sync()
	return nil
}

// close cancels the root context and releases what build acquired
func (a *Agent) close() {
	a.cancel()
	if a.cache != nil {
		a.cache.Stop()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Error closing database", zap.Error(err))
		}
	}
}

// initLogger creates a JSON file logger with rotation tee'd to the console.
// The returned level can be changed at runtime.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, level, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level),
	}
	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fileWriter), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, level, nil
}
