// Package main is the exportgate entry point. Exportgate re-exports alarm
// events and periodic data snapshots from the internal bus to external
// systems: HTTP collectors, S3-compatible object stores, local files, and
// MQTT brokers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/smart-guard/exportgate/admin"
	"github.com/smart-guard/exportgate/config"
	"github.com/smart-guard/exportgate/coordinator"
	"github.com/smart-guard/exportgate/event"
	"github.com/smart-guard/exportgate/exportlog"
	"github.com/smart-guard/exportgate/health"
	"github.com/smart-guard/exportgate/metric"
	"github.com/smart-guard/exportgate/natsclient"
	"github.com/smart-guard/exportgate/registry"
	"github.com/smart-guard/exportgate/schedule"
	"github.com/smart-guard/exportgate/store"
	"github.com/smart-guard/exportgate/target"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "exportgate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting exportgate",
		"version", Version,
		"build_time", BuildTime,
		"service_id", cfg.Service.ID,
		"config_path", cliCfg.ConfigPath,
		"store_driver", cfg.Store.Driver)

	ctx := context.Background()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	metricsRegistry := metric.NewMetricsRegistry()
	healthMonitor := health.NewMonitor()

	bus, err := connectBus(ctx, cfg, metricsRegistry, healthMonitor, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close(ctx) }()

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	coord, logs, err := buildPipeline(cfg, st, bus, metricsRegistry, healthMonitor, logger, signalCancel, cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if err := coord.Start(signalCtx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer, err = admin.New(adminConfig(cfg), admin.Deps{
			Coordinator: coord,
			Logs:        logs,
			Metrics:     metricsRegistry.PrometheusRegistry(),
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
		if err := adminServer.Start(signalCtx); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
	}

	slog.Info("exportgate started", "targets_admin", cfg.Admin.Listen)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if adminServer != nil {
		if err := adminServer.Stop(sec(cfg.Admin.ShutdownTimeoutSec)); err != nil {
			slog.Error("Admin server shutdown failed", "error", err)
		}
	}
	if err := coord.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("exportgate shutdown complete")
	return nil
}

// loadConfig reads the config file when one is given, otherwise runs on
// defaults. CLI/env log settings override the file.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cliCfg.ConfigPath != "" {
		loaded, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if envURL := os.Getenv("EXPORTGATE_NATS_URL"); envURL != "" {
		cfg.NATS.URL = envURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore builds the configured persistence backend, migrating the
// postgres schema first when enabled.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		if cfg.Store.Migrate {
			slog.Info("Applying database migrations")
			if err := store.Migrate(cfg.Store.DSN); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:             cfg.Store.DSN,
			MaxConns:        int32(cfg.Store.MaxConns),
			MinConns:        int32(cfg.Store.MinConns),
			MaxConnLifetime: minutes(cfg.Store.MaxConnLifetimeMin),
			MaxConnIdleTime: minutes(cfg.Store.MaxConnIdleTimeMin),
			ConnectTimeout:  sec(cfg.Store.ConnectTimeoutSec),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return pg, nil
	default:
		slog.Warn("Using the in-memory store; targets and logs will not survive a restart")
		return store.NewMemory(), nil
	}
}

// connectBus dials NATS and waits for the connection to be ready.
func connectBus(
	ctx context.Context,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	healthMonitor *health.Monitor,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Service.ID),
		natsclient.WithTimeout(sec(cfg.NATS.TimeoutSec)),
		natsclient.WithDrainTimeout(sec(cfg.NATS.DrainTimeoutSec)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(ms(cfg.NATS.ReconnectWaitMS)),
		natsclient.WithLogger(&slogNATSLogger{logger: logger}),
		natsclient.WithMetrics(metricsRegistry),
		natsclient.WithHealthMonitor(healthMonitor),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLSCertFile != "" || cfg.NATS.TLSCAFile != "" {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLSCertFile, cfg.NATS.TLSKeyFile, cfg.NATS.TLSCAFile))
	}
	if cfg.NATS.BreakerThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(int32(cfg.NATS.BreakerThreshold)))
	}

	bus, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := bus.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bus.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return bus, nil
}

// buildPipeline assembles registry, export log, and coordinator.
func buildPipeline(
	cfg *config.Config,
	st store.Store,
	bus *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	healthMonitor *health.Monitor,
	logger *slog.Logger,
	shutdown context.CancelFunc,
	configPath string,
) (*coordinator.Coordinator, *exportlog.Service, error) {
	metrics := metricsRegistry.CoreMetrics()

	reg := registry.New(st, registry.Options{
		AllowList:         cfg.Targets.AllowList,
		PriorityOverrides: cfg.Targets.PriorityOverrides,
		HandlerDeps:       target.Deps{Logger: logger},
		Logger:            logger,
	})

	logs := exportlog.NewService(exportlog.Config{
		QueueSize:        cfg.ExportLog.QueueSize,
		BatchSize:        cfg.ExportLog.BatchSize,
		FlushInterval:    ms(cfg.ExportLog.FlushIntervalMS),
		WriteTimeout:     sec(cfg.ExportLog.WriteTimeoutSec),
		MaxWriteFailures: cfg.ExportLog.MaxWriteFailures,
		RetentionDays:    cfg.ExportLog.RetentionDays,
		RetentionCheck:   hours(cfg.ExportLog.RetentionCheckHours),
	}, exportlog.Deps{Store: st, Logger: logger, Metrics: metrics})

	sys := &systemControl{
		configPath: configPath,
		safe:       config.NewSafeConfig(cfg),
		shutdown:   shutdown,
		logger:     logger.With("component", "system-control"),
	}

	coord, err := coordinator.New(coordinator.Config{
		ServiceID:   cfg.Service.ID,
		SendTimeout: sec(cfg.Coordinator.SendTimeoutSec),
		BatchSweep:  ms(cfg.Coordinator.BatchSweepMS),
		StatsFlush:  sec(cfg.Coordinator.StatsFlushSec),
		Events: event.Config{
			Channels:   cfg.Events.Channels,
			QueueGroup: cfg.Events.QueueGroup,
			Selective:  cfg.Events.Selective,
			Workers:    cfg.Events.Workers,
			QueueSize:  cfg.Events.QueueSize,
		},
		Schedules: schedule.Config{
			TickInterval:   sec(cfg.Schedules.TickIntervalSec),
			ReloadInterval: sec(cfg.Schedules.ReloadIntervalSec),
			MaxConcurrent:  cfg.Schedules.MaxConcurrent,
			RunTimeout:     sec(cfg.Schedules.RunTimeoutSec),
		},
	}, coordinator.Deps{
		Store:           st,
		Bus:             bus,
		Registry:        reg,
		Logs:            logs,
		System:          sys,
		Health:          healthMonitor,
		Logger:          logger,
		Metrics:         metrics,
		MetricsRegistry: metricsRegistry,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create coordinator: %w", err)
	}
	sys.coord = coord

	return coord, logs, nil
}

func adminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Listen:          cfg.Admin.Listen,
		ReadTimeout:     sec(cfg.Admin.ReadTimeoutSec),
		WriteTimeout:    sec(cfg.Admin.WriteTimeoutSec),
		ShutdownTimeout: sec(cfg.Admin.ShutdownTimeoutSec),
	}
}

// systemControl answers the bus-level process commands. A reload re-reads
// the config file and refreshes the target registry; structural settings
// (listen addresses, store driver, worker counts) need a restart.
type systemControl struct {
	configPath string
	safe       *config.SafeConfig
	coord      *coordinator.Coordinator
	shutdown   context.CancelFunc
	logger     *slog.Logger
}

func (s *systemControl) ReloadConfig(ctx context.Context) error {
	if s.configPath != "" {
		cfg, err := config.Load(s.configPath)
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		if err := s.safe.Update(cfg); err != nil {
			return err
		}
		s.logger.Info("configuration file reloaded", "path", s.configPath)
	}
	return s.coord.ReloadTargets(ctx)
}

func (s *systemControl) Shutdown(reason string) {
	s.logger.Info("shutdown requested via bus", "reason", reason)
	s.shutdown()
}

// Duration helpers for the integer config fields.
// slogNATSLogger adapts *slog.Logger to the printf-shaped natsclient.Logger.
type slogNATSLogger struct {
	logger *slog.Logger
}

func (l *slogNATSLogger) Printf(format string, v ...any) { l.logger.Info(fmt.Sprintf(format, v...)) }
func (l *slogNATSLogger) Errorf(format string, v ...any) { l.logger.Error(fmt.Sprintf(format, v...)) }
func (l *slogNATSLogger) Debugf(format string, v ...any) { l.logger.Debug(fmt.Sprintf(format, v...)) }

func sec(n int) time.Duration     { return time.Duration(n) * time.Second }
func ms(n int) time.Duration      { return time.Duration(n) * time.Millisecond }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }
