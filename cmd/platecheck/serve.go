package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/platecheck/internal/buildinfo"
	"github.com/nugget/platecheck/internal/config"
	"github.com/nugget/platecheck/internal/connwatch"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/facts"
	"github.com/nugget/platecheck/internal/mqtt"
	"github.com/nugget/platecheck/internal/session"
	sigcli "github.com/nugget/platecheck/internal/signal"
	"github.com/nugget/platecheck/internal/usage"
	"github.com/nugget/platecheck/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownTimeout bounds the drain of HTTP requests and the MQTT
// offline publish.
const shutdownTimeout = 10 * time.Second

// runServe handles "platecheck serve". It opens the stores, builds the
// engine, starts every enabled transport and blocks until SIGINT or
// SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context shared by all components
//  2. MQTT publishes "offline" and disconnects
//  3. The web server drains in-flight requests
//  4. The Signal bridge finishes queued messages and signal-cli exits
//  5. Databases are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Platecheck", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"provider", cfg.Inference.Provider,
		"model", cfg.Inference.Model,
		"listen", cfg.Listen.Enabled,
		"signal", cfg.Signal.Enabled,
		"mqtt", cfg.MQTT.Configured(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()

	factsPath := filepath.Join(cfg.DataDir, "facts.db")
	factStore, err := facts.NewStore(factsPath)
	if err != nil {
		return fmt.Errorf("open facts database %s: %w", factsPath, err)
	}
	defer factStore.Close()

	sessions := session.NewStore(session.Config{
		TTL:          cfg.Sessions.TTL.Std(),
		HistoryDepth: cfg.Sessions.HistoryDepth,
	}, logger)
	if cfg.Sessions.Persist {
		sessPath := filepath.Join(cfg.DataDir, "sessions.db")
		persister, err := session.NewSQLitePersister(sessPath)
		if err != nil {
			return fmt.Errorf("open sessions database %s: %w", sessPath, err)
		}
		defer persister.Close()
		sessions.SetPersister(persister)

		n, err := sessions.Restore(ctx)
		if err != nil {
			logger.Warn("session restore failed", "error", err)
		} else {
			logger.Info("sessions restored", "count", n, "path", sessPath)
		}
	}

	// --- Inference ---
	llmClient, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	inf := newInference(llmClient, cfg, logger)

	// Daily counters exist only to feed MQTT sensors.
	var daily *mqtt.Daily
	if cfg.MQTT.Configured() {
		daily = mqtt.NewDaily(nil)
		inf.SetUsageRecorder(usage.Tee(usageStore, daily))
	} else {
		inf.SetUsageRecorder(usageStore)
	}

	// --- Engine ---
	bus := events.New()
	supplier := facts.NewSupplier(inf, factStore, logger)
	eng := engine.New(sessions, inf, supplier, engine.Config{
		MaxImageBytes: cfg.Input.MaxImageBytes,
		MaxTextRunes:  cfg.Input.MaxTextRunes,
	}, logger)
	eng.SetEventBus(bus)

	// --- Connection health ---
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.Config{
		Name:  cfg.Inference.Provider,
		Probe: inf.Ping,
		OnUp: func() {
			logger.Info("inference provider reachable", "provider", cfg.Inference.Provider)
		},
		OnDown: func(err error) {
			logger.Warn("inference provider unreachable", "provider", cfg.Inference.Provider, "error", err)
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run(gctx, cfg.Sessions.SweepInterval.Std())
		return nil
	})

	// --- Signal ---
	var sigClient *sigcli.Client
	if cfg.Signal.Enabled {
		sigClient = sigcli.NewClient(sigcli.ClientConfig{
			Command:       cfg.Signal.Command,
			Args:          cfg.Signal.Args,
			AttachmentDir: cfg.Signal.AttachmentDir,
			Logger:        logger,
		})
		if err := sigClient.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start signal-cli: %w", err)
		}

		connMgr.Watch(ctx, connwatch.Config{Name: "signal", Probe: sigClient.Ping})

		bridge := sigcli.NewBridge(sigcli.BridgeConfig{
			Client:        sigClient,
			Handler:       eng,
			Events:        bus,
			Logger:        logger,
			RateLimit:     cfg.Signal.RateLimitPerMinute,
			HandleTimeout: cfg.Signal.HandleTimeout.Std(),
			MaxImageBytes: cfg.Input.MaxImageBytes,
		})
		g.Go(func() error {
			bridge.Start(gctx)
			return nil
		})
		logger.Info("signal bridge enabled", "command", cfg.Signal.Command)
	} else {
		logger.Info("signal bridge disabled")
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, daily, &mqttStatsAdapter{model: inf.Model(), engine: eng}, logger)

		g.Go(func() error {
			daily.Run(gctx, bus)
			return nil
		})
		g.Go(func() error {
			// A broken broker must not take the service down.
			if err := mqttPub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		connMgr.Watch(ctx, connwatch.Config{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishInterval.Std(),
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Web ---
	var server *web.Server
	if cfg.Listen.Enabled {
		server = web.NewServer(web.Config{
			Address:       cfg.Listen.Address,
			Port:          cfg.Listen.Port,
			Engine:        eng,
			Events:        bus,
			Health:        connMgr,
			Usage:         usageStore,
			Model:         inf.Model(),
			Logger:        logger,
			MaxImageBytes: cfg.Input.MaxImageBytes,
		})
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})
	} else {
		logger.Info("web server disabled")
	}

	if server == nil && sigClient == nil {
		logger.Warn("no transport enabled; enable listen or signal to accept meals")
	}

	// --- Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("web server shutdown failed", "error", err)
			}
		}
		if sigClient != nil {
			if err := sigClient.Close(); err != nil {
				logger.Debug("signal-cli close", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Platecheck stopped")
	return err
}

// mqttStatsAdapter exposes engine counters and build info as the MQTT
// publisher's [mqtt.StatsSource].
type mqttStatsAdapter struct {
	model  string
	engine *engine.Engine
}

func (a *mqttStatsAdapter) Uptime() time.Duration   { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string         { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string           { return a.model }
func (a *mqttStatsAdapter) ActiveSessions() int     { return a.engine.Stats().Active }
func (a *mqttStatsAdapter) LastAnalysis() time.Time { return a.engine.Stats().LastAnalysis }
