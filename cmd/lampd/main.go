package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/actuator"
	"github.com/YassineXScenery/lampsync/internal/api"
	"github.com/YassineXScenery/lampsync/internal/config"
	"github.com/YassineXScenery/lampsync/internal/coordinator"
	"github.com/YassineXScenery/lampsync/internal/discord"
	"github.com/YassineXScenery/lampsync/internal/metrics"
	"github.com/YassineXScenery/lampsync/internal/node"
	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./lampd.config.json", "path to node config file")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := shared.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("node_id", cfg.Node.ID))
	logger.Info("config loaded successfully", zap.String("config_path", *configPath))

	m := metrics.InitMetrics()

	// Interface values stay nil when the database is unreachable so the
	// coordinator and API see "no store" rather than a nil *SignalStore.
	var (
		store   coordinator.SignalStore
		pinger  api.Pinger
		signals api.SignalReader
		db      *storage.SignalStore
	)
	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	db, err = storage.Open(openCtx, cfg.Database.Path, storage.OpenOptions{
		Timeout:      cfg.Database.Timeout(),
		Retries:      cfg.Database.ConnectRetries,
		RetryBackoff: cfg.Database.RetryBackoff(),
	}, logger)
	cancelOpen()
	if err != nil {
		logger.Error("signal store unavailable, running offline: changes will not be persisted",
			zap.String("path", cfg.Database.Path),
			zap.Error(err))
	} else {
		defer db.Close()
		store, pinger, signals = db, db, db
		logger.Info("signal store ready", zap.String("path", cfg.Database.Path))
	}

	n, err := node.New(cfg, store, node.WithLogger(logger), node.WithMetrics(m))
	if err != nil {
		logger.Error("failed to create node", zap.Error(err))
		os.Exit(1)
	}
	if err := n.Start(context.Background()); err != nil {
		logger.Error("failed to start node", zap.Error(err))
		os.Exit(1)
	}

	driver := startActuators(cfg, n.Coordinator(), logger, m)

	var httpServer *http.Server
	if cfg.HTTP.Port > 0 {
		httpAPI := api.NewHTTPAPI(n.Coordinator(), n.Peers(), signals, cfg.HTTP.AuthToken, logger)
		httpAPI.SetHealthChecker(api.NewHealthChecker(pinger, n))
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           httpAPI.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http api server failed", zap.Error(err))
			}
		}()
		logger.Info("http api listening", zap.Int("http_port", cfg.HTTP.Port))
	}

	var bot *discord.Bot
	if token := cfg.Discord.BotToken; token != "" {
		b, botErr := discord.NewBot(token, discord.Config{
			GuildID:         cfg.Discord.GuildID,
			AlertsChannelID: cfg.Discord.AlertsChannelID,
		}, n.Coordinator(), logger)
		if botErr != nil {
			logger.Error("failed to create discord bot", zap.Error(botErr))
		} else if startErr := b.Start(); startErr != nil {
			logger.Error("failed to start discord bot", zap.Error(startErr))
		} else {
			bot = b
			logger.Info("discord bot started")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	if bot != nil {
		if err := bot.Stop(); err != nil {
			logger.Error("error stopping discord bot", zap.Error(err))
		}
	}

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("error stopping http api", zap.Error(err))
		}
		cancel()
	}

	n.Stop()

	if driver != nil {
		if err := driver.Stop(); err != nil {
			logger.Error("error stopping actuators", zap.Error(err))
		}
	}

	logger.Info("lampd exited cleanly")
}

// startActuators builds every enabled sink. A sink that cannot be opened is
// logged and skipped; the node keeps syncing without it.
func startActuators(cfg *config.NodeConfig, coord *coordinator.Coordinator, logger *zap.Logger, m *metrics.Metrics) *actuator.Driver {
	var sinks []actuator.Sink

	if a := cfg.Actuators.UDP; a.Enabled {
		sink, err := actuator.NewUDPSink(a.Address, a.Signals)
		if err != nil {
			logger.Error("udp actuator disabled", zap.Error(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	if a := cfg.Actuators.MQTT; a.Enabled {
		pub, err := actuator.NewRealPublisher(a.Broker, a.ClientID)
		if err != nil {
			logger.Error("mqtt actuator disabled", zap.String("broker", a.Broker), zap.Error(err))
		} else {
			sinks = append(sinks, actuator.NewMQTTSink(pub, a.TopicPrefix, cfg.Node.ID))
		}
	}

	if a := cfg.Actuators.GPIO; a.Enabled {
		sink, err := actuator.NewGPIOSink(a.Chip, a.Pins)
		if err != nil {
			logger.Error("gpio actuator disabled", zap.String("chip", a.Chip), zap.Error(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	if len(sinks) == 0 {
		return nil
	}

	driver := actuator.NewDriver(sinks, logger, m)
	if err := driver.Start(coord); err != nil {
		logger.Error("failed to start actuators", zap.Error(err))
		return nil
	}
	return driver
}
