package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/ampere/internal/agent"
	"github.com/nugget/ampere/internal/api"
	"github.com/nugget/ampere/internal/buildinfo"
	"github.com/nugget/ampere/internal/config"
	"github.com/nugget/ampere/internal/connwatch"
	"github.com/nugget/ampere/internal/events"
	"github.com/nugget/ampere/internal/homeassistant"
	"github.com/nugget/ampere/internal/llm"
	"github.com/nugget/ampere/internal/metrics"
	"github.com/nugget/ampere/internal/mqtt"
)

// runServe is the primary operating mode: it wires the agent to Home
// Assistant, the provider, and the event sinks, serves the API, and
// blocks until SIGINT/SIGTERM or ctx cancellation.
//
// Shutdown order: the API drains in-flight exchanges, the MQTT sink
// goes offline, then deferred closes release the websocket, the usage
// database, and the tracer.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting Ampere", "version", buildinfo.Version, "commit", buildinfo.Commit(), "built", buildinfo.Built())
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"homeassistant", cfg.HomeAssistant.URL,
		"model", cfg.Agent.ChatModel,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	m := metrics.New()

	st, err := newStack(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer st.Close()
	m.ObserveEventDrops(st.bus.Dropped)

	// --- Dependency monitoring ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.SetObserver(m.SetDependencyUp)

	var subscribeOnce sync.Once
	haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "homeassistant",
		Probe:    st.ha.Ping,
		Required: true,
		Backoff:  connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			infoCtx, infoCancel := context.WithTimeout(ctx, 10*time.Second)
			defer infoCancel()
			if haCfg, err := st.ha.GetConfig(infoCtx); err == nil {
				logger.Info("connected to Home Assistant",
					"url", cfg.HomeAssistant.URL,
					"version", haCfg.Version,
					"location", haCfg.LocationName,
				)
			}

			// Entities may have changed while we were away.
			st.host.Invalidate()

			wsCtx, wsCancel := context.WithTimeout(ctx, 30*time.Second)
			defer wsCancel()
			if err := st.ws.Reconnect(wsCtx); err != nil {
				logger.Error("websocket reconnect failed", "error", err)
				return
			}
			// Later reconnects restore subscriptions on their own.
			subscribeOnce.Do(func() {
				if err := st.ws.Subscribe(wsCtx, homeassistant.EventEntityRegistryUpdated); err != nil {
					logger.Error("subscribe to entity registry updates failed", "error", err)
					return
				}
				logger.Info("subscribed to entity registry updates")
			})
		},
		Logger: logger,
	})
	st.ha.SetWatcher(haWatcher)

	if !cfg.Provider.SkipAuthentication {
		opts := providerOptions(cfg, logger)
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "provider",
			Probe:   func(pCtx context.Context) error { return llm.ValidateAuthentication(pCtx, opts) },
			Backoff: connwatch.BackoffConfig{PollInterval: 5 * time.Minute},
			Logger:  logger,
		})
	}

	registryWatcher := homeassistant.NewRegistryWatcher(st.ws.Events(), func(ch homeassistant.RegistryChange) {
		logger.Debug("entity registry changed", "action", ch.Action, "entity_id", ch.EntityID)
		st.host.Invalidate()
	}, logger)
	go registryWatcher.Run(ctx)

	// --- Event sinks ---
	finished := []string{events.KindConversationFinished}
	forwarders := []*events.Forwarder{
		{Name: "homeassistant", Sink: haEventSink(st.ha), Kinds: finished, Logger: logger},
		{Name: "usage", Sink: st.usage.ExchangeSink(), Kinds: finished, Logger: logger},
	}

	var mqttSink *mqtt.Sink
	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttSink = mqtt.New(cfg.MQTT, instanceID, logger)
		go func() {
			if err := mqttSink.Start(ctx); err != nil {
				logger.Error("mqtt sink failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttSink.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		forwarders = append(forwarders, &events.Forwarder{Name: "mqtt", Sink: mqttSink, Kinds: finished, Logger: logger})
		logger.Info("mqtt sink enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	} else {
		logger.Info("mqtt sink disabled (no broker configured)")
	}

	for _, f := range forwarders {
		go f.Run(ctx, st.bus)
	}

	// --- Configuration generations ---
	go func() {
		err := config.Watch(ctx, cfgPath, 0, logger, func(next *config.Config) {
			gen, err := agent.NewGeneration(next, st.host, logger)
			if err != nil {
				logger.Warn("config reload not applied", "error", err)
				return
			}
			st.loop.SetGeneration(gen)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, st.loop, logger)
	server.SetHealth(connMgr)
	server.SetUsage(st.usage)
	if cfg.Metrics.Enabled {
		server.SetMetrics(m, cfg.Metrics.Path)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		if mqttSink != nil {
			if err := mqttSink.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Ampere stopped")
	return nil
}
