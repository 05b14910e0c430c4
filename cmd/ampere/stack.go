package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/ampere/internal/actions"
	"github.com/nugget/ampere/internal/agent"
	"github.com/nugget/ampere/internal/config"
	"github.com/nugget/ampere/internal/events"
	"github.com/nugget/ampere/internal/homeassistant"
	"github.com/nugget/ampere/internal/httpkit"
	"github.com/nugget/ampere/internal/llm"
	"github.com/nugget/ampere/internal/metrics"
	"github.com/nugget/ampere/internal/usage"
)

// stack holds the components shared by serve and ask.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	ha       *homeassistant.Client
	ws       *homeassistant.WSClient
	host     *actions.Host
	provider llm.Adapter
	usage    *usage.Store
	sessions *agent.LRUSessions
	loop     *agent.Loop
}

// newStack builds the agent from cfg. m may be nil. Nothing here dials
// Home Assistant; callers connect the websocket themselves.
func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*stack, error) {
	st := &stack{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(),
		metrics: m,
	}

	opts := providerOptions(cfg, logger)
	if cfg.Provider.SkipAuthentication {
		logger.Info("provider authentication check skipped")
	} else if err := llm.ValidateAuthentication(ctx, opts); err != nil {
		if errors.Is(err, llm.ErrAuthentication) {
			return nil, fmt.Errorf("provider rejected credentials: %w", err)
		}
		logger.Warn("provider not reachable at startup", "base_url", cfg.Provider.BaseURL, "error", err)
	}
	st.provider = llm.NewProviderRouter(opts, cfg.Provider.ResponsesModelPrefixes, logger, func(model string, err error) {
		m.RecordFallback(model)
		st.bus.Publish(events.Event{
			Source: events.SourceProvider,
			Kind:   events.KindProtocolFallback,
			Data:   map[string]any{"model": model, "error": err.Error()},
		})
	})

	st.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	st.ws = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	st.host = actions.New(st.ha, st.ws, actions.Options{
		ExposeAll: cfg.HomeAssistant.ExposeAll,
		Logger:    logger,
	})

	gen, err := agent.NewGeneration(cfg, st.host, logger)
	if err != nil {
		return nil, fmt.Errorf("build configuration generation: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	st.sessions = agent.NewLRUSessions(cfg.Sessions.MaxSessions, cfg.Sessions.IdleTTL, st.bus, m)
	st.loop = agent.NewLoop(logger, st.provider, st.host, st.sessions, gen)
	st.loop.SetEventBus(st.bus)
	st.loop.SetMetrics(m)
	st.loop.SetUsageRecorder(st.usage)

	logger.Info("agent initialized",
		"model", cfg.Agent.ChatModel,
		"tools", len(gen.Registry.Specs()),
		"multi_call", cfg.Agent.UseTools,
		"max_rounds", cfg.Agent.MaxFunctionCallsPerConversation,
	)
	return st, nil
}

// Close releases the websocket and the usage database.
func (st *stack) Close() {
	if err := st.ws.Close(); err != nil {
		st.logger.Debug("websocket close failed", "error", err)
	}
	if err := st.usage.Close(); err != nil {
		st.logger.Warn("usage store close failed", "error", err)
	}
}

func providerOptions(cfg *config.Config, logger *slog.Logger) llm.ProviderOptions {
	return llm.ProviderOptions{
		APIKey:       cfg.Provider.APIKey,
		BaseURL:      cfg.Provider.BaseURL,
		APIVersion:   cfg.Provider.APIVersion,
		Organization: cfg.Provider.Organization,
		MaxRetries:   cfg.Provider.MaxRetries,
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Provider.Timeout),
			httpkit.WithLogger(logger),
		),
	}
}
