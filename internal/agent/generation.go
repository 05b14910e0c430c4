package agent

import (
	"log/slog"

	"github.com/nugget/ampere/internal/config"
	"github.com/nugget/ampere/internal/tools"
)

// Settings are the loop parameters of one configuration generation.
type Settings struct {
	Prompt           string
	Model            string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	MaxRounds        int
	ContextThreshold int
	Truncation       TruncationPolicy
	// MultiCall selects tools/tool_choice over functions/function_call
	// on chat completions.
	MultiCall      bool
	AttachUsername bool
}

// Generation is an immutable snapshot of configuration the loop runs
// against. A reload builds a new generation and swaps it in; runs in
// flight finish on the one they started with.
type Generation struct {
	ID       uint64
	Settings Settings
	Registry *tools.Registry
}

// NewGeneration builds the settings and active tool registry for cfg.
func NewGeneration(cfg *config.Config, natives tools.NativeSet, logger *slog.Logger) (*Generation, error) {
	policy, err := NewTruncationPolicy(cfg.Agent.ContextTruncateStrategy)
	if err != nil {
		return nil, err
	}
	defs := tools.Builtins(cfg.Tools.CalendarEntity)
	return &Generation{
		Settings: Settings{
			Prompt:           cfg.Agent.Prompt,
			Model:            cfg.Agent.ChatModel,
			MaxTokens:        cfg.Agent.MaxTokens,
			Temperature:      cfg.Agent.Temperature,
			TopP:             cfg.Agent.TopP,
			MaxRounds:        cfg.Agent.MaxFunctionCallsPerConversation,
			ContextThreshold: cfg.Agent.ContextThreshold,
			Truncation:       policy,
			MultiCall:        cfg.Agent.UseTools,
			AttachUsername:   cfg.Agent.AttachUsername,
		},
		Registry: tools.NewRegistry(defs, cfg.Tools.IsEnabled, natives, logger),
	}, nil
}
