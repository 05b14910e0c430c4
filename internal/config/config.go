// Package config handles Ampere configuration loading.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names a config file when no -config flag is given.
const EnvConfigPath = "AMPERE_CONFIG"

// SearchPaths lists where FindConfig looks, in order: ./config.yaml,
// $XDG_CONFIG_HOME/ampere (or ~/.config/ampere), then /etc/ampere.
func SearchPaths() []string {
	paths := []string{"config.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "ampere", "config.yaml"))
	}
	return append(paths, "/etc/ampere/config.yaml")
}

// FindConfig resolves the config file. An explicit path, or else
// $AMPERE_CONFIG, must exist; otherwise the first of SearchPaths that
// exists wins.
func FindConfig(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvConfigPath)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := SearchPaths()
	if i := slices.IndexFunc(paths, func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}); i >= 0 {
		return paths[i], nil
	}
	return "", fmt.Errorf("no config file found in %s", strings.Join(paths, ", "))
}

// Config holds all Ampere configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Provider      ProviderConfig      `yaml:"provider"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Tracing       TracingConfig       `yaml:"tracing"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// ExposeAll skips the conversation expose list and treats every
	// entity as exposed. Useful for installations that predate the
	// expose settings.
	ExposeAll bool `yaml:"expose_all"`
}

// ProviderConfig defines the OpenAI-compatible provider connection.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"` // Azure only
	Organization string `yaml:"organization"`
	// SkipAuthentication disables the startup credential check.
	SkipAuthentication bool `yaml:"skip_authentication"`
	// ResponsesModelPrefixes lists model-name prefixes that are sent
	// over the Responses protocol. Everything else uses chat completions.
	ResponsesModelPrefixes []string `yaml:"responses_model_prefixes"`
	// MaxRetries is handed to the provider SDKs for HTTP-level retries.
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IsAzure reports whether the base URL points at an Azure OpenAI endpoint.
func (p ProviderConfig) IsAzure() bool {
	return strings.Contains(strings.ToLower(p.BaseURL), "azure")
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	// Prompt is the system prompt template. Rendered by Home Assistant
	// with ha_name, exposed_entities, and current_device_id.
	Prompt                          string  `yaml:"prompt"`
	ChatModel                       string  `yaml:"chat_model"`
	MaxTokens                       int     `yaml:"max_tokens"`
	Temperature                     float64 `yaml:"temperature"`
	TopP                            float64 `yaml:"top_p"`
	MaxFunctionCallsPerConversation int     `yaml:"max_function_calls_per_conversation"`
	ContextThreshold                int     `yaml:"context_threshold"`
	ContextTruncateStrategy         string  `yaml:"context_truncate_strategy"`
	// UseTools selects the multi-call tools protocol on chat
	// completions. False uses the single-call functions protocol.
	UseTools bool `yaml:"use_tools"`
	// AttachUsername tags each user message with the caller's user id.
	AttachUsername bool `yaml:"attach_username"`
}

// ToolsConfig holds per-tool enablement. Tools missing from Enabled
// are on.
type ToolsConfig struct {
	Enabled map[string]bool `yaml:"enabled"`
	// CalendarEntity is the calendar targeted by create_event and
	// get_events. Left empty, those two tools are not registered.
	CalendarEntity string `yaml:"calendar_entity"`
}

// IsEnabled reports whether the named tool is switched on.
func (t ToolsConfig) IsEnabled(name string) bool {
	on, ok := t.Enabled[name]
	return !ok || on
}

// SessionsConfig bounds the in-memory conversation store.
type SessionsConfig struct {
	MaxSessions int           `yaml:"max_sessions"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry export. An empty endpoint
// keeps the no-op tracer.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MQTTConfig defines the optional broker that receives finished
// conversations. An empty broker disables the sink.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	// DiscoveryPrefix is Home Assistant's MQTT discovery prefix. The
	// agent announces a "last conversation" sensor under it.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Defaults mirroring the original energy agent integration.
const (
	DefaultBaseURL          = "https://api.openai.com/v1"
	DefaultChatModel        = "gpt-5"
	DefaultMaxTokens        = 3000
	DefaultTemperature      = 1.0
	DefaultTopP             = 1.0
	DefaultMaxFunctionCalls = 10
	DefaultContextThreshold = 13000
	DefaultTruncateStrategy = "clear"
	DefaultMaxSessions      = 256
	DefaultIdleTTL          = 24 * time.Hour
	DefaultMQTTTopic        = "ampere/conversation/finished"
)

// TruncateStrategies lists the accepted context_truncate_strategy keys.
var TruncateStrategies = []string{"clear"}

// Load reads, parses and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over Default(), fills derived defaults and
// validates. ${NAME} references are replaced from the environment
// first, so tokens can stay out of the file.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Provider: ProviderConfig{
			BaseURL:                DefaultBaseURL,
			ResponsesModelPrefixes: []string{"gpt-5", "o1"},
			MaxRetries:             2,
			Timeout:                2 * time.Minute,
		},
		Agent: AgentConfig{
			Prompt:                          DefaultPrompt,
			ChatModel:                       DefaultChatModel,
			MaxTokens:                       DefaultMaxTokens,
			Temperature:                     DefaultTemperature,
			TopP:                            DefaultTopP,
			MaxFunctionCallsPerConversation: DefaultMaxFunctionCalls,
			ContextThreshold:                DefaultContextThreshold,
			ContextTruncateStrategy:         DefaultTruncateStrategy,
		},
		Sessions: SessionsConfig{
			MaxSessions: DefaultMaxSessions,
			IdleTTL:     DefaultIdleTTL,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		MQTT: MQTTConfig{
			Topic:           DefaultMQTTTopic,
			ClientID:        "ampere",
			DiscoveryPrefix: "homeassistant",
			DeviceName:      "ampere",
		},
		DataDir: "./data",
	}
}

// applyDefaults fills fields that YAML explicitly blanked.
func (c *Config) applyDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Agent.Prompt) == "" {
		c.Agent.Prompt = DefaultPrompt
	}
	if c.Agent.ChatModel == "" {
		c.Agent.ChatModel = DefaultChatModel
	}
	if c.Agent.ContextTruncateStrategy == "" {
		c.Agent.ContextTruncateStrategy = DefaultTruncateStrategy
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = DefaultMaxSessions
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultMQTTTopic
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "ampere"
	}
}

// Validate reports configuration errors that would make the agent
// misbehave at runtime. All problems are joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("homeassistant.url is required"))
	}
	if c.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("homeassistant.token is required"))
	}
	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens must be positive, got %d", c.Agent.MaxTokens))
	}
	if c.Agent.MaxFunctionCallsPerConversation < 0 {
		errs = append(errs, fmt.Errorf("agent.max_function_calls_per_conversation must not be negative, got %d",
			c.Agent.MaxFunctionCallsPerConversation))
	}
	if c.Agent.ContextThreshold <= 0 {
		errs = append(errs, fmt.Errorf("agent.context_threshold must be positive, got %d", c.Agent.ContextThreshold))
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature must be within [0, 2], got %g", c.Agent.Temperature))
	}
	if c.Agent.TopP < 0 || c.Agent.TopP > 1 {
		errs = append(errs, fmt.Errorf("agent.top_p must be within [0, 1], got %g", c.Agent.TopP))
	}
	if !validStrategy(c.Agent.ContextTruncateStrategy) {
		errs = append(errs, fmt.Errorf("agent.context_truncate_strategy %q is not supported (valid: %s)",
			c.Agent.ContextTruncateStrategy, strings.Join(TruncateStrategies, ", ")))
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must not be negative, got %d", c.Sessions.MaxSessions))
	}
	if c.Provider.IsAzure() && c.Provider.APIVersion == "" {
		errs = append(errs, errors.New("provider.api_version is required for Azure endpoints"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validStrategy(s string) bool {
	for _, k := range TruncateStrategies {
		if k == s {
			return true
		}
	}
	return false
}
