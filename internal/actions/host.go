// Package actions implements the agent's host collaborator over Home
// Assistant: the exposed entity snapshot, template rendering, script
// steps, and the native bodies behind the built-in tools.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/ampere/internal/homeassistant"
	"github.com/nugget/ampere/internal/tools"
)

// REST is the subset of the Home Assistant REST client the host uses.
type REST interface {
	GetConfig(ctx context.Context) (*homeassistant.Config, error)
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any, returnResponse bool) (*homeassistant.ServiceResult, error)
	RenderTemplate(ctx context.Context, tmpl string, variables map[string]any) (string, error)
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
	GetAutomationConfig(ctx context.Context, id string) (map[string]any, error)
	SaveAutomationConfig(ctx context.Context, id string, cfg map[string]any) error
	DeleteAutomationConfig(ctx context.Context, id string) error
}

// Registry is the subset of the WebSocket client the host uses.
type Registry interface {
	ExposedTo(ctx context.Context, assistant string) ([]string, error)
	EntityEntries(ctx context.Context, entityIDs []string) (map[string]homeassistant.EntityRegistryEntry, error)
	StatisticsDuringPeriod(ctx context.Context, req homeassistant.StatisticsRequest) (json.RawMessage, error)
	ListStatisticIDs(ctx context.Context, statType string) ([]homeassistant.StatisticID, error)
	EnergyPrefs(ctx context.Context) (json.RawMessage, error)
}

// ConversationAssistant is the assistant id entities are exposed to.
const ConversationAssistant = "conversation"

// Options configures a Host.
type Options struct {
	// ExposeAll treats every entity as exposed.
	ExposeAll bool
	// CacheTTL bounds how long the expose list and aliases are reused.
	// Entity states are always read fresh. Zero means one minute.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

type nativeFunc func(ctx context.Context, args map[string]any, inv tools.Invocation) (any, error)

// Host implements agent.Host over Home Assistant. It is safe for
// concurrent use.
type Host struct {
	rest      REST
	registry  Registry
	exposeAll bool
	ttl       time.Duration
	logger    *slog.Logger
	natives   map[string]nativeFunc
	now       func() time.Time

	mu        sync.Mutex
	exposed   map[string]bool
	aliases   map[string][]string
	fetchedAt time.Time
	location  string
}

// New creates a Host.
func New(rest REST, registry Registry, opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	h := &Host{
		rest:      rest,
		registry:  registry,
		exposeAll: opts.ExposeAll,
		ttl:       ttl,
		logger:    logger.With("component", "actions"),
		now:       time.Now,
	}
	h.natives = map[string]nativeFunc{
		tools.NativeExecuteService:   h.executeService,
		tools.NativeGetEnergy:        h.getEnergy,
		tools.NativeGetStatistics:    h.getStatistics,
		tools.NativeAddAutomation:    h.addAutomation,
		tools.NativeGetAutomation:    h.getAutomation,
		tools.NativeAdjustAutomation: h.adjustAutomation,
	}
	return h
}

// HasNative implements tools.NativeSet.
func (h *Host) HasNative(name string) bool {
	_, ok := h.natives[name]
	return ok
}

// InvokeNative implements tools.Host.
func (h *Host) InvokeNative(ctx context.Context, name string, args map[string]any, inv tools.Invocation) (any, error) {
	fn, ok := h.natives[name]
	if !ok {
		return nil, fmt.Errorf("native operation %q is not provided", name)
	}
	return fn(ctx, args, inv)
}

// RenderTemplate implements tools.Host.
func (h *Host) RenderTemplate(ctx context.Context, tmpl string, variables map[string]any) (string, error) {
	return h.rest.RenderTemplate(ctx, tmpl, variables)
}

// LocationName returns the configured location name. It is read once
// and kept until Invalidate.
func (h *Host) LocationName(ctx context.Context) (string, error) {
	h.mu.Lock()
	name := h.location
	h.mu.Unlock()
	if name != "" {
		return name, nil
	}

	cfg, err := h.rest.GetConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	h.mu.Lock()
	h.location = cfg.LocationName
	h.mu.Unlock()
	return cfg.LocationName, nil
}

// Invalidate drops cached registry data. Called when Home Assistant
// reports an entity registry change.
func (h *Host) Invalidate() {
	h.mu.Lock()
	h.exposed = nil
	h.aliases = nil
	h.fetchedAt = time.Time{}
	h.location = ""
	h.mu.Unlock()
}

// ExposedEntities returns the entities exposed to the conversation
// assistant with their current state and registry aliases, sorted by
// entity id.
func (h *Host) ExposedEntities(ctx context.Context) ([]tools.ExposedEntity, error) {
	states, err := h.rest.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}

	exposed, aliases, err := h.registryData(ctx, states)
	if err != nil {
		return nil, err
	}

	out := make([]tools.ExposedEntity, 0, len(exposed))
	for _, s := range states {
		if !h.exposeAll && !exposed[s.EntityID] {
			continue
		}
		a := aliases[s.EntityID]
		if a == nil {
			a = []string{}
		}
		out = append(out, tools.ExposedEntity{
			EntityID: s.EntityID,
			Name:     s.FriendlyName(),
			State:    s.State,
			Aliases:  a,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// registryData returns the exposed set and aliases, refreshing them
// when the cache is empty or stale.
func (h *Host) registryData(ctx context.Context, states []homeassistant.State) (map[string]bool, map[string][]string, error) {
	h.mu.Lock()
	if h.aliases != nil && h.now().Sub(h.fetchedAt) < h.ttl {
		exposed, aliases := h.exposed, h.aliases
		h.mu.Unlock()
		return exposed, aliases, nil
	}
	h.mu.Unlock()

	exposed := make(map[string]bool)
	if h.exposeAll {
		for _, s := range states {
			exposed[s.EntityID] = true
		}
	} else {
		ids, err := h.registry.ExposedTo(ctx, ConversationAssistant)
		if err != nil {
			return nil, nil, fmt.Errorf("list exposed entities: %w", err)
		}
		for _, id := range ids {
			exposed[id] = true
		}
	}

	ids := make([]string, 0, len(exposed))
	for id := range exposed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	aliases := make(map[string][]string, len(ids))
	entries, err := h.registry.EntityEntries(ctx, ids)
	if err != nil {
		// Aliases only improve name matching.
		h.logger.Warn("entity registry unavailable, continuing without aliases", "error", err)
	}
	for id, e := range entries {
		if len(e.Aliases) > 0 {
			aliases[id] = e.Aliases
		}
	}

	h.mu.Lock()
	h.exposed, h.aliases, h.fetchedAt = exposed, aliases, h.now()
	h.mu.Unlock()
	return exposed, aliases, nil
}
