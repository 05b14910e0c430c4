package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nugget/ampere/internal/homeassistant"
	"github.com/nugget/ampere/internal/tools"
)

// EventAutomationRegistered is fired on the Home Assistant bus after
// add_automation stores a new automation.
const EventAutomationRegistered = "automation_registered_via_ampere"

// ErrNotExposed is returned when a service call targets an entity the
// conversation assistant cannot see.
var ErrNotExposed = errors.New("entity is not exposed")

func stringArg(args map[string]any, key string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("missing required argument %q", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", fmt.Errorf("argument %q must not be empty", key)
	}
	return s, nil
}

func stringList(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}

// serviceCall is one entry of the execute_services list argument.
type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

func parseServiceCalls(args map[string]any) ([]serviceCall, error) {
	list, ok := args["list"].([]any)
	if !ok {
		return nil, errors.New(`argument "list" must be an array`)
	}
	if len(list) == 0 {
		return nil, errors.New(`argument "list" is empty`)
	}

	calls := make([]serviceCall, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list[%d] must be an object", i)
		}
		domain, err := stringArg(entry, "domain", true)
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		service, err := stringArg(entry, "service", true)
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		data, _ := entry["service_data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		calls = append(calls, serviceCall{Domain: domain, Service: service, Data: data})
	}
	return calls, nil
}

// executeService validates every call first, then calls each service
// in order. Entities must be exposed unless expose_all is set.
func (h *Host) executeService(ctx context.Context, args map[string]any, inv tools.Invocation) (any, error) {
	calls, err := parseServiceCalls(args)
	if err != nil {
		return nil, err
	}

	exposed := make(map[string]bool, len(inv.Exposed))
	for _, e := range inv.Exposed {
		exposed[e.EntityID] = true
	}
	for i, c := range calls {
		ids, err := stringList(c.Data["entity_id"])
		if err != nil {
			return nil, fmt.Errorf("list[%d]: entity_id: %w", i, err)
		}
		if h.exposeAll {
			continue
		}
		for _, id := range ids {
			if !exposed[id] {
				return nil, fmt.Errorf("%w: %s", ErrNotExposed, id)
			}
		}
	}

	type result struct {
		Service string   `json:"service"`
		Changed []string `json:"changed_entities"`
	}
	results := make([]result, 0, len(calls))
	for _, c := range calls {
		res, err := h.rest.CallService(ctx, c.Domain, c.Service, c.Data, false)
		if err != nil {
			return nil, fmt.Errorf("call %s.%s: %w", c.Domain, c.Service, err)
		}
		r := result{Service: c.Domain + "." + c.Service, Changed: []string{}}
		for _, s := range res.ChangedStates {
			r.Changed = append(r.Changed, s.EntityID)
		}
		results = append(results, r)
	}
	return map[string]any{"success": true, "results": results}, nil
}

// getEnergy returns the energy dashboard configuration and the
// statistics that accumulate a sum.
func (h *Host) getEnergy(ctx context.Context, _ map[string]any, _ tools.Invocation) (any, error) {
	prefs, err := h.registry.EnergyPrefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("get energy preferences: %w", err)
	}
	ids, err := h.registry.ListStatisticIDs(ctx, "sum")
	if err != nil {
		return nil, fmt.Errorf("list statistic ids: %w", err)
	}
	return map[string]any{
		"energy_preferences": prefs,
		"statistic_ids":      ids,
	}, nil
}

var validPeriods = map[string]bool{"5minute": true, "hour": true, "day": true, "week": true, "month": true}

func (h *Host) getStatistics(ctx context.Context, args map[string]any, _ tools.Invocation) (any, error) {
	start, err := stringArg(args, "start_time", true)
	if err != nil {
		return nil, err
	}
	end, err := stringArg(args, "end_time", false)
	if err != nil {
		return nil, err
	}
	period, err := stringArg(args, "period", true)
	if err != nil {
		return nil, err
	}
	if !validPeriods[period] {
		return nil, fmt.Errorf("unsupported period %q", period)
	}
	ids, err := stringList(args["statistic_ids"])
	if err != nil {
		return nil, fmt.Errorf("statistic_ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New("statistic_ids must not be empty")
	}

	return h.registry.StatisticsDuringPeriod(ctx, homeassistant.StatisticsRequest{
		StartTime:    start,
		EndTime:      end,
		StatisticIDs: ids,
		Period:       period,
	})
}

// parseAutomationYAML decodes an automation definition. A list holding
// exactly one automation is accepted.
func parseAutomationYAML(src string) (map[string]any, error) {
	var doc any
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("invalid automation YAML: %w", err)
	}
	if list, ok := doc.([]any); ok {
		if len(list) != 1 {
			return nil, fmt.Errorf("expected one automation, got %d", len(list))
		}
		doc = list[0]
	}
	cfg, ok := doc.(map[string]any)
	if !ok || len(cfg) == 0 {
		return nil, errors.New("automation YAML must be a mapping")
	}
	if _, ok := cfg["trigger"]; !ok {
		if _, ok := cfg["triggers"]; !ok {
			return nil, errors.New("automation has no trigger")
		}
	}
	return cfg, nil
}

func (h *Host) addAutomation(ctx context.Context, args map[string]any, _ tools.Invocation) (any, error) {
	raw, err := stringArg(args, "automation_config", true)
	if err != nil {
		return nil, err
	}
	cfg, err := parseAutomationYAML(raw)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	cfg["id"] = id
	if _, ok := cfg["alias"]; !ok {
		cfg["alias"] = "Ampere automation " + id[:8]
	}

	// The config API reloads automations after saving.
	if err := h.rest.SaveAutomationConfig(ctx, id, cfg); err != nil {
		return nil, fmt.Errorf("save automation: %w", err)
	}
	h.logger.Info("automation registered", "id", id, "alias", cfg["alias"])

	if err := h.rest.FireEvent(ctx, EventAutomationRegistered, map[string]any{
		"automation_config": cfg,
		"raw_config":        raw,
	}); err != nil {
		h.logger.Warn("failed to fire automation event", "id", id, "error", err)
	}
	return map[string]any{"success": true, "id": id}, nil
}

// automationSummary is one automation as reported by get_automation.
type automationSummary struct {
	EntityID      string `json:"entity_id"`
	Alias         string `json:"alias"`
	State         string `json:"state"`
	ID            string `json:"id,omitempty"`
	LastTriggered any    `json:"last_triggered"`
}

func summarize(s homeassistant.State) automationSummary {
	id, _ := s.Attributes["id"].(string)
	return automationSummary{
		EntityID:      s.EntityID,
		Alias:         s.FriendlyName(),
		State:         s.State,
		ID:            id,
		LastTriggered: s.Attributes["last_triggered"],
	}
}

func (h *Host) getAutomation(ctx context.Context, args map[string]any, _ tools.Invocation) (any, error) {
	entityID, err := stringArg(args, "automation_id", false)
	if err != nil {
		return nil, err
	}

	if entityID == "" {
		states, err := h.rest.GetStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("get states: %w", err)
		}
		out := []automationSummary{}
		for _, s := range states {
			if strings.HasPrefix(s.EntityID, "automation.") {
				out = append(out, summarize(s))
			}
		}
		return out, nil
	}

	summary, cfg, err := h.loadAutomation(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"automation": summary, "config": cfg}, nil
}

// loadAutomation resolves an automation entity to its stored config.
// The config is nil for automations defined outside the config API.
func (h *Host) loadAutomation(ctx context.Context, entityID string) (automationSummary, map[string]any, error) {
	if !strings.HasPrefix(entityID, "automation.") {
		entityID = "automation." + entityID
	}
	state, err := h.rest.GetState(ctx, entityID)
	if err != nil {
		if homeassistant.IsNotFound(err) {
			return automationSummary{}, nil, fmt.Errorf("automation %s not found", entityID)
		}
		return automationSummary{}, nil, fmt.Errorf("get %s: %w", entityID, err)
	}
	summary := summarize(*state)
	if summary.ID == "" {
		return summary, nil, nil
	}
	cfg, err := h.rest.GetAutomationConfig(ctx, summary.ID)
	if err != nil {
		if homeassistant.IsNotFound(err) {
			return summary, nil, nil
		}
		return summary, nil, fmt.Errorf("get automation config: %w", err)
	}
	return summary, cfg, nil
}

func (h *Host) adjustAutomation(ctx context.Context, args map[string]any, _ tools.Invocation) (any, error) {
	entityID, err := stringArg(args, "automation_id", true)
	if err != nil {
		return nil, err
	}
	action, err := stringArg(args, "action", true)
	if err != nil {
		return nil, err
	}

	summary, cfg, err := h.loadAutomation(ctx, entityID)
	if err != nil {
		return nil, err
	}

	switch action {
	case "enable", "disable":
		service := "turn_on"
		if action == "disable" {
			service = "turn_off"
		}
		if _, err := h.rest.CallService(ctx, "automation", service, map[string]any{"entity_id": summary.EntityID}, false); err != nil {
			return nil, fmt.Errorf("%s %s: %w", action, summary.EntityID, err)
		}

	case "delete":
		if cfg == nil {
			return nil, fmt.Errorf("automation %s is not editable through the config API", summary.EntityID)
		}
		if err := h.rest.DeleteAutomationConfig(ctx, summary.ID); err != nil {
			return nil, fmt.Errorf("delete %s: %w", summary.EntityID, err)
		}

	case "update":
		if cfg == nil {
			return nil, fmt.Errorf("automation %s is not editable through the config API", summary.EntityID)
		}
		raw, err := stringArg(args, "new_config", true)
		if err != nil {
			return nil, err
		}
		next, err := parseAutomationYAML(raw)
		if err != nil {
			return nil, err
		}
		next["id"] = summary.ID
		if _, ok := next["alias"]; !ok {
			next["alias"] = cfg["alias"]
		}
		if err := h.rest.SaveAutomationConfig(ctx, summary.ID, next); err != nil {
			return nil, fmt.Errorf("update %s: %w", summary.EntityID, err)
		}

	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}

	h.logger.Info("automation adjusted", "entity_id", summary.EntityID, "action", action)
	return map[string]any{"success": true, "entity_id": summary.EntityID, "action": action}, nil
}
