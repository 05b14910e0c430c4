package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

func (c *WSClient) callInto(ctx context.Context, msgType string, fields map[string]any, out any) error {
	raw, err := c.Call(ctx, msgType, fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", msgType, err)
	}
	return nil
}

// ExposedTo lists, sorted, the entity ids exposed to an assistant such
// as "conversation".
func (c *WSClient) ExposedTo(ctx context.Context, assistant string) ([]string, error) {
	var result struct {
		Exposed map[string]map[string]bool `json:"exposed_entities"`
	}
	if err := c.callInto(ctx, "homeassistant/expose_entity/list", nil, &result); err != nil {
		return nil, err
	}
	ids := []string{}
	for id, to := range result.Exposed {
		if to[assistant] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// EntityRegistryEntry holds the registry fields the agent reads.
type EntityRegistryEntry struct {
	EntityID string   `json:"entity_id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Platform string   `json:"platform"`
	UniqueID string   `json:"unique_id"` // automation id in the config API
}

// EntityEntries fetches registry entries by entity id. Ids without an
// entry are missing from the result.
func (c *WSClient) EntityEntries(ctx context.Context, entityIDs []string) (map[string]EntityRegistryEntry, error) {
	out := make(map[string]EntityRegistryEntry, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	var raw map[string]*EntityRegistryEntry
	if err := c.callInto(ctx, "config/entity_registry/get_entries", map[string]any{"entity_ids": entityIDs}, &raw); err != nil {
		return nil, err
	}
	for id, e := range raw {
		if e != nil {
			out[id] = *e
		}
	}
	return out, nil
}

// StatisticsRequest selects long-term statistics.
type StatisticsRequest struct {
	StartTime    string
	EndTime      string
	StatisticIDs []string
	Period       string
	Types        []string
}

// StatisticsDuringPeriod returns recorder statistics keyed by statistic
// id, as Home Assistant sends them.
func (c *WSClient) StatisticsDuringPeriod(ctx context.Context, req StatisticsRequest) (json.RawMessage, error) {
	fields := map[string]any{
		"start_time":    req.StartTime,
		"statistic_ids": req.StatisticIDs,
		"period":        req.Period,
	}
	if req.EndTime != "" {
		fields["end_time"] = req.EndTime
	}
	if len(req.Types) > 0 {
		fields["types"] = req.Types
	}
	return c.Call(ctx, "recorder/statistics_during_period", fields)
}

// StatisticID describes one recorded statistic.
type StatisticID struct {
	StatisticID       string `json:"statistic_id"`
	Name              string `json:"name"`
	Source            string `json:"source"`
	UnitOfMeasurement string `json:"statistics_unit_of_measurement"`
	HasSum            bool   `json:"has_sum"`
}

// ListStatisticIDs lists recorded statistics of statType ("sum",
// "mean") or all of them when statType is empty.
func (c *WSClient) ListStatisticIDs(ctx context.Context, statType string) ([]StatisticID, error) {
	var fields map[string]any
	if statType != "" {
		fields = map[string]any{"statistic_type": statType}
	}
	var ids []StatisticID
	err := c.callInto(ctx, "recorder/list_statistic_ids", fields, &ids)
	return ids, err
}

// EnergyPrefs returns the energy dashboard configuration.
func (c *WSClient) EnergyPrefs(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "energy/get_prefs", nil)
}
