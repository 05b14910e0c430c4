package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// State is an entity state.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, or the entity id.
func (s State) FriendlyName() string {
	if fn, _ := s.Attributes["friendly_name"].(string); fn != "" {
		return fn
	}
	return s.EntityID
}

// Config is the part of /api/config the agent uses.
type Config struct {
	LocationName string   `json:"location_name"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	TimeZone     string   `json:"time_zone"`
	Version      string   `json:"version"`
	Components   []string `json:"components"`
	UnitSystem   struct {
		Energy      string `json:"energy"`
		Temperature string `json:"temperature"`
	} `json:"unit_system"`
}

// ServiceResult is the reply to a service call.
type ServiceResult struct {
	ChangedStates []State `json:"changed_states"`
	// Response is only present when the caller asked for it.
	Response json.RawMessage `json:"service_response,omitempty"`
}

// Ping checks that the API answers. It ignores the readiness gate.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.send(ctx, request{method: http.MethodGet, path: "/api/", out: &status, probe: true}); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status %q", status.Message)
	}
	return nil
}

// GetConfig returns the instance configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	cfg, err := fetch[Config](ctx, c, "/api/config")
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates returns every entity state.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	return fetch[[]State](ctx, c, "/api/states")
}

// GetState returns one entity state; a missing entity is a 404 APIError.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	s, err := fetch[State](ctx, c, "/api/states/"+url.PathEscape(entityID))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CallService calls domain.service. With returnResponse the service's
// own response is requested and carried in the result.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any, returnResponse bool) (*ServiceResult, error) {
	if data == nil {
		data = map[string]any{}
	}
	r := request{
		method: http.MethodPost,
		path:   "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service),
		body:   data,
	}

	var result ServiceResult
	if returnResponse {
		r.path += "?return_response"
		r.out = &result
	} else {
		// Without return_response the reply is the bare list of changed states.
		r.out = &result.ChangedStates
	}
	if err := c.send(ctx, r); err != nil {
		return nil, err
	}
	return &result, nil
}

// RenderTemplate renders tmpl with variables. A template Home Assistant
// rejects comes back as a *TemplateError.
func (c *Client) RenderTemplate(ctx context.Context, tmpl string, variables map[string]any) (string, error) {
	body := map[string]any{"template": tmpl}
	if len(variables) > 0 {
		body["variables"] = variables
	}

	var out strings.Builder
	err := c.send(ctx, request{method: http.MethodPost, path: "/api/template", body: body, out: &out})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal([]byte(apiErr.Body), &msg) != nil || msg.Message == "" {
			msg.Message = apiErr.Body
		}
		return "", &TemplateError{Message: msg.Message}
	}
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// FireEvent fires eventType on the Home Assistant event bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	return c.send(ctx, request{method: http.MethodPost, path: "/api/events/" + url.PathEscape(eventType), body: data})
}

func automationPath(id string) string {
	return "/api/config/automation/config/" + url.PathEscape(id)
}

// GetAutomationConfig returns the stored configuration of the
// automation with config id id (not its entity id).
func (c *Client) GetAutomationConfig(ctx context.Context, id string) (map[string]any, error) {
	return fetch[map[string]any](ctx, c, automationPath(id))
}

// SaveAutomationConfig creates or replaces an automation. Home
// Assistant reloads automations itself.
func (c *Client) SaveAutomationConfig(ctx context.Context, id string, cfg map[string]any) error {
	return c.send(ctx, request{method: http.MethodPost, path: automationPath(id), body: cfg})
}

// DeleteAutomationConfig removes an automation.
func (c *Client) DeleteAutomationConfig(ctx context.Context, id string) error {
	return c.send(ctx, request{method: http.MethodDelete, path: automationPath(id)})
}
