package agent

import (
	"context"

	"github.com/nugget/ampere/internal/llm"
	"github.com/nugget/ampere/internal/tools"
)

// Host is the platform the agent serves: it supplies the entity
// snapshot, renders templates, and runs tool executors. It must be safe
// for concurrent use.
type Host interface {
	tools.Host
	// ExposedEntities returns the entities the model may see.
	ExposedEntities(ctx context.Context) ([]tools.ExposedEntity, error)
	// LocationName returns the installation's display name.
	LocationName(ctx context.Context) (string, error)
}

// renderSystemMessage builds history[0] from the prompt template and a
// fresh entity snapshot. The snapshot is returned for reuse as tool
// context.
func renderSystemMessage(ctx context.Context, host Host, prompt, deviceID string) (llm.Message, []tools.ExposedEntity, error) {
	exposed, err := host.ExposedEntities(ctx)
	if err != nil {
		return llm.Message{}, nil, &Error{Kind: KindHost, Op: "load exposed entities", Err: err}
	}
	name, err := host.LocationName(ctx)
	if err != nil {
		return llm.Message{}, nil, &Error{Kind: KindHost, Op: "load location name", Err: err}
	}

	vars := map[string]any{
		"ha_name":           name,
		"exposed_entities":  exposed,
		"current_device_id": deviceID,
	}
	content, err := host.RenderTemplate(ctx, prompt, vars)
	if err != nil {
		return llm.Message{}, nil, &Error{Kind: KindTemplateRender, Op: "render system prompt", Err: err}
	}
	return llm.Message{Role: llm.RoleSystem, Content: content}, exposed, nil
}
