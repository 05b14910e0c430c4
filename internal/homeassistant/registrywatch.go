package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
)

// EventEntityRegistryUpdated is fired when an entity is created,
// removed, or edited (aliases, name, exposure options).
const EventEntityRegistryUpdated = "entity_registry_updated"

// RegistryChange describes one entity registry update.
type RegistryChange struct {
	Action   string `json:"action"` // create, remove or update
	EntityID string `json:"entity_id"`
}

// RegistryWatcher reads entity_registry_updated events from a
// WebSocket event channel and reports each change. Other event types
// are ignored.
type RegistryWatcher struct {
	events   <-chan Event
	onChange func(RegistryChange)
	logger   *slog.Logger
}

// NewRegistryWatcher creates a watcher over events.
func NewRegistryWatcher(events <-chan Event, onChange func(RegistryChange), logger *slog.Logger) *RegistryWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryWatcher{events: events, onChange: onChange, logger: logger}
}

// Run reads events until ctx is cancelled or the channel is closed.
func (w *RegistryWatcher) Run(ctx context.Context) {
	w.logger.Debug("registry watcher started")
	defer w.logger.Debug("registry watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			if ev.Type != EventEntityRegistryUpdated {
				continue
			}
			var change RegistryChange
			if err := json.Unmarshal(ev.Data, &change); err != nil {
				w.logger.Debug("failed to decode registry update", "error", err)
				continue
			}
			w.onChange(change)
		}
	}
}
