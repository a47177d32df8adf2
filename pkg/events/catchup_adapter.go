package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conduit-mcp/conduit/pkg/services"
)

// EventCatchupAdapter exposes the persisted event store through the
// CatchupQuerier interface the ConnectionManager consumes.
type EventCatchupAdapter struct {
	svc *services.EventService
}

func NewEventCatchupAdapter(svc *services.EventService) *EventCatchupAdapter {
	return &EventCatchupAdapter{svc: svc}
}

func (a *EventCatchupAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	stored, err := a.svc.GetEventsSince(ctx, channel, sinceID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]CatchupEvent, 0, len(stored))
	for _, e := range stored {
		var payload map[string]any
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			// Skip rather than fail the whole replay on one bad row.
			slog.Warn("Skipping undecodable stored event", "event_id", e.ID, "error", err)
			continue
		}
		out = append(out, CatchupEvent{ID: e.ID, Payload: payload})
	}
	return out, nil
}
