package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StoredEvent is one persisted dashboard event row.
type StoredEvent struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventService queries the persisted event stream for WebSocket catchup.
// Writes go through the events publisher, which persists and notifies in a
// single transaction; this service only reads and prunes.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// GetEventsSince retrieves events on a channel with IDs greater than sinceID,
// oldest first. Used by dashboard clients to close the gap after a reconnect.
// A positive limit caps the result; zero means unlimited.
func (s *EventService) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]StoredEvent, error) {
	query := `SELECT id, project_id, channel, payload, created_at
		 FROM events WHERE channel = $1 AND id > $2 ORDER BY id`
	args := []any{channel, sinceID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Channel, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupOlderThan removes events past the TTL.
func (s *EventService) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
