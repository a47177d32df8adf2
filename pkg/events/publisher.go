package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/conduit-mcp/conduit/pkg/metrics"
	"github.com/conduit-mcp/conduit/pkg/models"
)

// notifyPayloadLimit leaves headroom under PostgreSQL's 8000-byte NOTIFY
// cap. Larger payloads are replaced by a truncation envelope; clients fetch
// the full row via catchup using db_event_id.
const notifyPayloadLimit = 7900

// Publisher publishes dashboard events. Persistent events are stored in the
// events table then broadcast via NOTIFY in one transaction; transient
// events are broadcast via NOTIFY only.
//
// Publisher also satisfies the proxy's Notifier interface so tool call
// completions flow onto the stream without the proxy importing this package's
// payload types.
type Publisher struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewPublisher creates a Publisher over the shared connection pool. m may be
// nil to run unmetered.
func NewPublisher(db *sql.DB, m *metrics.Metrics) *Publisher {
	return &Publisher{db: db, metrics: m}
}

// record counts one successful publish.
func (p *Publisher) record(eventType string, persistent bool) {
	if p.metrics != nil {
		p.metrics.RecordEventPublished(eventType, persistent)
	}
}

// PublishServerStatus persists a server.status event on the project channel
// and broadcasts a transient copy to the global servers channel. Both
// publishes are attempted; the first error encountered is returned.
func (p *Publisher) PublishServerStatus(ctx context.Context, payload ServerStatusPayload) error {
	payload.Type = EventTypeServerStatus
	stamp(&payload.Timestamp)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ServerStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, payload.ProjectID, ProjectChannel(payload.ProjectID), payloadJSON); err != nil {
		slog.Warn("Failed to publish server status to project channel",
			"server_id", payload.ServerID, "status", payload.Status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalServersChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish server status to global channel",
			"server_id", payload.ServerID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		p.record(EventTypeServerStatus, true)
	}
	return firstErr
}

// ToolCallCompleted persists a tool_call.completed event on the project
// channel. Implements proxy.Notifier; failures are logged, never propagated
// into the call path.
func (p *Publisher) ToolCallCompleted(ctx context.Context, entry models.ToolCallEntry) {
	payload := ToolCallCompletedPayload{
		Type:            EventTypeToolCallCompleted,
		ProjectID:       entry.ProjectID,
		ServerID:        entry.ServerID,
		ToolName:        entry.ToolName,
		Status:          string(entry.Status),
		ExecutionTimeMS: entry.ExecutionTimeMS,
		Error:           entry.Error,
		Timestamp:       time.Now().Format(time.RFC3339Nano),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to marshal ToolCallCompletedPayload", "error", err)
		return
	}
	if err := p.persistAndNotify(ctx, entry.ProjectID, ProjectChannel(entry.ProjectID), payloadJSON); err != nil {
		slog.Warn("Failed to publish tool call event",
			"server_id", entry.ServerID, "tool", entry.ToolName, "error", err)
		return
	}
	p.record(EventTypeToolCallCompleted, true)
}

// PublishSchedulerRun broadcasts a transient scheduler.run summary to the
// global servers channel. Run history persists in scheduler_runs, not here.
func (p *Publisher) PublishSchedulerRun(ctx context.Context, run models.SchedulerRun) error {
	payload := SchedulerRunPayload{
		Type:           EventTypeSchedulerRun,
		StartedAt:      run.StartedAt.Format(time.RFC3339Nano),
		DurationMS:     run.DurationMS,
		ServersChecked: run.ServersChecked,
		ServersUpdated: run.ServersUpdated,
		ServersErrored: run.ServersErrored,
		ToolsSynced:    run.ToolsSynced,
		Timestamp:      time.Now().Format(time.RFC3339Nano),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SchedulerRunPayload: %w", err)
	}
	if err := p.notifyOnly(ctx, GlobalServersChannel, payloadJSON); err != nil {
		return err
	}
	p.record(EventTypeSchedulerRun, false)
	return nil
}

// PublishSessionLifecycle broadcasts a transient session.opened or
// session.closed event on the project channel.
func (p *Publisher) PublishSessionLifecycle(ctx context.Context, payload SessionLifecyclePayload) error {
	stamp(&payload.Timestamp)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionLifecyclePayload: %w", err)
	}
	if err := p.notifyOnly(ctx, ProjectChannel(payload.ProjectID), payloadJSON); err != nil {
		return err
	}
	p.record(payload.Type, false)
	return nil
}

// --- Internal core methods ---

// persistAndNotify persists a pre-marshaled event to the database and
// broadcasts via NOTIFY in a single transaction (pg_notify is transactional,
// held until COMMIT).
func (p *Publisher) persistAndNotify(ctx context.Context, projectID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (project_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		projectID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// NOTIFY payload carries db_event_id for catchup tracking.
	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// --- Internal helpers ---

func stamp(ts *string) {
	if *ts == "" {
		*ts = time.Now().Format(time.RFC3339Nano)
	}
}

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload string as-is when it fits within the
// NOTIFY limit, otherwise a minimal truncation envelope with routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyPayloadLimit {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload extracts only the routing fields a client needs to
// fetch the complete event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
		ServerID  string `json:"server_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":       routing.Type,
		"project_id": routing.ProjectID,
		"server_id":  routing.ServerID,
		"truncated":  true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
