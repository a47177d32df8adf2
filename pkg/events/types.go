// Package events provides real-time dashboard event delivery via WebSocket
// and PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Persistent events (server status changes, tool call completions) are
// written to the events table and broadcast with pg_notify in the same
// transaction; the row id travels along as db_event_id so reconnecting
// clients can catch up from the table. Transient events (session lifecycle,
// scheduler run summaries) are NOTIFY-only; clients that miss them read the
// authoritative state from the REST API instead.
package events

// Persistent event types (stored in DB + NOTIFY).
const (
	// EventTypeServerStatus fires when the scheduler or the proxy changes a
	// server's persisted status.
	EventTypeServerStatus = "server.status"

	// EventTypeToolCallCompleted fires after every proxied tools/call,
	// success or failure.
	EventTypeToolCallCompleted = "tool_call.completed"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	// EventTypeSchedulerRun summarizes one check_all_servers execution. Run
	// history lives in the scheduler_runs table, so the event is transient.
	EventTypeSchedulerRun = "scheduler.run"

	// SSE session lifecycle, high-churn and ephemeral.
	EventTypeSessionOpened = "session.opened"
	EventTypeSessionClosed = "session.closed"
)

// GlobalServersChannel carries cross-project server status updates for the
// fleet overview page.
const GlobalServersChannel = "servers"

// ProjectChannel returns the channel name for one project's events.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "project:abc-123" or "servers"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}
