package slack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// defaultCooldown is the minimum gap between failure notifications for the
// same server. Recovery notices reset it.
const defaultCooldown = 30 * time.Minute

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string

	// Cooldown overrides defaultCooldown when positive.
	Cooldown time.Duration
}

// Service delivers server health notifications to a Slack channel.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	cooldown     time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel), cfg.DashboardURL, cfg.Cooldown)
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string, cooldown time.Duration) *Service {
	return newService(client, dashboardURL, cooldown)
}

func newService(client *Client, dashboardURL string, cooldown time.Duration) *Service {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		cooldown:     cooldown,
		logger:       slog.Default().With("component", "slack-service"),
		lastSent:     make(map[string]time.Time),
	}
}

// NotifyServerFailed posts a failure notice unless one went out for this
// server within the cooldown window. Fail-open: errors are logged, never
// returned.
func (s *Service) NotifyServerFailed(ctx context.Context, server *models.McpServer, errMsg string) {
	if s == nil {
		return
	}
	if !s.claimSendSlot(server.ID) {
		s.logger.Debug("Suppressing Slack failure notice inside cooldown",
			"server_id", server.ID, "server_name", server.Name)
		return
	}

	blocks := BuildServerFailedMessage(server, errMsg, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack failure notification",
			"server_id", server.ID, "server_name", server.Name, "error", err)
	}
}

// NotifyServerRecovered posts a recovery notice and resets the server's
// failure cooldown so the next failure always notifies.
func (s *Service) NotifyServerRecovered(ctx context.Context, server *models.McpServer) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.lastSent, server.ID)
	s.mu.Unlock()

	blocks := BuildServerRecoveredMessage(server, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack recovery notification",
			"server_id", server.ID, "server_name", server.Name, "error", err)
	}
}

// claimSendSlot reports whether a failure notice may go out now, recording
// the send time when it may.
func (s *Service) claimSendSlot(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSent[serverID]; ok && time.Since(last) < s.cooldown {
		return false
	}
	s.lastSent[serverID] = time.Now()
	return true
}
