package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-mcp/conduit/pkg/models"
)

func testServer() *models.McpServer {
	return &models.McpServer{
		ID:        "srv-1",
		ProjectID: "proj-1",
		Name:      "github",
	}
}

// mockSlackAPI counts chat.postMessage calls and answers ok.
func mockSlackAPI(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat.postMessage" {
			posts.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1.0"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &posts
}

func mockService(t *testing.T, cooldown time.Duration) (*Service, *atomic.Int64) {
	t.Helper()

	api, posts := mockSlackAPI(t)
	client := NewClientWithAPIURL("xoxb-test", "C123", api.URL+"/")
	return NewServiceWithClient(client, "https://conduit.example.com", cooldown), posts
}

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	t.Run("NotifyServerFailed is no-op", func(_ *testing.T) {
		s.NotifyServerFailed(context.Background(), testServer(), "boom")
	})

	t.Run("NotifyServerRecovered is no-op", func(_ *testing.T) {
		s.NotifyServerRecovered(context.Background(), testServer())
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: "", Channel: "C123"}))
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-test", Channel: ""}))
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{
			Token:        "xoxb-test",
			Channel:      "C123",
			DashboardURL: "https://example.com",
		})
		assert.NotNil(t, svc)
	})
}

func TestService_NotifyServerFailed_Posts(t *testing.T) {
	svc, posts := mockService(t, time.Minute)

	svc.NotifyServerFailed(context.Background(), testServer(), "Error: MISSING_TOKEN is not set")

	assert.EqualValues(t, 1, posts.Load())
}

func TestService_CooldownSuppressesRepeatFailures(t *testing.T) {
	svc, posts := mockService(t, time.Minute)
	server := testServer()

	svc.NotifyServerFailed(context.Background(), server, "first")
	svc.NotifyServerFailed(context.Background(), server, "second")
	svc.NotifyServerFailed(context.Background(), server, "third")

	assert.EqualValues(t, 1, posts.Load(), "repeats inside the cooldown stay silent")
}

func TestService_CooldownIsPerServer(t *testing.T) {
	svc, posts := mockService(t, time.Minute)
	other := testServer()
	other.ID = "srv-2"
	other.Name = "jira"

	svc.NotifyServerFailed(context.Background(), testServer(), "boom")
	svc.NotifyServerFailed(context.Background(), other, "boom")

	assert.EqualValues(t, 2, posts.Load())
}

func TestService_CooldownExpires(t *testing.T) {
	svc, posts := mockService(t, 50*time.Millisecond)
	server := testServer()

	svc.NotifyServerFailed(context.Background(), server, "first")
	time.Sleep(70 * time.Millisecond)
	svc.NotifyServerFailed(context.Background(), server, "again")

	assert.EqualValues(t, 2, posts.Load())
}

func TestService_RecoveryResetsCooldown(t *testing.T) {
	svc, posts := mockService(t, time.Hour)
	server := testServer()

	svc.NotifyServerFailed(context.Background(), server, "down")
	svc.NotifyServerRecovered(context.Background(), server)
	svc.NotifyServerFailed(context.Background(), server, "down again")

	require.EqualValues(t, 3, posts.Load(), "failure after recovery notifies despite the long cooldown")
}
