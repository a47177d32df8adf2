package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-mcp/conduit/pkg/config"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/services"
)

func testContext(req *http.Request) *echo.Context {
	e := echo.New()
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractAuthor(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected string
	}{
		{
			name:     "no headers falls back to api-client",
			headers:  map[string]string{},
			expected: "api-client",
		},
		{
			name:     "forwarded user wins",
			headers:  map[string]string{"X-Forwarded-User": "alice", "X-Forwarded-Email": "alice@example.com"},
			expected: "alice",
		},
		{
			name:     "forwarded email beats remote user",
			headers:  map[string]string{"X-Forwarded-Email": "bob@example.com", "X-Remote-User": "bob"},
			expected: "bob@example.com",
		},
		{
			name:     "remote user as last resort",
			headers:  map[string]string{"X-Remote-User": "carol"},
			expected: "carol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, extractAuthor(testContext(req)))
		})
	}
}

func TestSignedTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token := signToken(secret, "alice")
	subject, ok := verifySignedToken(secret, token)
	require.True(t, ok)
	assert.Equal(t, "alice", subject)

	t.Run("tampered subject fails", func(t *testing.T) {
		_, ok := verifySignedToken(secret, "mallory"+token[5:])
		assert.False(t, ok)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		_, ok := verifySignedToken([]byte("other-secret"), token)
		assert.False(t, ok)
	})

	t.Run("malformed tokens fail", func(t *testing.T) {
		for _, tok := range []string{"", "nodot", ".leadingdot", "trailingdot.", "bad.!!!base64"} {
			_, ok := verifySignedToken(secret, tok)
			assert.False(t, ok, "token %q", tok)
		}
	})
}

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		ranges  []string
		allowed bool
	}{
		{"empty ranges allow everything", "203.0.113.7", nil, true},
		{"inside range", "10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"outside range", "192.168.1.1", []string{"10.0.0.0/8"}, false},
		{"second range matches", "192.168.1.1", []string{"10.0.0.0/8", "192.168.0.0/16"}, true},
		{"unparseable ip rejected", "not-an-ip", []string{"10.0.0.0/8"}, false},
		{"bad cidr skipped", "10.1.2.3", []string{"garbage", "10.0.0.0/8"}, true},
		{"ipv6 loopback", "::1", []string{"::1/128"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, ipAllowed(tt.ip, tt.ranges))
		})
	}
}

func TestAuthorize(t *testing.T) {
	newTestServer := func(secret string) *Server {
		s := &Server{
			cfg: &config.Config{
				Security: &config.SecurityConfig{TrustProxyHeaders: true},
			},
			projectService: services.NewProjectService(nil),
		}
		if secret != "" {
			s.authSecret = []byte(secret)
		}
		return s
	}

	t.Run("ip restriction wins over valid credentials", func(t *testing.T) {
		s := newTestServer("secret")
		project := &models.Project{AllowedIPRanges: []string{"10.0.0.0/8"}}

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		req.Header.Set("Authorization", "Bearer "+signToken([]byte("secret"), "alice"))

		err := s.authorize(testContext(req), project, true)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, err.(*echo.HTTPError).Code)
	})

	t.Run("no auth required passes without credentials", func(t *testing.T) {
		s := newTestServer("")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"

		assert.NoError(t, s.authorize(testContext(req), &models.Project{}, false))
	})

	t.Run("auth required without credentials is 401", func(t *testing.T) {
		s := newTestServer("secret")
		s.cfg.Security.TrustProxyHeaders = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"

		err := s.authorize(testContext(req), &models.Project{}, true)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, err.(*echo.HTTPError).Code)
	})

	t.Run("valid bearer token passes", func(t *testing.T) {
		s := newTestServer("secret")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		req.Header.Set("Authorization", "Bearer "+signToken([]byte("secret"), "alice"))

		assert.NoError(t, s.authorize(testContext(req), &models.Project{}, true))
	})

	t.Run("trusted proxy identity passes", func(t *testing.T) {
		s := newTestServer("")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		req.Header.Set("X-Forwarded-User", "alice")

		assert.NoError(t, s.authorize(testContext(req), &models.Project{}, true))
	})

	t.Run("untrusted proxy identity is ignored", func(t *testing.T) {
		s := newTestServer("")
		s.cfg.Security.TrustProxyHeaders = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		req.Header.Set("X-Forwarded-User", "alice")

		err := s.authorize(testContext(req), &models.Project{}, true)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, err.(*echo.HTTPError).Code)
	})
}

func TestClientIP(t *testing.T) {
	t.Run("remote addr without proxy trust", func(t *testing.T) {
		s := &Server{cfg: &config.Config{Security: &config.SecurityConfig{}}}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		req.Header.Set("X-Forwarded-For", "10.0.0.1")

		assert.Equal(t, "192.0.2.9", s.clientIP(testContext(req)))
	})

	t.Run("forwarded-for first hop with proxy trust", func(t *testing.T) {
		s := &Server{cfg: &config.Config{Security: &config.SecurityConfig{TrustProxyHeaders: true}}}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")

		assert.Equal(t, "10.0.0.1", s.clientIP(testContext(req)))
	})
}
