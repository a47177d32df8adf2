package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// defaultAPIKeyHeader is used when security config does not name one.
const defaultAPIKeyHeader = "X-API-Key"

// extractAuthor extracts the acting identity from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "api-client"
func extractAuthor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}

// signToken produces a bearer token "<subject>.<mac>" where mac is the
// base64url HMAC-SHA256 of the subject.
func signToken(secret []byte, subject string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(subject))
	return subject + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignedToken checks a bearer token against the HMAC secret and
// returns the embedded subject.
func verifySignedToken(secret []byte, token string) (string, bool) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return "", false
	}
	subject, encodedMAC := token[:idx], token[idx+1:]
	presented, err := base64.RawURLEncoding.DecodeString(encodedMAC)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(subject))
	if !hmac.Equal(presented, mac.Sum(nil)) {
		return "", false
	}
	return subject, true
}

// trustProxyHeaders reports whether proxy-supplied identity and client-IP
// headers are accepted.
func (s *Server) trustProxyHeaders() bool {
	return s.cfg != nil && s.cfg.Security != nil && s.cfg.Security.TrustProxyHeaders
}

func (s *Server) apiKeyHeader() string {
	if s.cfg != nil && s.cfg.Security != nil && s.cfg.Security.APIKeyHeader != "" {
		return s.cfg.Security.APIKeyHeader
	}
	return defaultAPIKeyHeader
}

// resolveIdentity resolves the caller's identity for a project-scoped MCP
// endpoint. Order: HMAC bearer token, project API key, trusted proxy headers.
func (s *Server) resolveIdentity(c *echo.Context, project *models.Project) (string, bool) {
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && len(s.authSecret) > 0 {
		if subject, ok := verifySignedToken(s.authSecret, strings.TrimPrefix(auth, "Bearer ")); ok {
			return subject, true
		}
	}

	if key := c.Request().Header.Get(s.apiKeyHeader()); key != "" {
		if s.projectService.VerifyAPIKey(project, key) {
			return "api-key:" + project.Slug, true
		}
	}

	if s.trustProxyHeaders() {
		if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
			return user, true
		}
		if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
			return email, true
		}
		if user := c.Request().Header.Get("X-Remote-User"); user != "" {
			return user, true
		}
	}

	return "", false
}

// clientIP returns the remote address, honoring X-Forwarded-For only when
// proxy headers are trusted.
func (s *Server) clientIP(c *echo.Context) string {
	if s.trustProxyHeaders() {
		if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}

// ipAllowed reports whether ip falls inside any of the CIDR ranges. An empty
// range list allows everything; an unparseable ip is rejected.
func ipAllowed(ip string, ranges []string) bool {
	if len(ranges) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, r := range ranges {
		_, cidr, err := net.ParseCIDR(r)
		if err != nil {
			continue
		}
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// authorize enforces the project's network and auth policy for one request.
// IP restrictions apply before auth: a blocked network is 403 regardless of
// credentials; a missing or bad credential on a gated endpoint is 401.
func (s *Server) authorize(c *echo.Context, project *models.Project, authRequired bool) error {
	if !ipAllowed(s.clientIP(c), project.AllowedIPRanges) {
		return echo.NewHTTPError(http.StatusForbidden, "client address not allowed")
	}
	if !authRequired {
		return nil
	}
	if _, ok := s.resolveIdentity(c, project); !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return nil
}
