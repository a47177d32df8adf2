package mcp

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrUnknownNamespace means the prefix of a namespaced tool name matches no
	// server in this session. Maps to JSON-RPC -32601 at the proxy layer.
	ErrUnknownNamespace = errors.New("unknown server namespace")

	// ErrNotNamespaced means the tool name carries no separator at all.
	ErrNotNamespaced = errors.New("tool name is not namespaced")
)

// NamespaceRegistry assigns namespace prefixes to a unified session's servers
// and resolves namespaced tool names back to their owner. Scoped to one
// session; assignments live exactly as long as the session does.
type NamespaceRegistry struct {
	sep string

	mu          sync.RWMutex
	byNamespace map[string]string
	byServer    map[string]string
}

func NewNamespaceRegistry(separator string) *NamespaceRegistry {
	return &NamespaceRegistry{
		sep:         separator,
		byNamespace: make(map[string]string),
		byServer:    make(map[string]string),
	}
}

// Separator returns the configured separator string.
func (r *NamespaceRegistry) Separator() string { return r.sep }

// SanitizeName lowercases a server name and maps every rune outside
// [a-z0-9_] to an underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range strings.ToLower(name) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Assign registers a namespace for the server and returns it. Repeated calls
// for the same server return the existing assignment. When two servers
// sanitize to the same namespace, the later one gets a two-character suffix
// derived from its id.
func (r *NamespaceRegistry) Assign(serverID, serverName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := r.byServer[serverID]; ok {
		return ns
	}

	ns := SanitizeName(serverName)
	if ns == "" {
		ns = "server"
	}
	if _, taken := r.byNamespace[ns]; taken {
		ns = r.disambiguate(ns, serverID)
	}

	r.byNamespace[ns] = serverID
	r.byServer[serverID] = ns
	return ns
}

// disambiguate appends a short suffix. Preferred suffixes come from
// the server id so reassignment within a session is stable; underscores are
// excluded so a trailing separator fragment can never form. Caller holds the
// lock.
func (r *NamespaceRegistry) disambiguate(base, serverID string) string {
	seed := strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			return c
		}
		return -1
	}, strings.ToLower(serverID))

	for i := 0; i+2 <= len(seed); i += 2 {
		candidate := base + seed[i:i+2]
		if _, taken := r.byNamespace[candidate]; !taken {
			return candidate
		}
	}
	// Unbounded counter so the suffix space grows past 100 collisions.
	for i := 0; ; i++ {
		candidate := base + fmt.Sprintf("%02d", i)
		if _, taken := r.byNamespace[candidate]; !taken {
			return candidate
		}
	}
}

// Namespaced returns the tool name prefixed with the server's namespace.
// The server must have been assigned first.
func (r *NamespaceRegistry) Namespaced(serverID, toolName string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byServer[serverID] + r.sep + toolName
}

// Resolve splits a namespaced tool name on the first separator occurrence and
// returns the owning server id and the original tool name. Tool names that
// themselves contain the separator survive because only the first occurrence
// splits.
func (r *NamespaceRegistry) Resolve(namespacedName string) (serverID, toolName string, err error) {
	ns, tool, found := strings.Cut(namespacedName, r.sep)
	if !found || tool == "" {
		return "", "", fmt.Errorf("%w: %q", ErrNotNamespaced, namespacedName)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNamespace[ns]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return id, tool, nil
}

// Namespaces returns the server-id → namespace map for this session.
func (r *NamespaceRegistry) Namespaces() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byServer))
	for id, ns := range r.byServer {
		out[id] = ns
	}
	return out
}
