package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conduit-mcp/conduit/pkg/metrics"
)

// ErrServerRemoved is returned when a server is removed from the pool while
// its child was still being spawned.
var ErrServerRemoved = errors.New("server removed while starting")

type poolKey struct {
	projectID string
	serverID  string
}

// poolEntry is either a live client or a spawn in progress. ready is closed
// once client and err are settled; waiters coalesce on it instead of spawning
// a second process.
type poolEntry struct {
	ready  chan struct{}
	client *ChildClient
	err    error
}

// ChildPool shares live child clients across sessions, keyed by project and
// server. A dead child is never revived in place; the next Acquire pays the
// spawn cost.
type ChildPool struct {
	mu       sync.Mutex
	children map[poolKey]*poolEntry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewChildPool creates an empty pool. m may be nil to run unmetered.
func NewChildPool(logger *slog.Logger, m *metrics.Metrics) *ChildPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChildPool{
		children: make(map[poolKey]*poolEntry),
		metrics:  m,
		logger:   logger,
	}
}

// Acquire returns a live child client for the server, spawning one if none
// exists or the pooled one died. Concurrent callers for the same server share
// a single spawn attempt through the starting placeholder.
func (p *ChildPool) Acquire(ctx context.Context, cfg ChildConfig) (*ChildClient, error) {
	key := poolKey{cfg.ProjectID, cfg.ServerID}

	for {
		p.mu.Lock()
		entry, ok := p.children[key]
		if !ok {
			entry = &poolEntry{ready: make(chan struct{})}
			p.children[key] = entry
			p.mu.Unlock()
			return p.spawnInto(ctx, key, entry, cfg)
		}
		p.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if entry.err == nil && entry.client.Alive() {
			return entry.client, nil
		}

		// Spawn failed or the child died since. Drop the stale entry and
		// loop; this caller (or a faster one) installs a fresh placeholder.
		if entry.client != nil {
			_ = entry.client.Close()
			if p.metrics != nil {
				p.metrics.ChildrenActive.Dec()
				p.metrics.ChildRestarts.WithLabelValues(cfg.ServerID).Inc()
			}
		}
		p.evict(key, entry)
	}
}

// spawnInto runs the spawn for a freshly installed placeholder and publishes
// the outcome to coalesced waiters.
func (p *ChildPool) spawnInto(ctx context.Context, key poolKey, entry *poolEntry, cfg ChildConfig) (*ChildClient, error) {
	client, err := Spawn(ctx, cfg, p.logger)
	entry.client, entry.err = client, err
	close(entry.ready)

	if err != nil {
		p.evict(key, entry)
		return nil, err
	}

	// The server may have been removed while we were spawning; don't leak
	// the child in that case.
	p.mu.Lock()
	current := p.children[key]
	p.mu.Unlock()
	if current != entry {
		_ = client.Close()
		return nil, ErrServerRemoved
	}

	if p.metrics != nil {
		p.metrics.ChildrenActive.Inc()
	}
	p.logger.Info("MCP child pooled",
		"project_id", cfg.ProjectID, "server_id", cfg.ServerID)
	return client, nil
}

// evict removes the entry for key only if it is still the same entry, so a
// concurrent replacement is never clobbered.
func (p *ChildPool) evict(key poolKey, entry *poolEntry) {
	p.mu.Lock()
	if p.children[key] == entry {
		delete(p.children, key)
	}
	p.mu.Unlock()
}

// Get returns the pooled live client without spawning.
func (p *ChildPool) Get(projectID, serverID string) (*ChildClient, bool) {
	p.mu.Lock()
	entry, ok := p.children[poolKey{projectID, serverID}]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-entry.ready:
	default:
		return nil, false
	}
	if entry.err != nil || !entry.client.Alive() {
		return nil, false
	}
	return entry.client, true
}

// Remove closes and forgets the child for one server. Used when a server is
// updated, disabled, or deleted.
func (p *ChildPool) Remove(projectID, serverID string) {
	key := poolKey{projectID, serverID}

	p.mu.Lock()
	entry, ok := p.children[key]
	if ok {
		delete(p.children, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	// An in-progress spawn notices the eviction itself (spawnInto re-checks
	// the map); only settled clients need closing here.
	select {
	case <-entry.ready:
		if entry.client != nil {
			_ = entry.client.Close()
			if p.metrics != nil {
				p.metrics.ChildrenActive.Dec()
			}
		}
	default:
	}
}

// ReapIdle closes children that carried no request for at least ttl and have
// nothing in flight. Returns how many were closed.
func (p *ChildPool) ReapIdle(ttl time.Duration) int {
	type victim struct {
		key   poolKey
		entry *poolEntry
	}

	p.mu.Lock()
	var victims []victim
	for key, entry := range p.children {
		select {
		case <-entry.ready:
		default:
			continue
		}
		if entry.err != nil || entry.client == nil {
			continue
		}
		if entry.client.InFlight() == 0 && entry.client.IdleFor() >= ttl {
			victims = append(victims, victim{key, entry})
			delete(p.children, key)
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.logger.Info("Closing idle MCP child",
			"project_id", v.key.projectID, "server_id", v.key.serverID,
			"idle", v.entry.client.IdleFor().Round(time.Second))
		_ = v.entry.client.Close()
	}
	if p.metrics != nil && len(victims) > 0 {
		p.metrics.ChildrenActive.Sub(float64(len(victims)))
		p.metrics.ChildrenReaped.Add(float64(len(victims)))
	}
	return len(victims)
}

// CloseAll gracefully closes every pooled child in parallel. Called at
// shutdown; blocks until every close ladder finishes.
func (p *ChildPool) CloseAll() {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.children))
	for _, entry := range p.children {
		entries = append(entries, entry)
	}
	p.children = make(map[poolKey]*poolEntry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			<-e.ready
			if e.client != nil {
				_ = e.client.Close()
				if p.metrics != nil {
					p.metrics.ChildrenActive.Dec()
				}
			}
		}(entry)
	}
	wg.Wait()
}

// Size returns the number of pooled entries, spawning ones included.
func (p *ChildPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}
