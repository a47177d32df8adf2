package mcp

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *ChildPool {
	t.Helper()
	pool := NewChildPool(slog.Default(), nil)
	t.Cleanup(pool.CloseAll)
	return pool
}

func TestChildPool_AcquireReusesLiveChild(t *testing.T) {
	pool := newTestPool(t)
	cfg := helperConfig("sdk")

	first, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	second, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, pool.Size())
}

func TestChildPool_KeysByProjectAndServer(t *testing.T) {
	pool := newTestPool(t)

	cfgA := helperConfig("sdk")
	cfgB := helperConfig("sdk")
	cfgB.ProjectID = "proj-other"

	a, err := pool.Acquire(context.Background(), cfgA)
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background(), cfgB)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, pool.Size())
}

func TestChildPool_ConcurrentAcquiresCoalesce(t *testing.T) {
	pool := newTestPool(t)
	cfg := helperConfig("sdk")

	const callers = 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		clients = make(map[*ChildClient]int)
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := pool.Acquire(context.Background(), cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			clients[c]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, clients, 1, "coalesced acquires must share one child")
	assert.Equal(t, 1, pool.Size())
}

func TestChildPool_AcquireReplacesDeadChild(t *testing.T) {
	pool := newTestPool(t)
	cfg := helperConfig("sdk")

	first, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	// Kill the child out from under the pool, the way a crashing server does.
	require.NoError(t, first.cmd.Process.Kill())
	require.Eventually(t, func() bool { return !first.Alive() },
		5*time.Second, 10*time.Millisecond)

	second, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, second.Alive())
	assert.Equal(t, 1, pool.Size())
}

func TestChildPool_SpawnFailureIsNotCached(t *testing.T) {
	pool := newTestPool(t)

	bad := helperConfig("crash")
	_, err := pool.Acquire(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Size(), "failed spawns must not occupy the pool")

	// Same key, fixed config: the next acquire succeeds.
	good := helperConfig("crash")
	good.Env["MCP_HELPER_MODE"] = "sdk"
	c, err := pool.Acquire(context.Background(), good)
	require.NoError(t, err)
	assert.True(t, c.Alive())
}

func TestChildPool_GetDoesNotSpawn(t *testing.T) {
	pool := newTestPool(t)
	cfg := helperConfig("sdk")

	_, ok := pool.Get(cfg.ProjectID, cfg.ServerID)
	assert.False(t, ok)
	assert.Equal(t, 0, pool.Size())

	c, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	got, ok := pool.Get(cfg.ProjectID, cfg.ServerID)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestChildPool_RemoveClosesChild(t *testing.T) {
	pool := newTestPool(t)
	cfg := helperConfig("sdk")

	c, err := pool.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	pool.Remove(cfg.ProjectID, cfg.ServerID)
	assert.Equal(t, 0, pool.Size())
	assert.False(t, c.Alive())

	// Removing an absent server is a no-op.
	pool.Remove(cfg.ProjectID, cfg.ServerID)
}

func TestChildPool_ReapIdleClosesOnlyIdleChildren(t *testing.T) {
	pool := newTestPool(t)

	idle := helperConfig("sdk")
	busy := helperConfig("sdk")
	busy.ServerID = "srv-busy"

	idleClient, err := pool.Acquire(context.Background(), idle)
	require.NoError(t, err)
	busyClient, err := pool.Acquire(context.Background(), busy)
	require.NoError(t, err)

	// Hold a request open on the busy child while reaping.
	done := make(chan error, 1)
	go func() {
		_, err := busyClient.CallTool(context.Background(), "sleep", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return busyClient.InFlight() == 1 },
		2*time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	reaped := pool.ReapIdle(10 * time.Millisecond)

	assert.Equal(t, 1, reaped)
	assert.False(t, idleClient.Alive())
	assert.True(t, busyClient.Alive())
	assert.Equal(t, 1, pool.Size())

	require.NoError(t, <-done)
}

func TestChildPool_CloseAll(t *testing.T) {
	pool := NewChildPool(slog.Default(), nil)

	cfgA := helperConfig("sdk")
	cfgB := helperConfig("noisy")

	a, err := pool.Acquire(context.Background(), cfgA)
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background(), cfgB)
	require.NoError(t, err)

	pool.CloseAll()

	assert.Equal(t, 0, pool.Size())
	assert.False(t, a.Alive())
	assert.False(t, b.Alive())
}
