package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rebac-core/pkg/kvlog"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvlog.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	r := New(dir, kv, nil)
	t.Cleanup(r.Shutdown)
	return r
}

func TestGetColdStartsAndCaches(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a1, err := r.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "acme", a1.Tenant)

	a2, err := r.Get(ctx, "acme")
	require.NoError(t, err)
	require.Same(t, a1, a2)
}

func TestGetIsPerTenant(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	acme, err := r.Get(ctx, "acme")
	require.NoError(t, err)
	globex, err := r.Get(ctx, "globex")
	require.NoError(t, err)

	require.NotSame(t, acme, globex)
	require.Len(t, r.TenantStats(), 2)
}

func TestOverCapRejectsColdStart(t *testing.T) {
	r := newTestRegistry(t)
	r.memCapBytes = 1 // guaranteed to be exceeded by current heap usage

	_, err := r.Get(context.Background(), "acme")
	require.Error(t, err)
	require.IsType(t, &DegradedReadOnly{}, err)
}

func TestSweepEvictsIdleActors(t *testing.T) {
	r := newTestRegistry(t)
	r.idleTimeout = time.Millisecond

	_, err := r.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, r.TenantStats(), 1)

	time.Sleep(5 * time.Millisecond)
	r.sweep()
	require.Len(t, r.TenantStats(), 0)
}

func TestConnectionCounting(t *testing.T) {
	r := newTestRegistry(t)

	r.IncrementConnections("acme")
	r.IncrementConnections("acme")
	require.Equal(t, 2, r.ConnectionCounts()["acme"])

	r.DecrementConnections("acme")
	require.Equal(t, 1, r.ConnectionCounts()["acme"])

	r.DecrementConnections("acme")
	_, ok := r.ConnectionCounts()["acme"]
	require.False(t, ok)
}

func TestNoSnapshotNeededBeforeAnyMutation(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.False(t, a.needsSnapshot())
}
