package metrics

import (
	"testing"
	"time"

	"github.com/cuemby/rebac-core/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	stats map[string]types.TenantStats
	conns map[string]int
}

func (f *fakeSource) TenantStats() map[string]types.TenantStats { return f.stats }
func (f *fakeSource) ConnectionCounts() map[string]int           { return f.conns }

func TestCollectorCollect(t *testing.T) {
	src := &fakeSource{
		stats: map[string]types.TenantStats{
			"acme": {Entities: 10, Edges: 20, CurrentVersion: 5, SnapshotVersion: 4, SchemaVersion: 1},
		},
		conns: map[string]int{"acme": 3},
	}

	c := NewCollector(src)
	c.collect()

	if got := testutil.ToFloat64(TenantsActive); got != 1 {
		t.Errorf("TenantsActive = %v, want 1", got)
	}

	if got := testutil.ToFloat64(TenantEntitiesTotal.WithLabelValues("acme")); got != 10 {
		t.Errorf("TenantEntitiesTotal[acme] = %v, want 10", got)
	}

	if got := testutil.ToFloat64(ConnectionsActive.WithLabelValues("acme")); got != 3 {
		t.Errorf("ConnectionsActive[acme] = %v, want 3", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	src := &fakeSource{stats: map[string]types.TenantStats{}, conns: map[string]int{}}
	c := NewCollector(src)

	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}

func TestCollectorNilSource(t *testing.T) {
	c := &Collector{stopCh: make(chan struct{})}
	c.collect() // must not panic
}
