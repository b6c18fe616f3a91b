package metrics

import (
	"time"

	"github.com/cuemby/rebac-core/pkg/types"
)

// TenantSource is the minimal view of the tenant actor registry the
// collector needs. pkg/tenant implements this; metrics does not import
// pkg/tenant directly to avoid a cycle (tenant actors report into metrics
// on the hot path, collector only polls periodically for gauges).
type TenantSource interface {
	TenantStats() map[string]types.TenantStats
	ConnectionCounts() map[string]int
}

// Collector periodically samples tenant registry state into gauges.
// Counters and histograms (mutations, queries, proofs) are updated inline
// by the components that observe them; this collector only owns the
// point-in-time gauges that are cheapest to recompute on a tick.
type Collector struct {
	source TenantSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given tenant source.
func NewCollector(source TenantSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}

	stats := c.source.TenantStats()
	TenantsActive.Set(float64(len(stats)))

	for tenant, s := range stats {
		TenantEntitiesTotal.WithLabelValues(tenant).Set(float64(s.Entities))
		TenantEdgesTotal.WithLabelValues(tenant).Set(float64(s.Edges))
		TenantVersion.WithLabelValues(tenant).Set(float64(s.CurrentVersion))
		TenantSnapshotVersion.WithLabelValues(tenant).Set(float64(s.SnapshotVersion))
	}

	for tenant, n := range c.source.ConnectionCounts() {
		ConnectionsActive.WithLabelValues(tenant).Set(float64(n))
	}
}
