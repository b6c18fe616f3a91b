// Package tenant lazily creates and caches one Actor per tenant — a
// ledger, schema registry, and validation engine bundle — evicting idle
// actors and exporting periodic CSV snapshots to object storage, in the
// timed-entry bookkeeping style of the teacher's manager.TokenManager.
package tenant

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/rebac-core/pkg/kvlog"
	"github.com/cuemby/rebac-core/pkg/ledger"
	"github.com/cuemby/rebac-core/pkg/metrics"
	"github.com/cuemby/rebac-core/pkg/objectstore"
	"github.com/cuemby/rebac-core/pkg/schemareg"
	"github.com/cuemby/rebac-core/pkg/types"
	"github.com/cuemby/rebac-core/pkg/validate"
)

const (
	// DefaultIdleTimeout evicts an actor that has had no Get() activity for
	// this long; its state is durable (ledger + object store), so eviction
	// only costs the next access a cold-start.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultMemCapBytes is the soft process-wide heap cap; while the heap
	// is past it, Get refuses to cold-start new tenants (the heap is read
	// on each such call; resident tenants keep serving).
	DefaultMemCapBytes = 128 << 20

	// snapshotMutationThreshold forces a CSV export once this many
	// mutations have committed since the last one.
	snapshotMutationThreshold = 100

	// snapshotIdleThreshold forces a CSV export once a tenant has been
	// quiescent this long, so a durable copy never lags far behind.
	snapshotIdleThreshold = 5 * time.Minute
)

// Store is the subset of pkg/objectstore.Store a tenant actor needs:
// schema persistence (satisfying schemareg.Persister) plus CSV/manifest
// export. Narrowed here, as schemareg narrows its own Persister, so the
// registry can be driven by a fake in tests without a real S3 client.
type Store interface {
	schemareg.Persister
	PutTableCSV(ctx context.Context, tenant, table string, csv []byte) error
	PutManifest(ctx context.Context, tenant string, m objectstore.Manifest) error
}

// DegradedReadOnly is returned by Get when the process-wide memory cap is
// exceeded and tenant is not already resident; the caller should serve
// reads from whatever is cached and reject new cold-starts.
type DegradedReadOnly struct{ Tenant string }

func (e *DegradedReadOnly) Error() string {
	return fmt.Sprintf("registry at memory cap: cannot cold-start tenant %q", e.Tenant)
}

// Actor is one tenant's live authorization state.
type Actor struct {
	Tenant   string
	Ledger   *ledger.Ledger
	Schema   *schemareg.Registry
	Validate *validate.Engine

	mu                  sync.Mutex
	lastActivity        time.Time
	lastSnapshotVersion uint64
	lastSnapshotAt      time.Time
}

func newActor(tenant string, led *ledger.Ledger, reg *schemareg.Registry) *Actor {
	now := time.Now()
	return &Actor{
		Tenant:         tenant,
		Ledger:         led,
		Schema:         reg,
		Validate:       validate.New(tenant, led.Index, led),
		lastActivity:   now,
		lastSnapshotAt: now,
	}
}

func (a *Actor) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *Actor) idleDuration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity)
}

func (a *Actor) needsSnapshot() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.Ledger.CurrentVersion()
	if current-a.lastSnapshotVersion >= snapshotMutationThreshold {
		return true
	}
	if current > a.lastSnapshotVersion && time.Since(a.lastSnapshotAt) >= snapshotIdleThreshold {
		return true
	}
	return false
}

// ExportSnapshot renders the tenant's tables to CSV and uploads them (plus
// a manifest) to store, then prunes the kv mutation log back to the
// catch-up retention window behind the new snapshot version.
func (a *Actor) ExportSnapshot(ctx context.Context, store Store, kv *kvlog.Log) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)

	columns := a.Ledger.Columns()
	csvOut, checksums := a.Ledger.Tables.Snapshot(columns)
	version := a.Ledger.CurrentVersion()

	tables := make([]objectstore.TableChecksum, 0, len(csvOut))
	for table, data := range csvOut {
		if err := store.PutTableCSV(ctx, a.Tenant, table, data); err != nil {
			return fmt.Errorf("tenant: export table %q: %w", table, err)
		}
		tables = append(tables, objectstore.TableChecksum{
			Table: table, SHA256: checksums[table], RowCount: a.Ledger.Tables.RowCount(table),
		})
	}

	manifest := objectstore.Manifest{TenantID: a.Tenant, Version: version, Tables: tables, Timestamp: time.Now()}
	if err := store.PutManifest(ctx, a.Tenant, manifest); err != nil {
		return fmt.Errorf("tenant: export manifest: %w", err)
	}

	a.mu.Lock()
	a.lastSnapshotVersion = version
	a.lastSnapshotAt = time.Now()
	a.mu.Unlock()

	if kv != nil {
		floor := int64(version) - int64(types.MaxCatchUp) - 100
		if floor > 0 {
			if err := kv.Prune(a.Tenant, uint64(floor)); err != nil {
				return fmt.Errorf("tenant: prune kv log: %w", err)
			}
		}
	}
	return nil
}

func (a *Actor) snapshotVersion() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSnapshotVersion
}

// Registry lazily creates and caches per-tenant Actors.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor

	connMu     sync.Mutex
	connCounts map[string]int

	baseDataDir string
	kv          *kvlog.Log
	store       Store

	idleTimeout time.Duration
	memCapBytes uint64

	stopCh chan struct{}
}

// New builds an empty Registry. baseDataDir is the root under which each
// tenant gets its own ledger subdirectory; store persists schemas and CSV
// snapshots (nil is valid — schema versions then live only in memory and
// CSV exports are skipped, so neither survives a restart); kv backs the Sync Hub catch-up log
// shared across tenants.
func New(baseDataDir string, kv *kvlog.Log, store Store) *Registry {
	return &Registry{
		actors:      make(map[string]*Actor),
		connCounts:  make(map[string]int),
		baseDataDir: baseDataDir,
		kv:          kv,
		store:       store,
		idleTimeout: DefaultIdleTimeout,
		memCapBytes: DefaultMemCapBytes,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the once-a-minute idle-eviction and snapshot-export sweep.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine. It does not shut down cached actors;
// call Shutdown for that.
func (r *Registry) Stop() { close(r.stopCh) }

// Shutdown evicts every cached actor, shutting down its ledger.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenant, a := range r.actors {
		_ = a.Ledger.Shutdown()
		delete(r.actors, tenant)
	}
}

func (r *Registry) overCap() bool {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc > r.memCapBytes
}

func (r *Registry) sweep() {
	r.mu.Lock()
	idle := make([]string, 0)
	dueSnapshot := make([]*Actor, 0)
	for tenant, a := range r.actors {
		if a.idleDuration() >= r.idleTimeout {
			idle = append(idle, tenant)
			continue
		}
		if a.needsSnapshot() {
			dueSnapshot = append(dueSnapshot, a)
		}
	}
	for _, tenant := range idle {
		_ = r.actors[tenant].Ledger.Shutdown()
		delete(r.actors, tenant)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, a := range dueSnapshot {
		if r.store == nil {
			continue
		}
		if err := a.ExportSnapshot(ctx, r.store, r.kv); err != nil {
			// A failed export just means the next sweep retries; the
			// ledger and its local raft snapshots remain the durable
			// source of truth in the meantime.
			continue
		}
	}
}

// Get lazily cold-starts (or returns the cached) actor for tenant,
// replaying its most recently activated schema version if one is durable.
func (r *Registry) Get(ctx context.Context, tenant string) (*Actor, error) {
	r.mu.RLock()
	if a, ok := r.actors[tenant]; ok {
		r.mu.RUnlock()
		a.touch()
		return a, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[tenant]; ok {
		a.touch()
		return a, nil
	}

	if r.overCap() {
		return nil, &DegradedReadOnly{Tenant: tenant}
	}

	led, err := ledger.Open(tenant, r.baseDataDir, r.kv)
	if err != nil {
		return nil, fmt.Errorf("tenant: open ledger for %q: %w", tenant, err)
	}

	reg := schemareg.New(tenant, r.store)
	if r.store != nil {
		if version, err := r.store.GetCurrentSchema(ctx, tenant); err == nil && version > 0 {
			var schema types.Schema
			if err := r.store.GetSchemaVersion(ctx, tenant, version, &schema); err == nil {
				reg.Restore(version, schema)
				if err := led.ApplySchema(ctx, schema); err != nil {
					_ = led.Shutdown()
					return nil, fmt.Errorf("tenant: replay schema for %q: %w", tenant, err)
				}
			}
		}
	}

	a := newActor(tenant, led, reg)
	r.actors[tenant] = a
	return a, nil
}

// KV returns the shared mutation log backing every tenant's catch-up
// window, for wiring into pkg/synchub hubs.
func (r *Registry) KV() *kvlog.Log { return r.kv }

// Store returns the shared object store backing schema/CSV persistence,
// for callers (pkg/httpapi) that need to record the active schema pointer
// directly after an Activate/Rollback call.
func (r *Registry) Store() Store { return r.store }

// TenantStats implements pkg/metrics.TenantSource.
func (r *Registry) TenantStats() map[string]types.TenantStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.TenantStats, len(r.actors))
	for tenant, a := range r.actors {
		entities := 0
		for _, table := range a.Ledger.EntityTables() {
			entities += a.Ledger.Tables.RowCount(table)
		}
		out[tenant] = types.TenantStats{
			Entities:        entities,
			Edges:           a.Ledger.EdgeCount(),
			CurrentVersion:  a.Ledger.CurrentVersion(),
			SnapshotVersion: a.snapshotVersion(),
			SchemaVersion:   a.Schema.ActiveVersion(),
		}
	}
	return out
}

// ConnectionCounts implements pkg/metrics.TenantSource.
func (r *Registry) ConnectionCounts() map[string]int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	out := make(map[string]int, len(r.connCounts))
	for k, v := range r.connCounts {
		out[k] = v
	}
	return out
}

// IncrementConnections records one more live Sync Hub connection for tenant.
func (r *Registry) IncrementConnections(tenant string) {
	r.connMu.Lock()
	r.connCounts[tenant]++
	r.connMu.Unlock()
}

// DecrementConnections records one fewer live Sync Hub connection for tenant.
func (r *Registry) DecrementConnections(tenant string) {
	r.connMu.Lock()
	if r.connCounts[tenant] > 0 {
		r.connCounts[tenant]--
	}
	if r.connCounts[tenant] == 0 {
		delete(r.connCounts, tenant)
	}
	r.connMu.Unlock()
}
