// Package ledger is the Edge Ledger (spec §4.4): a single-node raft group
// per tenant wrapping the tabular store and graph index behind a durable,
// versioned mutation log. The tenant's monotone version number comes from a
// counter the FSM maintains itself, not raw raft.Log.Index — raft consumes
// index slots for its own LogConfiguration/LogNoop entries (bootstrap, and
// one per term on every Open/restart) that never reach Apply, so the index
// is not dense. Every committed entry is mirrored into pkg/kvlog for Sync
// Hub catch-up, keyed by the FSM's counter, and the FSM snapshot/restore
// contract rebuilds the tabular store, graph index, and counter together
// from a raft file snapshot in the tenant's data directory.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/rebac-core/pkg/graph"
	"github.com/cuemby/rebac-core/pkg/kvlog"
	"github.com/cuemby/rebac-core/pkg/metrics"
	"github.com/cuemby/rebac-core/pkg/schemareg"
	"github.com/cuemby/rebac-core/pkg/tabular"
	"github.com/cuemby/rebac-core/pkg/types"
)

// Command is the envelope applied through raft, mirroring the teacher's
// WarrenFSM.Command shape (Op + opaque JSON payload).
type Command struct {
	Op   types.MutationKind `json:"op"`
	Data json.RawMessage    `json:"data"`
}

// GrantPayload requests a new or idempotently-repeated edge.
type GrantPayload struct {
	Type       string         `json:"type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Capability string         `json:"capability,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// RevokePayload soft-deletes a live edge.
type RevokePayload struct {
	EdgeID string `json:"edge_id"`
}

// UpsertEntityPayload writes (creating or updating) one entity row.
type UpsertEntityPayload struct {
	Table      string         `json:"table"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

// DeleteEntityPayload removes one entity row, refusing to proceed if live
// edges still reference it unless Cascade is set.
type DeleteEntityPayload struct {
	Table   string `json:"table"`
	ID      string `json:"id"`
	Cascade bool   `json:"cascade,omitempty"`
}

// SchemaChangePayload carries the full compiled schema; the FSM re-derives
// table declarations and relation kinds from it rather than trusting a
// version number alone, so replay after a restart is self-contained.
type SchemaChangePayload struct {
	Schema types.Schema `json:"schema"`
}

// CascadeRequired is returned by DeleteEntity when live edges still
// reference the entity and the caller did not request cascade.
type CascadeRequired struct {
	EntityID string
	EdgeCount int
}

func (e *CascadeRequired) Error() string {
	return fmt.Sprintf("entity %q has %d live edge(s); delete with cascade to remove them", e.EntityID, e.EdgeCount)
}

// ApplyResult is the value every Apply call resolves to, carried back
// through raft's Future.Response().
type ApplyResult struct {
	Version uint64
	EdgeID  string
	Created bool // false when Grant resolved to a pre-existing live edge (P7)
}

// fsm implements raft.FSM over one tenant's tabular store and graph index.
type fsm struct {
	mu      sync.Mutex
	tenant  string
	tables  *tabular.Store
	idx     *graph.Index
	kv      *kvlog.Log
	schema  *schemareg.Compiled
	edges   map[string]*types.Edge
	version uint64 // last assigned mutation version; monotone and gap-free
}

func newFSM(tenant string, tables *tabular.Store, idx *graph.Index, kv *kvlog.Log) *fsm {
	return &fsm{
		tenant: tenant,
		tables: tables,
		idx:    idx,
		kv:     kv,
		edges:  make(map[string]*types.Edge),
	}
}

// LookupEdge implements pkg/validate.EdgeReader.
func (f *fsm) LookupEdge(edgeID string) (*types.Edge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.edges[edgeID]
	return e, ok
}

// FindLiveEdge looks up a live edge by its tuple identity, for the
// convenience form of revoke (type, source, target, capability) instead
// of an edge id.
func (f *fsm) FindLiveEdge(relType, sourceID, targetID, capability string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.edges {
		if e.Type == relType && e.SourceID == sourceID && e.TargetID == targetID &&
			e.Capability() == capability && e.Live(0) {
			return e.ID, true
		}
	}
	return "", false
}

// RelationKind implements pkg/validate.EdgeReader.
func (f *fsm) RelationKind(relType string) (types.RelationKind, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schema == nil {
		return "", false
	}
	rel, ok := f.schema.RelByName[relType]
	if !ok {
		return "", false
	}
	return rel.Kind, true
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("ledger: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LedgerApplyDuration)

	var (
		result    ApplyResult
		err       error
		candidate = f.version + 1
	)

	switch cmd.Op {
	case types.MutationGrant:
		result.EdgeID, result.Created, err = f.applyGrant(candidate, cmd.Data)
		if err == nil && result.Created {
			f.version = candidate
		}
	case types.MutationRevoke:
		err = f.applyRevoke(candidate, cmd.Data)
		if err == nil {
			f.version = candidate
		}
	case types.MutationUpsertEntity:
		err = f.applyUpsertEntity(cmd.Data)
		if err == nil {
			f.version = candidate
		}
	case types.MutationDeleteEntity:
		err = f.applyDeleteEntity(cmd.Data)
		if err == nil {
			f.version = candidate
		}
	case types.MutationSchemaChange:
		err = f.applySchemaChange(cmd.Data)
		if err == nil {
			f.version = candidate
		}
	default:
		err = fmt.Errorf("ledger: unknown mutation kind %q", cmd.Op)
	}

	if err != nil {
		return err
	}
	result.Version = f.version

	metrics.MutationsAppliedTotal.WithLabelValues(f.tenant, string(cmd.Op)).Inc()

	// A Grant that resolved to a pre-existing live edge (P7) minted no new
	// state; it never advanced f.version and is not worth a kvlog slot.
	mirror := !(cmd.Op == types.MutationGrant && !result.Created)
	if mirror && f.kv != nil {
		entry := types.MutationEntry{
			Version:   f.version,
			Kind:      cmd.Op,
			Payload:   json.RawMessage(cmd.Data),
			WallClock: time.Now(),
		}
		if err := f.kv.Append(f.tenant, entry); err != nil {
			return fmt.Errorf("ledger: mirror mutation to kvlog: %w", err)
		}
	}

	return &result
}

func (f *fsm) applyGrant(index uint64, data json.RawMessage) (edgeID string, created bool, err error) {
	var payload GrantPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false, fmt.Errorf("ledger: unmarshal grant: %w", err)
	}

	for _, e := range f.edges {
		if e.Type == payload.Type && e.SourceID == payload.SourceID && e.TargetID == payload.TargetID &&
			e.Capability() == payload.Capability && e.Live(0) {
			return e.ID, false, nil
		}
	}

	edge := &types.Edge{
		ID:             uuid.New().String(),
		Type:           payload.Type,
		SourceID:       payload.SourceID,
		TargetID:       payload.TargetID,
		Properties:     payload.Properties,
		CreatedVersion: index,
	}
	if edge.Properties == nil && payload.Capability != "" {
		edge.Properties = map[string]any{"capability": payload.Capability}
	} else if payload.Capability != "" {
		edge.Properties["capability"] = payload.Capability
	}

	f.edges[edge.ID] = edge
	if err := f.tables.Insert(payload.Type, edge.ID, tabular.Row{
		"id": edge.ID, "source_id": edge.SourceID, "target_id": edge.TargetID,
		"capability": payload.Capability, "created_version": index,
	}); err != nil {
		delete(f.edges, edge.ID)
		return "", false, fmt.Errorf("ledger: insert edge row: %w", err)
	}

	f.idx.AddEdge(payload.Type, payload.SourceID, payload.TargetID, edge.ID, payload.Capability)

	return edge.ID, true, nil
}

func (f *fsm) applyRevoke(index uint64, data json.RawMessage) error {
	var payload RevokePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("ledger: unmarshal revoke: %w", err)
	}

	edge, ok := f.edges[payload.EdgeID]
	if !ok {
		return fmt.Errorf("ledger: revoke: unknown edge %q", payload.EdgeID)
	}
	if !edge.Live(0) {
		return nil // already revoked; revoke is idempotent
	}

	edge.RevokedVersion = index
	if err := f.tables.Update(edge.Type, edge.ID, tabular.Row{"revoked_version": index}); err != nil {
		return fmt.Errorf("ledger: update revoked edge row: %w", err)
	}
	f.idx.RemoveEdge(edge.Type, edge.SourceID, edge.TargetID, edge.ID, edge.Capability())
	return nil
}

func (f *fsm) applyUpsertEntity(data json.RawMessage) error {
	var payload UpsertEntityPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("ledger: unmarshal upsert entity: %w", err)
	}

	row := tabular.Row{"id": payload.ID}
	for k, v := range payload.Attributes {
		row[k] = v
	}

	if _, exists := f.tables.Get(payload.Table, payload.ID); exists {
		return f.tables.Update(payload.Table, payload.ID, row)
	}
	return f.tables.Insert(payload.Table, payload.ID, row)
}

func (f *fsm) applyDeleteEntity(data json.RawMessage) error {
	var payload DeleteEntityPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("ledger: unmarshal delete entity: %w", err)
	}

	if !payload.Cascade {
		if n := f.countLiveEdgesTouching(payload.ID); n > 0 {
			return &CascadeRequired{EntityID: payload.ID, EdgeCount: n}
		}
	} else {
		for _, edge := range f.edgesTouching(payload.ID) {
			if !edge.Live(0) {
				continue
			}
			edge.RevokedVersion = edge.CreatedVersion + 1 // any non-zero marks revoked
			if err := f.tables.Update(edge.Type, edge.ID, tabular.Row{"revoked_version": edge.RevokedVersion}); err != nil {
				return fmt.Errorf("ledger: cascade-revoke edge %q: %w", edge.ID, err)
			}
			f.idx.RemoveEdge(edge.Type, edge.SourceID, edge.TargetID, edge.ID, edge.Capability())
		}
	}

	return f.tables.Delete(payload.Table, payload.ID)
}

func (f *fsm) countLiveEdgesTouching(entityID string) int {
	return len(f.edgesTouching(entityID))
}

func (f *fsm) edgesTouching(entityID string) []*types.Edge {
	var out []*types.Edge
	for _, e := range f.edges {
		if !e.Live(0) {
			continue
		}
		if e.SourceID == entityID || e.TargetID == entityID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fsm) applySchemaChange(data json.RawMessage) error {
	var payload SchemaChangePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("ledger: unmarshal schema change: %w", err)
	}

	compiled := schemareg.Compile(payload.Schema)
	f.schema = compiled

	for _, entity := range compiled.Schema.Entities {
		var unique []string
		for _, idx := range compiled.IndexByTable[entity.Name] {
			if idx.Unique {
				unique = append(unique, idx.Field)
			}
		}
		f.tables.EnsureTable(entity.Name, unique)
	}
	for _, rel := range compiled.Schema.Relationships {
		f.tables.EnsureTable(rel.Name, nil)
		groupLike := rel.Kind == types.RelationMemberOf || rel.Kind == types.RelationInheritsFrom || rel.Kind == types.RelationContains
		permission := rel.Kind == types.RelationPermission
		f.idx.SetRelationKind(rel.Name, groupLike, permission)
	}
	return nil
}

// snapshot is the raft.FSMSnapshot persisted form: CSV per table plus the
// edge index, sufficient to rebuild both the tabular store and graph index.
type snapshot struct {
	Tenant    string                 `json:"tenant"`
	Version   uint64                 `json:"version"`
	Schema    types.Schema           `json:"schema"`
	Tables    map[string][]byte      `json:"tables"`
	Checksums map[string]string      `json:"checksums"`
	Columns   map[string][]string    `json:"columns"`
	Edges     map[string]*types.Edge `json:"edges"`
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)

	columns := make(map[string][]string)
	if f.schema != nil {
		for _, e := range f.schema.Schema.Entities {
			cols := []string{"id"}
			for _, fld := range e.Fields {
				cols = append(cols, fld.Name)
			}
			columns[e.Name] = cols
		}
		for _, r := range f.schema.Schema.Relationships {
			columns[r.Name] = []string{"id", "source_id", "target_id", "capability", "created_version", "revoked_version"}
		}
	}

	csvOut, checksums := f.tables.Snapshot(columns)

	var schema types.Schema
	if f.schema != nil {
		schema = f.schema.Schema
	}

	edgesCopy := make(map[string]*types.Edge, len(f.edges))
	for k, v := range f.edges {
		cp := *v
		edgesCopy[k] = &cp
	}

	return &snapshot{
		Tenant:    f.tenant,
		Version:   f.version,
		Schema:    schema,
		Tables:    csvOut,
		Checksums: checksums,
		Columns:   columns,
		Edges:     edgesCopy,
	}, nil
}

// Restore rebuilds the tabular store and graph index from a snapshot,
// halting (the caller surfaces DegradedReadOnly) if replay fails.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("ledger: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.version = snap.Version

	if snap.Schema.Version != 0 {
		compiled := schemareg.Compile(snap.Schema)
		f.schema = compiled
		for _, entity := range compiled.Schema.Entities {
			var unique []string
			for _, idx := range compiled.IndexByTable[entity.Name] {
				if idx.Unique {
					unique = append(unique, idx.Field)
				}
			}
			f.tables.EnsureTable(entity.Name, unique)
		}
		for _, rel := range compiled.Schema.Relationships {
			f.tables.EnsureTable(rel.Name, nil)
			groupLike := rel.Kind == types.RelationMemberOf || rel.Kind == types.RelationInheritsFrom || rel.Kind == types.RelationContains
			f.idx.SetRelationKind(rel.Name, groupLike, rel.Kind == types.RelationPermission)
		}
	}

	for table, data := range snap.Tables {
		if err := tabular.Load(f.tables, table, data, "id", nil); err != nil {
			return fmt.Errorf("ledger: restore table %q: %w", table, err)
		}
	}

	f.edges = make(map[string]*types.Edge, len(snap.Edges))
	for id, edge := range snap.Edges {
		f.edges[id] = edge
		if edge.Live(0) {
			f.idx.AddEdge(edge.Type, edge.SourceID, edge.TargetID, edge.ID, edge.Capability())
		}
	}

	return nil
}

// Ledger is one tenant's durable, versioned authorization state, backed by
// a single-member raft group (in-memory transport; durability comes from
// the boltdb log/stable stores and periodic FSM snapshots).
type Ledger struct {
	tenant  string
	dataDir string

	raft   *raft.Raft
	fsm    *fsm
	Tables *tabular.Store
	Index  *graph.Index
}

// Open creates (or reopens, via Restore from the latest snapshot + log
// replay) a tenant's ledger under dataDir/tenant.
func Open(tenant, baseDataDir string, kv *kvlog.Log) (*Ledger, error) {
	dataDir := filepath.Join(baseDataDir, tenant)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create data dir: %w", err)
	}

	tables := tabular.New()
	idx := graph.New(tenant, make(map[string]bool), make(map[string]bool))
	f := newFSM(tenant, tables, idx, kv)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(tenant)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(tenant))

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("ledger: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("ledger: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("ledger: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("ledger: create raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("ledger: check existing state: %w", err)
	}
	if !hasState {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: addr}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("ledger: bootstrap cluster: %w", err)
		}
	}

	return &Ledger{
		tenant:  tenant,
		dataDir: dataDir,
		raft:    r,
		fsm:     f,
		Tables:  tables,
		Index:   idx,
	}, nil
}

// Shutdown gracefully stops the raft group.
func (l *Ledger) Shutdown() error {
	return l.raft.Shutdown().Error()
}

// apply marshals op/payload into a Command, submits it through raft, and
// unwraps the FSM's ApplyResult (or error) from the commit future.
func (l *Ledger) apply(ctx context.Context, op types.MutationKind, payload any) (*ApplyResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal command: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	future := l.raft.Apply(raw, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("ledger: apply %s: %w", op, err)
	}

	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case *ApplyResult:
		return resp, nil
	default:
		return nil, fmt.Errorf("ledger: unexpected apply response %T", resp)
	}
}

// Grant records a new edge, or idempotently returns the id of an identical
// live edge already granted (spec P7).
func (l *Ledger) Grant(ctx context.Context, relType, sourceID, targetID, capability string, properties map[string]any) (string, error) {
	result, err := l.apply(ctx, types.MutationGrant, GrantPayload{
		Type: relType, SourceID: sourceID, TargetID: targetID, Capability: capability, Properties: properties,
	})
	if err != nil {
		return "", err
	}
	return result.EdgeID, nil
}

// Revoke soft-deletes a live edge; the edge row and its revoked_version are
// retained as a tombstone.
func (l *Ledger) Revoke(ctx context.Context, edgeID string) error {
	_, err := l.apply(ctx, types.MutationRevoke, RevokePayload{EdgeID: edgeID})
	return err
}

// UpsertEntity creates or updates one entity row.
func (l *Ledger) UpsertEntity(ctx context.Context, table, id string, attrs map[string]any) error {
	_, err := l.apply(ctx, types.MutationUpsertEntity, UpsertEntityPayload{Table: table, ID: id, Attributes: attrs})
	return err
}

// DeleteEntity removes an entity row, refusing (CascadeRequired) if live
// edges still reference it unless cascade is true.
func (l *Ledger) DeleteEntity(ctx context.Context, table, id string, cascade bool) error {
	_, err := l.apply(ctx, types.MutationDeleteEntity, DeleteEntityPayload{Table: table, ID: id, Cascade: cascade})
	return err
}

// ApplySchema replicates a newly activated schema into the tenant's tabular
// store and graph index.
func (l *Ledger) ApplySchema(ctx context.Context, schema types.Schema) error {
	_, err := l.apply(ctx, types.MutationSchemaChange, SchemaChangePayload{Schema: schema})
	return err
}

// LookupEdge implements pkg/validate.EdgeReader.
func (l *Ledger) LookupEdge(edgeID string) (*types.Edge, bool) { return l.fsm.LookupEdge(edgeID) }

// FindLiveEdge resolves the convenience tuple form of revoke to an edge id.
func (l *Ledger) FindLiveEdge(relType, sourceID, targetID, capability string) (string, bool) {
	return l.fsm.FindLiveEdge(relType, sourceID, targetID, capability)
}

// RelationKind implements pkg/validate.EdgeReader.
func (l *Ledger) RelationKind(relType string) (types.RelationKind, bool) {
	return l.fsm.RelationKind(relType)
}

// CurrentVersion returns the tenant's latest committed mutation version,
// from the FSM's own counter rather than raft.AppliedIndex (which also
// counts raft's internal configuration/no-op entries and is not dense).
func (l *Ledger) CurrentVersion() uint64 {
	l.fsm.mu.Lock()
	defer l.fsm.mu.Unlock()
	return l.fsm.version
}

// EdgeCount returns the number of edges the ledger has ever minted,
// including revoked tombstones.
func (l *Ledger) EdgeCount() int {
	l.fsm.mu.Lock()
	defer l.fsm.mu.Unlock()
	return len(l.fsm.edges)
}

// Columns returns each declared table's CSV column order under the active
// schema, for object-store CSV export.
func (l *Ledger) Columns() map[string][]string {
	l.fsm.mu.Lock()
	defer l.fsm.mu.Unlock()

	columns := make(map[string][]string)
	if l.fsm.schema == nil {
		return columns
	}
	for _, e := range l.fsm.schema.Schema.Entities {
		cols := []string{"id"}
		for _, fld := range e.Fields {
			cols = append(cols, fld.Name)
		}
		columns[e.Name] = cols
	}
	for _, r := range l.fsm.schema.Schema.Relationships {
		columns[r.Name] = []string{"id", "source_id", "target_id", "capability", "created_version", "revoked_version"}
	}
	return columns
}

// EntityTables returns the entity (non-relationship) table names declared
// by the active schema, for TenantStats accounting.
func (l *Ledger) EntityTables() []string {
	l.fsm.mu.Lock()
	defer l.fsm.mu.Unlock()
	if l.fsm.schema == nil {
		return nil
	}
	names := make([]string, 0, len(l.fsm.schema.Schema.Entities))
	for _, e := range l.fsm.schema.Schema.Entities {
		names = append(names, e.Name)
	}
	return names
}
