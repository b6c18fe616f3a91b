package types

import (
	"time"
)

// FieldType is the closed set of field types a schema may declare.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldTimestamp FieldType = "timestamp"
	FieldEnum      FieldType = "enum"
	FieldReference FieldType = "reference"
	FieldJSON      FieldType = "json"
)

// FieldDef describes one field of an entity or a relationship's property bag.
type FieldDef struct {
	Name       string    `json:"name" yaml:"name"`
	Type       FieldType `json:"type" yaml:"type"`
	Required   bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default    any       `json:"default,omitempty" yaml:"default,omitempty"`
	EnumValues []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	RefEntity  string    `json:"ref_entity,omitempty" yaml:"ref_entity,omitempty"`
	Pattern    string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// EntityDef describes a tenant's declared entity table.
type EntityDef struct {
	Name   string     `json:"name" yaml:"name"`
	Fields []FieldDef `json:"fields" yaml:"fields"`
}

// RelationKind classifies a relationship for authorization traversal, per
// spec.md §9's guidance on replacing duck-typed relationship kinds with a
// closed tag.
type RelationKind string

const (
	RelationMemberOf     RelationKind = "member_of"
	RelationInheritsFrom RelationKind = "inherits_from"
	RelationContains     RelationKind = "contains"
	RelationPermission   RelationKind = "permission"
	RelationOpaque       RelationKind = "opaque"
)

// RelationshipDef describes a declared relationship type.
type RelationshipDef struct {
	Name        string       `json:"name" yaml:"name"`
	Source      string       `json:"source" yaml:"source"`
	Target      string       `json:"target" yaml:"target"`
	Kind        RelationKind `json:"kind" yaml:"kind"`
	Properties  []FieldDef   `json:"properties,omitempty" yaml:"properties,omitempty"`
	Traversable bool         `json:"traversable" yaml:"traversable"`
	Cascading   bool         `json:"cascading,omitempty" yaml:"cascading,omitempty"`
}

// IndexDef declares a uniqueness constraint over a field.
type IndexDef struct {
	Name   string `json:"name" yaml:"name"`
	Entity string `json:"entity" yaml:"entity"`
	Field  string `json:"field" yaml:"field"`
	Unique bool   `json:"unique" yaml:"unique"`
}

// Schema is the uncompiled, wire/storage form of a tenant's schema.
type Schema struct {
	Version       int               `json:"version"`
	Entities      []EntityDef       `json:"entities" yaml:"entities"`
	Relationships []RelationshipDef `json:"relationships" yaml:"relationships"`
	Indexes       []IndexDef        `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// Entity is a row conforming to an entity table. Attributes holds the
// typed fields declared by the schema, keyed by field name.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Edge is a server-minted relationship instance. RevokedVersion is zero
// while the edge is live.
type Edge struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	SourceID       string         `json:"source_id"`
	TargetID       string         `json:"target_id"`
	Properties     map[string]any `json:"properties,omitempty"`
	CreatedVersion uint64         `json:"created_version"`
	RevokedVersion uint64         `json:"revoked_version,omitempty"`
}

// Capability returns the edge's "capability" property, if any.
func (e *Edge) Capability() string {
	if e == nil || e.Properties == nil {
		return ""
	}
	if c, ok := e.Properties["capability"].(string); ok {
		return c
	}
	return ""
}

// Live reports whether the edge is not revoked as of evalVersion. A zero
// evalVersion means "current" (always honors any revocation).
func (e *Edge) Live(evalVersion uint64) bool {
	if e.RevokedVersion == 0 {
		return true
	}
	if evalVersion == 0 {
		return false
	}
	return e.RevokedVersion > evalVersion
}

// MutationKind is the closed set of mutation log entry kinds.
type MutationKind string

const (
	MutationGrant        MutationKind = "grant"
	MutationRevoke       MutationKind = "revoke"
	MutationUpsertEntity MutationKind = "upsert_entity"
	MutationDeleteEntity MutationKind = "delete_entity"
	MutationSchemaChange MutationKind = "schema_change"
)

// MutationEntry is one committed entry of a tenant's mutation log.
type MutationEntry struct {
	Version   uint64       `json:"version"`
	Kind      MutationKind `json:"kind"`
	Payload   any          `json:"payload"`
	WallClock time.Time    `json:"wall_clock"`
}

// MaxCatchUp bounds how many past mutations the Sync Hub will replay to a
// reconnecting client before demanding a full resync, and how far past a
// durable snapshot the mutation log must be retained to serve that replay.
const MaxCatchUp = 100

// ConnState is a Sync Hub connection's lifecycle state.
type ConnState string

const (
	ConnConnecting         ConnState = "connecting"
	ConnOpen               ConnState = "open"
	ConnCatchUp            ConnState = "catch_up"
	ConnFullResyncRequired ConnState = "full_resync_required"
	ConnStreaming          ConnState = "streaming"
	ConnClosed             ConnState = "closed"
)

// ConnectionInfo is the observable state of one live WebSocket connection,
// exposed for stats and diagnostics.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	State          ConnState `json:"state"`
	LastAckVersion uint64    `json:"last_ack_version"`
	LastActivity   time.Time `json:"last_activity"`
	QueueDepth     int       `json:"queue_depth"`
}

// TenantStats summarizes a tenant's current counters, for GET /{tenant}/stats.
type TenantStats struct {
	Entities        int    `json:"entities"`
	Edges           int    `json:"edges"`
	CurrentVersion  uint64 `json:"current_version"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	ConnectionCount int    `json:"connection_count"`
	SchemaVersion   int    `json:"schema_version"`
}
