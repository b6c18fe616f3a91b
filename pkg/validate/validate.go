// Package validate resolves §4.3 queries and validates client-supplied
// edge-path proofs, per spec §4.5. Proof validation is a pure function of
// ledger lookups — O(path length), no graph traversal.
package validate

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/rebac-core/pkg/graph"
	"github.com/cuemby/rebac-core/pkg/metrics"
	"github.com/cuemby/rebac-core/pkg/types"
)

// UnknownEdge means a proof cites an edge id the ledger has never seen.
type UnknownEdge struct{ EdgeID string }

func (e *UnknownEdge) Error() string { return fmt.Sprintf("unknown edge: %s", e.EdgeID) }

// RevokedEdge means a proof cites an edge revoked at or before the
// evaluation version.
type RevokedEdge struct{ EdgeID string }

func (e *RevokedEdge) Error() string { return fmt.Sprintf("revoked edge: %s", e.EdgeID) }

// BrokenChain reports the index at which path connectivity fails.
type BrokenChain struct{ At int }

func (e *BrokenChain) Error() string { return fmt.Sprintf("broken chain at index %d", e.At) }

// IllegalRelationInPath means a path position used a relationship type not
// declared traversable at that position.
type IllegalRelationInPath struct {
	At           int
	RelationType string
}

func (e *IllegalRelationInPath) Error() string {
	return fmt.Sprintf("illegal relation %q at index %d", e.RelationType, e.At)
}

// CapabilityMismatch means the final edge's capability differs from the
// claimed capability.
type CapabilityMismatch struct {
	Claimed string
	Actual  string
}

func (e *CapabilityMismatch) Error() string {
	return fmt.Sprintf("capability mismatch: claimed %q, proof grants %q", e.Claimed, e.Actual)
}

// PathTooLong means the proof exceeds graph.MaxTraversal edges.
type PathTooLong struct{ Length int }

func (e *PathTooLong) Error() string { return fmt.Sprintf("path too long: %d edges", e.Length) }

// Proof is an ordered list of edge ids a client offers as evidence that
// subject can capability object.
type Proof struct {
	Subject    string
	Object     string
	Capability string
	EdgeIDs    []string
	// EvalVersion is the version to evaluate revocation against; 0 means
	// "current" (honors any revocation, however recent).
	EvalVersion uint64
}

// Result is the outcome of proof validation, matching the §6 API response shape.
type Result struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	BrokenAt    *int   `json:"broken_at,omitempty"`
	InvalidEdge string `json:"invalid_edge,omitempty"`
}

// EdgeReader is the ledger's read surface the validation engine needs, kept
// narrow so this package does not import pkg/ledger.
type EdgeReader interface {
	LookupEdge(edgeID string) (*types.Edge, bool)
	RelationKind(relType string) (types.RelationKind, bool)
}

// Engine answers queries against a graph.Index and validates proofs against
// an EdgeReader, for one tenant.
type Engine struct {
	tenant string
	idx    *graph.Index
	edges  EdgeReader
}

// New builds a validation engine for tenant.
func New(tenant string, idx *graph.Index, edges EdgeReader) *Engine {
	return &Engine{tenant: tenant, idx: idx, edges: edges}
}

// Can answers spec §4.3 query 1.
func (e *Engine) Can(ctx context.Context, subject, capability, object string) (bool, error) {
	return e.idx.Can(ctx, subject, capability, object)
}

// AccessibleObjects answers spec §4.3 query 2.
func (e *Engine) AccessibleObjects(ctx context.Context, subject, capability string) ([]string, error) {
	return e.idx.AccessibleObjects(ctx, subject, capability)
}

// Accessors answers spec §4.3 query 3.
func (e *Engine) Accessors(ctx context.Context, object, capability string) ([]graph.Accessor, error) {
	return e.idx.Accessors(ctx, object, capability)
}

// ValidateProof runs the §4.5 validation steps against proof: path length
// first, then edge existence, revocation, chain connectivity, relation
// legality and capability. It does not consult ctx.
func (e *Engine) ValidateProof(ctx context.Context, proof Proof) Result {
	timer := metrics.NewTimer()
	result := resultFromErr(e.validateProof(proof))
	timer.ObserveDurationVec(metrics.QueryDuration, e.tenant, "validate_proof")

	outcome := "rejected"
	if result.Allowed {
		outcome = "accepted"
	}
	metrics.ProofValidationsTotal.WithLabelValues(e.tenant, outcome).Inc()
	return result
}

// resultFromErr classifies a validateProof error into the §6 API response
// shape via errors.As, so handlers never need to know the error taxonomy.
func resultFromErr(err error) Result {
	if err == nil {
		return Result{Allowed: true}
	}

	var unknown *UnknownEdge
	var revoked *RevokedEdge
	var broken *BrokenChain
	var illegal *IllegalRelationInPath
	var mismatch *CapabilityMismatch
	var tooLong *PathTooLong

	switch {
	case errors.As(err, &unknown):
		return Result{Reason: "UnknownEdge", InvalidEdge: unknown.EdgeID}
	case errors.As(err, &revoked):
		return Result{Reason: "RevokedEdge", InvalidEdge: revoked.EdgeID}
	case errors.As(err, &broken):
		return Result{Reason: "BrokenChain", BrokenAt: &broken.At}
	case errors.As(err, &illegal):
		return Result{Reason: "IllegalRelationInPath", BrokenAt: &illegal.At}
	case errors.As(err, &mismatch):
		return Result{Reason: "CapabilityMismatch"}
	case errors.As(err, &tooLong):
		return Result{Reason: "PathTooLong"}
	default:
		return Result{Reason: "Error"}
	}
}

func (e *Engine) validateProof(proof Proof) error {
	if len(proof.EdgeIDs) > graph.MaxTraversal {
		return &PathTooLong{Length: len(proof.EdgeIDs)}
	}

	edges := make([]*types.Edge, len(proof.EdgeIDs))
	for i, id := range proof.EdgeIDs {
		edge, ok := e.edges.LookupEdge(id)
		if !ok {
			return fmt.Errorf("validate proof: %w", &UnknownEdge{EdgeID: id})
		}
		edges[i] = edge
	}

	for _, edge := range edges {
		if !edge.Live(proof.EvalVersion) {
			return fmt.Errorf("validate proof: %w", &RevokedEdge{EdgeID: edge.ID})
		}
	}

	if len(edges) == 0 || edges[0].SourceID != proof.Subject {
		return fmt.Errorf("validate proof: %w", &BrokenChain{At: 0})
	}
	for i := 0; i < len(edges)-1; i++ {
		if edges[i].TargetID != edges[i+1].SourceID {
			return fmt.Errorf("validate proof: %w", &BrokenChain{At: i})
		}
	}
	last := edges[len(edges)-1]
	if last.TargetID != proof.Object {
		return fmt.Errorf("validate proof: %w", &BrokenChain{At: len(edges) - 1})
	}

	for i, edge := range edges {
		kind, ok := e.edges.RelationKind(edge.Type)
		if !ok {
			return fmt.Errorf("validate proof: %w", &IllegalRelationInPath{At: i, RelationType: edge.Type})
		}
		isLast := i == len(edges)-1
		if isLast {
			if kind != types.RelationPermission {
				return fmt.Errorf("validate proof: %w", &IllegalRelationInPath{At: i, RelationType: edge.Type})
			}
			continue
		}
		switch kind {
		case types.RelationMemberOf, types.RelationInheritsFrom, types.RelationContains:
			// interior positions must be group/inheritance/containment edges
		default:
			return fmt.Errorf("validate proof: %w", &IllegalRelationInPath{At: i, RelationType: edge.Type})
		}
	}

	if last.Capability() != proof.Capability {
		return fmt.Errorf("validate proof: %w", &CapabilityMismatch{Claimed: proof.Capability, Actual: last.Capability()})
	}

	return nil
}
