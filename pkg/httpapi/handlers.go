package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/rebac-core/pkg/ledger"
	"github.com/cuemby/rebac-core/pkg/types"
	"github.com/cuemby/rebac-core/pkg/validate"
)

// dataProbe adapts a tenant's live tabular store to schemareg.DataProbe,
// so Activate/Rollback can verify forward compatibility against what is
// actually stored rather than just the candidate schema's text.
type dataProbe struct{ led *ledger.Ledger }

func newDataProbe(led *ledger.Ledger) *dataProbe { return &dataProbe{led: led} }

func (p *dataProbe) TablesInUse() []string { return p.led.Tables.TableNames() }

func (p *dataProbe) RequiredFieldsPresent(table string, declared map[string]types.FieldDef) bool {
	for _, row := range p.led.Tables.Scan(table) {
		for name, field := range declared {
			if !field.Required {
				continue
			}
			if _, ok := row[name]; !ok {
				return false
			}
		}
	}
	return true
}

func (s *Server) handleCan(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()

	allowed, err := a.Validate.Can(ctx, q.Get("subject"), q.Get("capability"), q.Get("object"))
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"latency_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (s *Server) handleAccessibleObjects(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()

	objects, err := a.Validate.AccessibleObjects(ctx, q.Get("subject"), q.Get("capability"))
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

func (s *Server) handleAccessors(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()

	accessors, err := a.Validate.Accessors(ctx, q.Get("object"), q.Get("capability"))
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessors": accessors})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	entities := 0
	for _, table := range a.Ledger.EntityTables() {
		entities += a.Ledger.Tables.RowCount(table)
	}
	stats := types.TenantStats{
		Entities:        entities,
		Edges:           a.Ledger.EdgeCount(),
		CurrentVersion:  a.Ledger.CurrentVersion(),
		ConnectionCount: s.registry.ConnectionCounts()[a.Tenant],
		SchemaVersion:   a.Schema.ActiveVersion(),
	}
	writeJSON(w, http.StatusOK, stats)
}

type grantRequest struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

func capabilityOf(properties map[string]any) string {
	if properties == nil {
		return ""
	}
	c, _ := properties["capability"].(string)
	return c
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	edgeID, err := a.Ledger.Grant(r.Context(), req.Type, req.Source, req.Target, capabilityOf(req.Properties), req.Properties)
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edge_id": edgeID, "version": a.Ledger.CurrentVersion()})
}

type revokeRequest struct {
	EdgeID     string `json:"edge_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Target     string `json:"target,omitempty"`
	Type       string `json:"type,omitempty"`
	Capability string `json:"capability,omitempty"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	edgeID := req.EdgeID
	if edgeID == "" {
		found, ok := a.Ledger.FindLiveEdge(req.Type, req.Source, req.Target, req.Capability)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown_edge"})
			return
		}
		edgeID = found
	} else if _, found := a.Ledger.LookupEdge(edgeID); !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown_edge"})
		return
	}

	if err := a.Ledger.Revoke(r.Context(), edgeID); err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": a.Ledger.CurrentVersion()})
}

type bulkOperation struct {
	Op      string          `json:"op"`
	Request json.RawMessage `json:"request"`
}

type bulkRequest struct {
	Operations []bulkOperation `json:"operations"`
}

type bulkOpResult struct {
	Status string `json:"status"`
	EdgeID string `json:"edge_id,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleBulk applies operations in submission order; the first failure
// aborts the remainder of the batch and marks them "skipped".
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	results := make([]bulkOpResult, len(req.Operations))
	aborted := false
	for i, op := range req.Operations {
		if aborted {
			results[i] = bulkOpResult{Status: "skipped"}
			continue
		}

		switch op.Op {
		case "grant":
			var gr grantRequest
			if err := json.Unmarshal(op.Request, &gr); err != nil {
				results[i] = bulkOpResult{Status: "error", Error: err.Error()}
				aborted = true
				continue
			}
			edgeID, err := a.Ledger.Grant(r.Context(), gr.Type, gr.Source, gr.Target, capabilityOf(gr.Properties), gr.Properties)
			if err != nil {
				results[i] = bulkOpResult{Status: "error", Error: err.Error()}
				aborted = true
				continue
			}
			results[i] = bulkOpResult{Status: "ok", EdgeID: edgeID, Version: a.Ledger.CurrentVersion()}

		case "revoke":
			var rr revokeRequest
			if err := json.Unmarshal(op.Request, &rr); err != nil {
				results[i] = bulkOpResult{Status: "error", Error: err.Error()}
				aborted = true
				continue
			}
			edgeID := rr.EdgeID
			if edgeID == "" {
				found, ok := a.Ledger.FindLiveEdge(rr.Type, rr.Source, rr.Target, rr.Capability)
				if !ok {
					results[i] = bulkOpResult{Status: "error", Error: "unknown_edge"}
					aborted = true
					continue
				}
				edgeID = found
			}
			if err := a.Ledger.Revoke(r.Context(), edgeID); err != nil {
				results[i] = bulkOpResult{Status: "error", Error: err.Error()}
				aborted = true
				continue
			}
			results[i] = bulkOpResult{Status: "ok", Version: a.Ledger.CurrentVersion()}

		default:
			results[i] = bulkOpResult{Status: "error", Error: "unsupported operation " + op.Op}
			aborted = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type validateRequest struct {
	Subject     string   `json:"subject"`
	Object      string   `json:"object"`
	Capability  string   `json:"capability"`
	EdgeIDs     []string `json:"edge_ids"`
	EvalVersion uint64   `json:"eval_version,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()

	result := a.Validate.ValidateProof(ctx, validate.Proof{
		Subject: req.Subject, Object: req.Object, Capability: req.Capability,
		EdgeIDs: req.EdgeIDs, EvalVersion: req.EvalVersion,
	})
	if !result.Allowed {
		writeJSON(w, http.StatusForbidden, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSchemaGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	compiled, err := a.Schema.Active()
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, compiled.Schema)
}

func (s *Server) handleSchemaUpload(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	source, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	version, err := a.Schema.Upload(r.Context(), source)
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (s *Server) handleSchemaActivate(w http.ResponseWriter, r *http.Request) {
	s.activateOrRollback(w, r, true)
}

func (s *Server) handleSchemaRollback(w http.ResponseWriter, r *http.Request) {
	s.activateOrRollback(w, r, false)
}

func (s *Server) activateOrRollback(w http.ResponseWriter, r *http.Request, activate bool) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	version, err := parseVersionVar(r)
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	probe := newDataProbe(a.Ledger)
	if activate {
		err = a.Schema.Activate(version, probe)
	} else {
		err = a.Schema.Rollback(version, probe)
	}
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	compiled, err := a.Schema.Active()
	if err != nil {
		writeError(w, r.URL.Path, err)
		return
	}
	if err := a.Ledger.ApplySchema(r.Context(), compiled.Schema); err != nil {
		writeError(w, r.URL.Path, err)
		return
	}

	if store := s.registry.Store(); store != nil {
		_ = store.SetCurrentSchema(r.Context(), a.Tenant, version)
	}

	s.hubsMu.RLock()
	hub, hasHub := s.hubs[a.Tenant]
	s.hubsMu.RUnlock()
	if hasHub {
		hub.BroadcastSchemaChange(version)
	}

	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func parseVersionVar(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["version"])
}
