// Package httpapi exposes the HTTP/JSON read, write, and schema endpoints
// plus the WebSocket upgrade route, all tenant-scoped under /{tenant}/...
// Grounded on the teacher's pkg/api server shape (one struct wrapping the
// backing manager, a handful of focused handler methods) and its
// pkg/api/health.go (the plain-net/http health/ready/metrics mux), but
// routed with gorilla/mux instead of gRPC since the surface here is
// HTTP/JSON + WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cuemby/rebac-core/pkg/ledger"
	"github.com/cuemby/rebac-core/pkg/metrics"
	"github.com/cuemby/rebac-core/pkg/schemareg"
	"github.com/cuemby/rebac-core/pkg/synchub"
	"github.com/cuemby/rebac-core/pkg/tabular"
	"github.com/cuemby/rebac-core/pkg/tenant"
	"github.com/cuemby/rebac-core/pkg/types"
	"github.com/cuemby/rebac-core/pkg/validate"
)

// OperatorHeader is the name of the header for the caller's opaque operator
// identity. End-user authentication happens upstream of this server. The
// handlers in this package do not read the header, and mutations carry no
// operator attribution.
const OperatorHeader = "X-Operator-Id"

// Server wires the tenant registry and its per-tenant sync hubs behind an
// HTTP router. Schema persistence goes through registry.Store() rather than
// a separately injected dependency, so there is exactly one object store
// per process and exactly one place (tests included) that can fake it.
type Server struct {
	registry *tenant.Registry
	router   *mux.Router
	upgrader websocket.Upgrader

	hubsMu sync.RWMutex
	hubs   map[string]*synchub.Hub
}

// NewServer builds a Server backed by registry.
func NewServer(registry *tenant.Registry) *Server {
	s := &Server{
		registry: registry,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		hubs:     make(map[string]*synchub.Hub),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler())

	r.HandleFunc("/{tenant}/can", s.handleCan).Methods(http.MethodGet)
	r.HandleFunc("/{tenant}/accessible", s.handleAccessibleObjects).Methods(http.MethodGet)
	r.HandleFunc("/{tenant}/accessors", s.handleAccessors).Methods(http.MethodGet)
	r.HandleFunc("/{tenant}/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/{tenant}/grant", s.handleGrant).Methods(http.MethodPost)
	r.HandleFunc("/{tenant}/revoke", s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/{tenant}/bulk", s.handleBulk).Methods(http.MethodPost)
	r.HandleFunc("/{tenant}/validate", s.handleValidate).Methods(http.MethodPost)

	r.HandleFunc("/{tenant}/schema", s.handleSchemaGet).Methods(http.MethodGet)
	r.HandleFunc("/{tenant}/schema", s.handleSchemaUpload).Methods(http.MethodPut)
	r.HandleFunc("/{tenant}/schema/activate/{version}", s.handleSchemaActivate).Methods(http.MethodPost)
	r.HandleFunc("/{tenant}/schema/rollback/{version}", s.handleSchemaRollback).Methods(http.MethodPost)

	r.HandleFunc("/{tenant}/ws", s.handleWebSocket)
}

// Router returns the underlying mux.Router, for tests and for cmd/rebacd
// to wrap with additional process-level middleware (TLS termination,
// end-user auth) that is out of scope for this package.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// errorResponse mirrors spec §6's failure body shape.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, route string, err error) {
	status, kind := classifyError(err)
	metrics.APIRequestsTotal.WithLabelValues(route, fmt.Sprint(status)).Inc()
	writeJSON(w, status, errorResponse{Error: kind, Details: err.Error()})
}

// classifyError maps the core's typed errors onto HTTP status codes: 404 for
// a tenant with no active schema or an undeclared table, 400 for schema
// validation failures, constraint violations and unrecognized errors, 409
// when a delete needs cascade, 503 at the registry's memory cap, and 403
// for proof failures. No error maps to 429.
func classifyError(err error) (int, string) {
	var schemaMissing *schemareg.SchemaMissing
	var validationErrs schemareg.ValidationErrors
	var constraintViolated *tabular.ConstraintViolated
	var undeclaredTable *tabular.UndeclaredTable
	var cascadeRequired *ledger.CascadeRequired
	var degraded *tenant.DegradedReadOnly
	var unknownEdge *validate.UnknownEdge
	var revokedEdge *validate.RevokedEdge
	var brokenChain *validate.BrokenChain
	var illegalRelation *validate.IllegalRelationInPath
	var capMismatch *validate.CapabilityMismatch
	var pathTooLong *validate.PathTooLong

	switch {
	case errors.As(err, &schemaMissing):
		return http.StatusNotFound, "unknown_tenant"
	case errors.As(err, &undeclaredTable):
		return http.StatusNotFound, "unknown_entity"
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest, "schema_validation_failed"
	case errors.As(err, &constraintViolated):
		return http.StatusBadRequest, "constraint_violated"
	case errors.As(err, &cascadeRequired):
		return http.StatusConflict, "cascade_required"
	case errors.As(err, &degraded):
		return http.StatusServiceUnavailable, "degraded_read_only"
	case errors.As(err, &unknownEdge):
		return http.StatusForbidden, "unknown_edge"
	case errors.As(err, &revokedEdge):
		return http.StatusForbidden, "revoked_edge"
	case errors.As(err, &brokenChain):
		return http.StatusForbidden, "broken_chain"
	case errors.As(err, &illegalRelation):
		return http.StatusForbidden, "illegal_relation_in_path"
	case errors.As(err, &capMismatch):
		return http.StatusForbidden, "capability_mismatch"
	case errors.As(err, &pathTooLong):
		return http.StatusForbidden, "path_too_long"
	default:
		return http.StatusBadRequest, "malformed_request"
	}
}

func (s *Server) actor(w http.ResponseWriter, r *http.Request) (*tenant.Actor, bool) {
	vars := mux.Vars(r)
	tenantID := vars["tenant"]
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()

	a, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		writeError(w, r.URL.Path, err)
		return nil, false
	}
	return a, true
}

func (s *Server) hub(a *tenant.Actor) *synchub.Hub {
	s.hubsMu.Lock()
	defer s.hubsMu.Unlock()
	if h, ok := s.hubs[a.Tenant]; ok {
		return h
	}
	h := synchub.New(a.Tenant, s.registry.KV(), s.applier(a), a.Ledger.CurrentVersion)
	h.Start()
	s.hubs[a.Tenant] = h
	return h
}

func (s *Server) applier(a *tenant.Actor) synchub.MutationApplier {
	return func(kind types.MutationKind, payload map[string]interface{}) (uint64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		switch kind {
		case types.MutationGrant:
			relType, _ := payload["type"].(string)
			source, _ := payload["source"].(string)
			target, _ := payload["target"].(string)
			capability, _ := payload["capability"].(string)
			if _, err := a.Ledger.Grant(ctx, relType, source, target, capability, nil); err != nil {
				return 0, err
			}
			return a.Ledger.CurrentVersion(), nil
		case types.MutationRevoke:
			edgeID, _ := payload["edge_id"].(string)
			if err := a.Ledger.Revoke(ctx, edgeID); err != nil {
				return 0, err
			}
			return a.Ledger.CurrentVersion(), nil
		default:
			return 0, fmt.Errorf("unsupported optimistic mutation kind %q", kind)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.registry.IncrementConnections(a.Tenant)
	defer s.registry.DecrementConnections(a.Tenant)
	s.hub(a).Register(ws)
}
