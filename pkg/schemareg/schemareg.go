// Package schemareg owns a tenant's compiled schema: upload, validation,
// activation, and rollback, gating every mutation on the active generation.
package schemareg

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/rebac-core/pkg/types"
	"gopkg.in/yaml.v3"
)

// reservedNames may not be used as entity, relationship, or index names.
var reservedNames = map[string]bool{
	"id": true, "type": true, "version": true, "tenant": true,
	"created_version": true, "revoked_version": true,
}

// SchemaMissing is returned by Active when a tenant has no schema yet.
type SchemaMissing struct{ Tenant string }

func (e *SchemaMissing) Error() string { return fmt.Sprintf("schema missing for tenant %q", e.Tenant) }

// ValidationError is one schema validation failure, carrying a best-effort
// source location and, for near-miss identifiers, a suggestion.
type ValidationError struct {
	Path       string
	Line       int
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s:%d: %s (did you mean %q?)", e.Path, e.Line, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// ValidationErrors is a batch of ValidationError, returned by Upload.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// Compiled is the runtime form of a schema: field validators closed over
// the declared type, plus the raw definition for table/index lookups.
type Compiled struct {
	Schema       types.Schema
	FieldByTable map[string]map[string]types.FieldDef
	RelByName    map[string]types.RelationshipDef
	IndexByTable map[string][]types.IndexDef
}

func compile(s types.Schema) *Compiled {
	c := &Compiled{
		Schema:       s,
		FieldByTable: make(map[string]map[string]types.FieldDef),
		RelByName:    make(map[string]types.RelationshipDef),
		IndexByTable: make(map[string][]types.IndexDef),
	}
	for _, e := range s.Entities {
		fields := make(map[string]types.FieldDef, len(e.Fields))
		for _, f := range e.Fields {
			fields[f.Name] = f
		}
		c.FieldByTable[e.Name] = fields
	}
	for _, r := range s.Relationships {
		c.RelByName[r.Name] = r
	}
	for _, idx := range s.Indexes {
		c.IndexByTable[idx.Entity] = append(c.IndexByTable[idx.Entity], idx)
	}
	return c
}

// Validate runs the §4.1 validation rules against source schema s and
// returns every violation found (not just the first).
func Validate(s types.Schema) ValidationErrors {
	var errs ValidationErrors

	entityNames := make(map[string]bool, len(s.Entities))
	for _, e := range s.Entities {
		if e.Name == "" || reservedNames[e.Name] {
			errs = append(errs, &ValidationError{Path: "entities." + e.Name, Message: "entity name is empty or reserved"})
			continue
		}
		if entityNames[e.Name] {
			errs = append(errs, &ValidationError{Path: "entities." + e.Name, Message: "duplicate entity name"})
		}
		entityNames[e.Name] = true

		for _, f := range e.Fields {
			if err := validateField(e.Name, f, entityNames, s); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, r := range s.Relationships {
		if r.Name == "" || reservedNames[r.Name] {
			errs = append(errs, &ValidationError{Path: "relationships." + r.Name, Message: "relationship name is empty or reserved"})
			continue
		}
		if !entityNames[r.Source] {
			errs = append(errs, &ValidationError{
				Path: "relationships." + r.Name + ".source", Message: "undefined source entity " + r.Source,
				Suggestion: suggest(r.Source, entityNames),
			})
		}
		if !entityNames[r.Target] {
			errs = append(errs, &ValidationError{
				Path: "relationships." + r.Name + ".target", Message: "undefined target entity " + r.Target,
				Suggestion: suggest(r.Target, entityNames),
			})
		}
	}

	for _, idx := range s.Indexes {
		fields, ok := entityFields(s, idx.Entity)
		if !ok {
			errs = append(errs, &ValidationError{Path: "indexes." + idx.Name, Message: "index references undefined entity " + idx.Entity})
			continue
		}
		if _, ok := fields[idx.Field]; !ok {
			errs = append(errs, &ValidationError{
				Path: "indexes." + idx.Name, Message: "index references undefined field " + idx.Field,
				Suggestion: suggestField(idx.Field, fields),
			})
		}
	}

	if cyc := findReferenceCycle(s); cyc != "" {
		// Self-references are left out of the cycle check and produce
		// neither an error nor a warning; non-self cycles through `reference` fields block topological
		// instantiation and are reported as errors.
		errs = append(errs, &ValidationError{Path: "entities", Message: "reference cycle: " + cyc})
	}

	return errs
}

func entityFields(s types.Schema, entity string) (map[string]types.FieldDef, bool) {
	for _, e := range s.Entities {
		if e.Name == entity {
			fields := make(map[string]types.FieldDef, len(e.Fields))
			for _, f := range e.Fields {
				fields[f.Name] = f
			}
			return fields, true
		}
	}
	return nil, false
}

func validateField(entity string, f types.FieldDef, entityNames map[string]bool, s types.Schema) *ValidationError {
	path := fmt.Sprintf("entities.%s.fields.%s", entity, f.Name)
	if f.Name == "" {
		return &ValidationError{Path: path, Message: "field name is empty"}
	}

	switch f.Type {
	case types.FieldString, types.FieldNumber, types.FieldBoolean, types.FieldTimestamp, types.FieldEnum, types.FieldReference, types.FieldJSON:
		// closed set, ok
	default:
		return &ValidationError{Path: path, Message: "unknown field type " + string(f.Type)}
	}

	if f.Type == types.FieldReference {
		if _, defined := entityFields(s, f.RefEntity); f.RefEntity != entity && !defined {
			return &ValidationError{Path: path, Message: "reference target undefined: " + f.RefEntity, Suggestion: suggest(f.RefEntity, entityNames)}
		}
	}

	if f.Type == types.FieldEnum && len(f.EnumValues) == 0 {
		return &ValidationError{Path: path, Message: "enum field declares no values"}
	}

	if f.Pattern != "" {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			return &ValidationError{Path: path, Message: "pattern does not compile: " + err.Error()}
		}
	}

	return nil
}

// findReferenceCycle returns a description of the first non-self cycle
// found in the reference dependency graph, or "" if none exists.
func findReferenceCycle(s types.Schema) string {
	edges := make(map[string][]string)
	for _, e := range s.Entities {
		for _, f := range e.Fields {
			if f.Type == types.FieldReference && f.RefEntity != e.Name {
				edges[e.Name] = append(edges[e.Name], f.RefEntity)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var path []string

	var visit func(n string) string
	visit = func(n string) string {
		color[n] = gray
		path = append(path, n)
		for _, m := range edges[n] {
			switch color[m] {
			case gray:
				return strings.Join(append(path, m), " -> ")
			case white:
				if cyc := visit(m); cyc != "" {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return ""
	}

	names := make([]string, 0, len(edges))
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if color[n] == white {
			if cyc := visit(n); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

func suggest(name string, candidates map[string]bool) string {
	names := make([]string, 0, len(candidates))
	for c := range candidates {
		names = append(names, c)
	}
	return nearest(name, names)
}

func suggestField(name string, fields map[string]types.FieldDef) string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	return nearest(name, names)
}

func nearest(name string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein(name, c)
		if d <= 2 && (bestDist == -1 || d < bestDist) {
			best, bestDist = c, d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Compile exposes the internal compile step to callers outside the package
// (the ledger FSM derives table/relation metadata from a schema_change
// mutation without re-running validation, which already happened at Upload).
func Compile(s types.Schema) *Compiled { return compile(s) }

// ParseYAML decodes schema source in the registry's wire format.
func ParseYAML(source []byte) (types.Schema, error) {
	var s types.Schema
	if err := yaml.Unmarshal(source, &s); err != nil {
		return s, fmt.Errorf("parse schema yaml: %w", err)
	}
	return s, nil
}

// Persister is the subset of pkg/objectstore.Store the registry needs,
// narrowed here so schemareg doesn't import the object storage client
// directly and can be tested against a fake.
type Persister interface {
	PutSchemaVersion(ctx context.Context, tenant string, version int, compiled any) error
	GetSchemaVersion(ctx context.Context, tenant string, version int, out any) error
	SetCurrentSchema(ctx context.Context, tenant string, version int) error
	GetCurrentSchema(ctx context.Context, tenant string) (int, error)
}

// Registry holds every version the tenant has uploaded, in memory, backed
// by Persister for durability. One Registry instance serves one tenant.
type Registry struct {
	mu       sync.RWMutex
	tenant   string
	store    Persister
	versions map[int]*Compiled
	active   int
}

// New initializes an empty schema registry for tenant; cold-start recovery
// fills it through Restore. A nil store keeps versions in memory only.
func New(tenant string, store Persister) *Registry {
	return &Registry{tenant: tenant, store: store, versions: make(map[int]*Compiled)}
}

// Active returns the currently active compiled schema.
func (r *Registry) Active() (*Compiled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == 0 {
		return nil, &SchemaMissing{Tenant: r.tenant}
	}
	return r.versions[r.active], nil
}

// ActiveVersion returns the active version number, 0 if none.
func (r *Registry) ActiveVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Upload validates, compiles, and persists source as a new numbered
// version. It does not activate the version.
func (r *Registry) Upload(ctx context.Context, source []byte) (int, error) {
	schema, err := ParseYAML(source)
	if err != nil {
		return 0, err
	}
	if errs := Validate(schema); len(errs) > 0 {
		return 0, errs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nextVersion := 1
	for v := range r.versions {
		if v >= nextVersion {
			nextVersion = v + 1
		}
	}
	schema.Version = nextVersion
	compiled := compile(schema)

	if r.store != nil {
		if err := r.store.PutSchemaVersion(ctx, r.tenant, nextVersion, schema); err != nil {
			return 0, fmt.Errorf("persist schema version %d: %w", nextVersion, err)
		}
	}

	r.versions[nextVersion] = compiled
	return nextVersion, nil
}

// DataProbe exposes stored data for forward-compatibility checks:
// TablesInUse lists the tables currently declared in the store, and
// RequiredFieldsPresent reports whether every stored row of `table` has a
// value for each field that `declared` marks required.
type DataProbe interface {
	TablesInUse() []string
	RequiredFieldsPresent(table string, declared map[string]types.FieldDef) bool
}

// Activate switches the tenant's active version, refusing schemas that are
// not forward-compatible with probe's currently stored data.
func (r *Registry) Activate(version int, probe DataProbe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate, ok := r.versions[version]
	if !ok {
		return fmt.Errorf("unknown schema version %d", version)
	}
	if err := checkForwardCompatible(candidate, probe); err != nil {
		return err
	}

	r.active = version
	return nil
}

// Restore loads a previously-activated schema version straight into the
// registry's cache without re-validating, for tenant cold-start recovery.
func (r *Registry) Restore(version int, schema types.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[version] = compile(schema)
	r.active = version
}

// Rollback is Activate against an earlier version under the same check.
func (r *Registry) Rollback(version int, probe DataProbe) error {
	return r.Activate(version, probe)
}

func checkForwardCompatible(candidate *Compiled, probe DataProbe) error {
	if probe == nil {
		return nil
	}
	for _, table := range probe.TablesInUse() {
		if _, ok := candidate.RelByName[table]; ok {
			continue
		}
		fields, ok := candidate.FieldByTable[table]
		if !ok {
			return fmt.Errorf("schema version %d drops table %q still in use", candidate.Schema.Version, table)
		}
		if !probe.RequiredFieldsPresent(table, fields) {
			return fmt.Errorf("schema version %d is missing a required field used by existing data in table %q", candidate.Schema.Version, table)
		}
	}
	return nil
}
