// Package tabular is the authoritative typed projection of a tenant's
// data: in-memory tables guarded by sync.RWMutex (durability comes from the
// ledger, not this store), with a CSV snapshot renderer for object storage.
package tabular

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// ConstraintViolated is returned when a write collides with a unique index.
type ConstraintViolated struct {
	Table string
	Index string
	Value string
}

func (e *ConstraintViolated) Error() string {
	return fmt.Sprintf("constraint violated: table %q index %q value %q already exists", e.Table, e.Index, e.Value)
}

// UndeclaredTable is returned when an operation targets a table not named
// by the active schema.
type UndeclaredTable struct{ Table string }

func (e *UndeclaredTable) Error() string { return fmt.Sprintf("table %q is not declared by the active schema", e.Table) }

// Row is a single typed record, keyed by a schema-declared primary key.
type Row map[string]any

// table preserves insertion order (scan() must be deterministic).
type table struct {
	order []string
	rows  map[string]Row
	// uniqueIndex[field][value] = key, for O(1) collision checks.
	uniqueIndex map[string]map[string]string
}

func newTable() *table {
	return &table{rows: make(map[string]Row), uniqueIndex: make(map[string]map[string]string)}
}

// Store holds every entity/relationship table for one tenant.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New creates an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// EnsureTable declares table with the given unique-index field names,
// idempotently. Called when the active schema changes or a tenant cold-starts.
func (s *Store) EnsureTable(name string, uniqueFields []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = newTable()
		s.tables[name] = t
	}
	for _, f := range uniqueFields {
		if _, ok := t.uniqueIndex[f]; !ok {
			t.uniqueIndex[f] = make(map[string]string)
		}
	}
}

// Insert adds row under key into table. Fails with UndeclaredTable if the
// table was never declared, ConstraintViolated on unique-index collision.
func (s *Store) Insert(tableName, key string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return &UndeclaredTable{Table: tableName}
	}

	for field, index := range t.uniqueIndex {
		v := fmt.Sprintf("%v", row[field])
		if existing, exists := index[v]; exists && existing != key {
			return &ConstraintViolated{Table: tableName, Index: field, Value: v}
		}
	}

	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
	}
	t.rows[key] = row
	for field, index := range t.uniqueIndex {
		index[fmt.Sprintf("%v", row[field])] = key
	}
	return nil
}

// Update patches an existing row's fields, leaving unspecified fields intact.
func (s *Store) Update(tableName, key string, patch Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return &UndeclaredTable{Table: tableName}
	}
	row, ok := t.rows[key]
	if !ok {
		return fmt.Errorf("update: no row %q in table %q", key, tableName)
	}

	for field, index := range t.uniqueIndex {
		if v, has := patch[field]; has {
			nv := fmt.Sprintf("%v", v)
			if existing, exists := index[nv]; exists && existing != key {
				return &ConstraintViolated{Table: tableName, Index: field, Value: nv}
			}
		}
	}

	for field, index := range t.uniqueIndex {
		delete(index, fmt.Sprintf("%v", row[field]))
	}
	for k, v := range patch {
		row[k] = v
	}
	for field, index := range t.uniqueIndex {
		index[fmt.Sprintf("%v", row[field])] = key
	}
	return nil
}

// Delete removes key from table.
func (s *Store) Delete(tableName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return &UndeclaredTable{Table: tableName}
	}
	row, ok := t.rows[key]
	if !ok {
		return nil
	}
	for field, index := range t.uniqueIndex {
		delete(index, fmt.Sprintf("%v", row[field]))
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy-free reference to the row, or (nil, false).
func (s *Store) Get(tableName, key string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[key]
	return row, ok
}

// Scan returns every row of table in insertion order.
func (s *Store) Scan(tableName string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]Row, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k])
	}
	return out
}

// TableNames returns the declared table names, for schema forward-compat checks.
func (s *Store) TableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RowCount returns the number of rows currently in table.
func (s *Store) RowCount(tableName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return 0
	}
	return len(t.rows)
}

// Snapshot renders every declared table to CSV, column order given by
// columns (caller supplies the compiled schema's declared order per table),
// and returns each table's bytes plus a SHA-256 checksum for the manifest.
func (s *Store) Snapshot(columns map[string][]string) (map[string][]byte, map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	csvOut := make(map[string][]byte, len(s.tables))
	checksums := make(map[string]string, len(s.tables))

	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		t := s.tables[name]
		cols := columns[name]

		buf := new(bytes.Buffer)
		w := csv.NewWriter(buf)
		_ = w.Write(cols)
		for _, k := range t.order {
			row := t.rows[k]
			rec := make([]string, len(cols))
			for i, c := range cols {
				rec[i] = fmt.Sprintf("%v", row[c])
			}
			_ = w.Write(rec)
		}
		w.Flush()

		data := buf.Bytes()
		sum := sha256.Sum256(data)
		csvOut[name] = data
		checksums[name] = hex.EncodeToString(sum[:])
	}
	return csvOut, checksums
}

// Load replaces a table's contents from a previously-rendered CSV snapshot,
// used during cold-start recovery. keyColumn names the column to use as
// the row's primary key.
func Load(s *Store, tableName string, csvData []byte, keyColumn string, uniqueFields []string) error {
	r := csv.NewReader(bytes.NewReader(csvData))
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("parse csv for table %q: %w", tableName, err)
	}
	if len(records) == 0 {
		s.EnsureTable(tableName, uniqueFields)
		return nil
	}

	header := records[0]
	keyIdx := -1
	for i, h := range header {
		if h == keyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx == -1 {
		return fmt.Errorf("csv for table %q missing key column %q", tableName, keyColumn)
	}

	s.EnsureTable(tableName, uniqueFields)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		if err := s.Insert(tableName, rec[keyIdx], row); err != nil {
			return fmt.Errorf("load row into table %q: %w", tableName, err)
		}
	}
	return nil
}
