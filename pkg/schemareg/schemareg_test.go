package schemareg

import (
	"context"
	"testing"

	"github.com/cuemby/rebac-core/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	versions map[int]types.Schema
	current  int
}

func newFakePersister() *fakePersister {
	return &fakePersister{versions: make(map[int]types.Schema)}
}

func (f *fakePersister) PutSchemaVersion(ctx context.Context, tenant string, version int, compiled any) error {
	f.versions[version] = compiled.(types.Schema)
	return nil
}

func (f *fakePersister) GetSchemaVersion(ctx context.Context, tenant string, version int, out any) error {
	*out.(*types.Schema) = f.versions[version]
	return nil
}

func (f *fakePersister) SetCurrentSchema(ctx context.Context, tenant string, version int) error {
	f.current = version
	return nil
}

func (f *fakePersister) GetCurrentSchema(ctx context.Context, tenant string) (int, error) {
	return f.current, nil
}

const validSource = `
entities:
  - name: user
    fields:
      - name: email
        type: string
        required: true
  - name: resource
    fields:
      - name: path
        type: string
relationships:
  - name: member_of
    source: user
    target: user
    kind: member_of
    traversable: true
`

func TestValidateRejectsReservedName(t *testing.T) {
	s := types.Schema{Entities: []types.EntityDef{{Name: "id"}}}
	errs := Validate(s)
	require.NotEmpty(t, errs)
}

func TestValidateUnknownFieldType(t *testing.T) {
	s := types.Schema{Entities: []types.EntityDef{
		{Name: "user", Fields: []types.FieldDef{{Name: "x", Type: "not-a-type"}}},
	}}
	errs := Validate(s)
	require.NotEmpty(t, errs)
}

func TestValidateReferenceCycle(t *testing.T) {
	s := types.Schema{Entities: []types.EntityDef{
		{Name: "a", Fields: []types.FieldDef{{Name: "b_ref", Type: types.FieldReference, RefEntity: "b"}}},
		{Name: "b", Fields: []types.FieldDef{{Name: "a_ref", Type: types.FieldReference, RefEntity: "a"}}},
	}}
	errs := Validate(s)
	require.NotEmpty(t, errs)
}

func TestValidateSelfReferenceAllowed(t *testing.T) {
	s := types.Schema{Entities: []types.EntityDef{
		{Name: "node", Fields: []types.FieldDef{{Name: "parent", Type: types.FieldReference, RefEntity: "node"}}},
	}}
	errs := Validate(s)
	require.Empty(t, errs)
}

func TestValidateSuggestsNearMiss(t *testing.T) {
	s := types.Schema{
		Entities: []types.EntityDef{{Name: "user"}},
		Relationships: []types.RelationshipDef{
			{Name: "owns", Source: "usr", Target: "user"},
		},
	}
	errs := Validate(s)
	require.NotEmpty(t, errs)
	require.Equal(t, "user", errs[0].Suggestion)
}

func TestUploadThenActivate(t *testing.T) {
	store := newFakePersister()
	reg := New("acme", store)

	v, err := reg.Upload(context.Background(), []byte(validSource))
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = reg.Active()
	require.Error(t, err, "no active schema before Activate")

	require.NoError(t, reg.Activate(v, nil))
	require.Equal(t, 1, reg.ActiveVersion())

	compiled, err := reg.Active()
	require.NoError(t, err)
	require.Contains(t, compiled.FieldByTable, "user")
}

type fakeProbe struct {
	tables map[string]map[string]bool
}

func (p *fakeProbe) TablesInUse() []string {
	names := make([]string, 0, len(p.tables))
	for t := range p.tables {
		names = append(names, t)
	}
	return names
}

func (p *fakeProbe) RequiredFieldsPresent(table string, declared map[string]types.FieldDef) bool {
	for f := range p.tables[table] {
		if _, ok := declared[f]; !ok {
			return false
		}
	}
	return true
}

func TestActivateRefusesDroppedTable(t *testing.T) {
	store := newFakePersister()
	reg := New("acme", store)

	v, err := reg.Upload(context.Background(), []byte(validSource))
	require.NoError(t, err)

	probe := &fakeProbe{tables: map[string]map[string]bool{"group": {"name": true}}}
	require.Error(t, reg.Activate(v, probe))
}
