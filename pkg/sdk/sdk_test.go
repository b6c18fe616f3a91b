package sdk_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rebac-core/pkg/httpapi"
	"github.com/cuemby/rebac-core/pkg/kvlog"
	"github.com/cuemby/rebac-core/pkg/objectstore"
	"github.com/cuemby/rebac-core/pkg/sdk"
	"github.com/cuemby/rebac-core/pkg/tenant"
	"github.com/cuemby/rebac-core/pkg/validate"
)

const testSchemaYAML = `
entities:
  - name: user
    fields:
      - name: email
        type: string
  - name: resource
    fields:
      - name: name
        type: string
relationships:
  - name: has_permission
    source: user
    target: resource
    kind: permission
    traversable: true
`

// memStore is a minimal in-memory tenant.Store for SDK-level tests.
type memStore struct {
	versions map[int]json.RawMessage
	current  int
}

func newMemStore() *memStore { return &memStore{versions: make(map[int]json.RawMessage)} }

func (m *memStore) PutSchemaVersion(ctx context.Context, tenant string, version int, compiled any) error {
	raw, err := json.Marshal(compiled)
	if err != nil {
		return err
	}
	m.versions[version] = raw
	return nil
}

func (m *memStore) GetSchemaVersion(ctx context.Context, tenant string, version int, out any) error {
	return json.Unmarshal(m.versions[version], out)
}

func (m *memStore) SetCurrentSchema(ctx context.Context, tenant string, version int) error {
	m.current = version
	return nil
}

func (m *memStore) GetCurrentSchema(ctx context.Context, tenant string) (int, error) {
	return m.current, nil
}

func (m *memStore) PutTableCSV(ctx context.Context, tenant, table string, csv []byte) error { return nil }

func (m *memStore) PutManifest(ctx context.Context, tenant string, manifest objectstore.Manifest) error {
	return nil
}

func newTestServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvlog.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	registry := tenant.New(dir, kv, newMemStore())
	t.Cleanup(registry.Shutdown)

	s := httpapi.NewServer(registry)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSchemaUploadActivateAndGrant(t *testing.T) {
	base := newTestServer(t)
	client := sdk.NewClient(base)
	ctx := context.Background()

	version, err := client.UploadSchema(ctx, "acme", []byte(testSchemaYAML))
	require.NoError(t, err)
	require.Equal(t, 1, version)

	require.NoError(t, client.ActivateSchema(ctx, "acme", version))

	schema, err := client.GetSchema(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, version, schema.Version)

	grant, err := client.Grant(ctx, "acme", "user:alice", "resource:doc1", "has_permission",
		map[string]any{"capability": "read"})
	require.NoError(t, err)
	require.NotEmpty(t, grant.EdgeID)

	allowed, _, err := client.Can(ctx, "acme", "user:alice", "read", "resource:doc1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRevokeByTuple(t *testing.T) {
	base := newTestServer(t)
	client := sdk.NewClient(base)
	ctx := context.Background()

	version, err := client.UploadSchema(ctx, "acme", []byte(testSchemaYAML))
	require.NoError(t, err)
	require.NoError(t, client.ActivateSchema(ctx, "acme", version))

	_, err = client.Grant(ctx, "acme", "user:alice", "resource:doc1", "has_permission",
		map[string]any{"capability": "read"})
	require.NoError(t, err)

	_, err = client.RevokeByTuple(ctx, "acme", "has_permission", "user:alice", "resource:doc1", "read")
	require.NoError(t, err)

	allowed, _, err := client.Can(ctx, "acme", "user:alice", "read", "resource:doc1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestBulkAbortsAfterFirstFailure(t *testing.T) {
	base := newTestServer(t)
	client := sdk.NewClient(base)
	ctx := context.Background()

	version, err := client.UploadSchema(ctx, "acme", []byte(testSchemaYAML))
	require.NoError(t, err)
	require.NoError(t, client.ActivateSchema(ctx, "acme", version))

	results, err := client.Bulk(ctx, "acme", []sdk.BulkOp{
		{Op: "grant", Request: map[string]any{
			"source": "user:alice", "target": "resource:doc1", "type": "has_permission",
			"properties": map[string]any{"capability": "read"},
		}},
		{Op: "revoke", Request: map[string]any{"edge_id": "nonexistent"}},
		{Op: "grant", Request: map[string]any{
			"source": "user:bob", "target": "resource:doc1", "type": "has_permission",
			"properties": map[string]any{"capability": "read"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "ok", results[0].Status)
	require.Equal(t, "error", results[1].Status)
	require.Equal(t, "skipped", results[2].Status)
}

func TestUnknownTenantSchemaGetReturnsError(t *testing.T) {
	base := newTestServer(t)
	client := sdk.NewClient(base)

	_, err := client.GetSchema(context.Background(), "ghost")
	require.Error(t, err)

	var apiErr *sdk.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestValidateRejectsUnknownEdge(t *testing.T) {
	base := newTestServer(t)
	client := sdk.NewClient(base)
	ctx := context.Background()

	version, err := client.UploadSchema(ctx, "acme", []byte(testSchemaYAML))
	require.NoError(t, err)
	require.NoError(t, client.ActivateSchema(ctx, "acme", version))

	result, err := client.Validate(ctx, "acme", validate.Proof{
		Subject: "user:alice", Object: "resource:doc1", Capability: "read",
		EdgeIDs: []string{"nonexistent"},
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

func TestSubscribeReceivesCatchUp(t *testing.T) {
	base := newTestServer(t)
	client := sdk.NewClient(base)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version, err := client.UploadSchema(ctx, "acme", []byte(testSchemaYAML))
	require.NoError(t, err)
	require.NoError(t, client.ActivateSchema(ctx, "acme", version))

	sub, err := client.Subscribe(ctx, "acme", 0)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case f := <-sub.Frames:
		require.Contains(t, []string{"catch_up", "full_sync_required"}, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial frame")
	}
}
