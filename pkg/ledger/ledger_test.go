package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rebac-core/pkg/kvlog"
	"github.com/cuemby/rebac-core/pkg/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()

	kv, err := kvlog.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	l, err := Open("acme", dir, kv)
	require.NoError(t, err)
	t.Cleanup(func() { l.Shutdown() })

	waitForLeader(t, l)
	return l
}

func waitForLeader(t *testing.T, l *Ledger) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.raft.State() == raft.Leader {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("ledger never became leader of its single-node raft group")
}

func testSchema() types.Schema {
	return types.Schema{
		Version: 1,
		Entities: []types.EntityDef{
			{Name: "user", Fields: []types.FieldDef{{Name: "email", Type: types.FieldString}}},
			{Name: "resource", Fields: []types.FieldDef{{Name: "name", Type: types.FieldString}}},
			{Name: "group", Fields: []types.FieldDef{{Name: "name", Type: types.FieldString}}},
		},
		Relationships: []types.RelationshipDef{
			{Name: "member_of", Source: "user", Target: "group", Kind: types.RelationMemberOf, Traversable: true},
			{Name: "has_permission", Source: "group", Target: "resource", Kind: types.RelationPermission, Traversable: true},
		},
	}
}

func TestApplySchemaThenGrantAndCan(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.ApplySchema(ctx, testSchema()))
	require.NoError(t, l.UpsertEntity(ctx, "user", "user:alice", map[string]any{"email": "alice@acme.test"}))
	require.NoError(t, l.UpsertEntity(ctx, "group", "group:eng", map[string]any{"name": "eng"}))
	require.NoError(t, l.UpsertEntity(ctx, "resource", "resource:doc1", map[string]any{"name": "doc1"}))

	_, err := l.Grant(ctx, "member_of", "user:alice", "group:eng", "", nil)
	require.NoError(t, err)
	_, err = l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)

	ok, err := l.Index.Can(ctx, "user:alice", "read", "resource:doc1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGrantIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplySchema(ctx, testSchema()))

	id1, err := l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)
	id2, err := l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestRevokeRemovesLiveAccess(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplySchema(ctx, testSchema()))

	edgeID, err := l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)

	ok, err := l.Index.Can(ctx, "group:eng", "read", "resource:doc1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Revoke(ctx, edgeID))

	ok, err = l.Index.Can(ctx, "group:eng", "read", "resource:doc1")
	require.NoError(t, err)
	require.False(t, ok)

	edge, found := l.LookupEdge(edgeID)
	require.True(t, found)
	require.NotZero(t, edge.RevokedVersion)
}

func TestDeleteEntityRefusesWithoutCascade(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplySchema(ctx, testSchema()))
	require.NoError(t, l.UpsertEntity(ctx, "resource", "resource:doc1", map[string]any{"name": "doc1"}))

	_, err := l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)

	err = l.DeleteEntity(ctx, "resource", "resource:doc1", false)
	require.Error(t, err)

	err = l.DeleteEntity(ctx, "resource", "resource:doc1", true)
	require.NoError(t, err)

	_, ok := l.Tables.Get("resource", "resource:doc1")
	require.False(t, ok)
}

func TestVersionsAreDenseAndStartAtOne(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.ApplySchema(ctx, testSchema()))
	require.EqualValues(t, 1, l.CurrentVersion())

	require.NoError(t, l.UpsertEntity(ctx, "group", "group:eng", map[string]any{"name": "eng"}))
	require.EqualValues(t, 2, l.CurrentVersion())

	edgeID, err := l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, l.CurrentVersion())

	// A Grant that resolves to a pre-existing live edge mints no new
	// version: repeating it must leave CurrentVersion unchanged.
	again, err := l.Grant(ctx, "has_permission", "group:eng", "resource:doc1", "read", nil)
	require.NoError(t, err)
	require.Equal(t, edgeID, again)
	require.EqualValues(t, 3, l.CurrentVersion())

	require.NoError(t, l.Revoke(ctx, edgeID))
	require.EqualValues(t, 4, l.CurrentVersion())
}

func TestRelationKindReflectsActiveSchema(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplySchema(ctx, testSchema()))

	kind, ok := l.RelationKind("has_permission")
	require.True(t, ok)
	require.Equal(t, types.RelationPermission, kind)

	_, ok = l.RelationKind("no_such_relation")
	require.False(t, ok)
}
