package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex() *Index {
	return New("acme", map[string]bool{"member_of": true}, map[string]bool{"has_permission": true})
}

func TestCanDirectPermission(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("has_permission", "user:alice", "resource:doc1", "e1", "read")

	ok, err := idx.Can(context.Background(), "user:alice", "read", "resource:doc1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = idx.Can(context.Background(), "user:bob", "read", "resource:doc1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanThroughGroupMembership(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("member_of", "user:alice", "group:eng", "e1", "")
	idx.AddEdge("has_permission", "group:eng", "resource:doc2", "e2", "write")

	ok, err := idx.Can(context.Background(), "user:alice", "write", "resource:doc2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCanHonoursRevocation(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("member_of", "user:alice", "group:eng", "e1", "")
	idx.AddEdge("has_permission", "group:eng", "resource:doc2", "e2", "write")

	require.True(t, mustCan(t, idx, "user:alice", "write", "resource:doc2"))

	idx.RemoveEdge("has_permission", "group:eng", "resource:doc2", "e2", "write")
	require.False(t, mustCan(t, idx, "user:alice", "write", "resource:doc2"))
}

func mustCan(t *testing.T, idx *Index, subject, capability, object string) bool {
	t.Helper()
	ok, err := idx.Can(context.Background(), subject, capability, object)
	require.NoError(t, err)
	return ok
}

func TestSelfLoopInGroupIsNoOp(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("member_of", "group:eng", "group:eng", "e1", "")
	idx.AddEdge("has_permission", "group:eng", "resource:doc1", "e2", "read")

	ok, err := idx.Can(context.Background(), "group:eng", "read", "resource:doc1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAccessibleObjectsUnionsDirectAndGroup(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("has_permission", "user:alice", "resource:doc1", "e1", "read")
	idx.AddEdge("member_of", "user:alice", "group:eng", "e2", "")
	idx.AddEdge("has_permission", "group:eng", "resource:doc2", "e3", "read")

	objs, err := idx.AccessibleObjects(context.Background(), "user:alice", "read")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"resource:doc1", "resource:doc2"}, objs)
}

func TestAccessorsDirectAndGroup(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("has_permission", "group:eng", "resource:doc1", "e1", "read")
	idx.AddEdge("member_of", "user:alice", "group:eng", "e2", "")

	accessors, err := idx.Accessors(context.Background(), "resource:doc1", "read")
	require.NoError(t, err)

	subjects := make(map[string]AccessSource)
	for _, a := range accessors {
		subjects[a.Subject] = a.Source
	}
	require.Equal(t, SourceDirect, subjects["group:eng"])
	require.Equal(t, SourceGroup, subjects["user:alice"])
}

func TestCacheInvalidatesOnMutation(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("has_permission", "user:alice", "resource:doc1", "e1", "read")
	require.True(t, mustCan(t, idx, "user:alice", "read", "resource:doc1"))

	idx.RemoveEdge("has_permission", "user:alice", "resource:doc1", "e1", "read")
	require.False(t, mustCan(t, idx, "user:alice", "read", "resource:doc1"))
}

func TestDisableCachePurges(t *testing.T) {
	idx := newTestIndex()
	idx.AddEdge("has_permission", "user:alice", "resource:doc1", "e1", "read")
	_, _ = idx.Can(context.Background(), "user:alice", "read", "resource:doc1")
	idx.DisableCache()
	require.Zero(t, idx.cache.Len())
}
