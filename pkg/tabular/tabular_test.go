package tabular

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetScanOrder(t *testing.T) {
	s := New()
	s.EnsureTable("user", nil)

	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@x.com"}))
	require.NoError(t, s.Insert("user", "u2", Row{"id": "u2", "email": "b@x.com"}))

	row, ok := s.Get("user", "u1")
	require.True(t, ok)
	require.Equal(t, "a@x.com", row["email"])

	scanned := s.Scan("user")
	require.Len(t, scanned, 2)
	require.Equal(t, "u1", scanned[0]["id"])
	require.Equal(t, "u2", scanned[1]["id"])
}

func TestInsertUndeclaredTable(t *testing.T) {
	s := New()
	err := s.Insert("ghost", "k", Row{})
	require.Error(t, err)
	require.IsType(t, &UndeclaredTable{}, err)
}

func TestUniqueConstraint(t *testing.T) {
	s := New()
	s.EnsureTable("user", []string{"email"})

	require.NoError(t, s.Insert("user", "u1", Row{"email": "dup@x.com"}))
	err := s.Insert("user", "u2", Row{"email": "dup@x.com"})
	require.Error(t, err)
	require.IsType(t, &ConstraintViolated{}, err)
}

func TestUpdatePreservesUnspecifiedFields(t *testing.T) {
	s := New()
	s.EnsureTable("user", nil)
	require.NoError(t, s.Insert("user", "u1", Row{"email": "a@x.com", "name": "Alice"}))

	require.NoError(t, s.Update("user", "u1", Row{"name": "Alicia"}))

	row, _ := s.Get("user", "u1")
	require.Equal(t, "a@x.com", row["email"])
	require.Equal(t, "Alicia", row["name"])
}

func TestDeleteRemovesFromOrderAndIndex(t *testing.T) {
	s := New()
	s.EnsureTable("user", []string{"email"})
	require.NoError(t, s.Insert("user", "u1", Row{"email": "a@x.com"}))
	require.NoError(t, s.Delete("user", "u1"))

	_, ok := s.Get("user", "u1")
	require.False(t, ok)
	require.Empty(t, s.Scan("user"))

	// Deleting frees the unique value for reuse.
	require.NoError(t, s.Insert("user", "u2", Row{"email": "a@x.com"}))
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	s := New()
	s.EnsureTable("user", nil)
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@x.com"}))
	require.NoError(t, s.Insert("user", "u2", Row{"id": "u2", "email": "b@x.com"}))

	csvOut, checksums := s.Snapshot(map[string][]string{"user": {"id", "email"}})
	require.Contains(t, csvOut, "user")
	require.Contains(t, checksums, "user")

	loaded := New()
	require.NoError(t, Load(loaded, "user", csvOut["user"], "id", nil))
	require.Equal(t, s.Scan("user"), loaded.Scan("user"))
}
