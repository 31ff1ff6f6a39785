package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNodeStore(t *testing.T) {
	store := NewMemoryStore()
	for _, path := range []string{"/c", "/a", "/b"} {
		r := NewNodeRecord(path)
		r.Value = path
		r.HasValue = true
		require.NoError(t, store.Save(r))
	}

	r, err := store.Get("/b")
	require.NoError(t, err)
	assert.Equal(t, "/b", r.Value)

	require.NoError(t, store.Delete("/a"))
	_, err = store.Get("/a")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/b", all[0].Path)
	assert.Equal(t, "/c", all[1].Path)
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	store := NewMemoryStore()
	r := NewNodeRecord("/a")
	r.Attributes["@unit"] = "C"
	require.NoError(t, store.Save(r))

	r.Attributes["@unit"] = "F"
	got, err := store.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "C", got.Attributes["@unit"])

	got.Attributes["@unit"] = "K"
	again, err := store.Get("/a")
	require.NoError(t, err)
	assert.Equal(t, "C", again.Attributes["@unit"])
}

func TestEmptyPath(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get("")
	assert.ErrorIs(t, err, ErrPathEmpty)
	assert.ErrorIs(t, store.Save(&NodeRecord{}), ErrPathEmpty)
	assert.ErrorIs(t, store.Delete(""), ErrPathEmpty)
}
