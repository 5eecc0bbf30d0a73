package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adfharrison1/go-docstore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_SaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot"+FileExtension)

	src := NewEngine()
	oid := domain.NewObjectId()
	require.NoError(t, src.Insert("test.users", domain.Doc("_id", oid, "name", "Alice", "age", int32(30))))
	require.NoError(t, src.Insert("test.users", domain.Doc("name", "Bob", "score", 7.5)))
	require.NoError(t, src.Insert("test.orders", domain.Doc("_id", int64(1), "total", 99.95)))

	require.NoError(t, src.SaveToFile(path))

	dst := NewEngine()
	require.NoError(t, dst.LoadFromFile(path))

	assert.ElementsMatch(t, []string{"test.users", "test.orders"}, dst.Collections())
	assert.Equal(t, 2, dst.DocumentCount("test.users"))

	docs, err := dst.Find("test.users", domain.Doc("_id", oid), nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	want, err := src.Find("test.users", domain.Doc("_id", oid), nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, want[0].Keys(), docs[0].Keys(), "field order survives the snapshot")
	assert.True(t, want[0].Equal(docs[0]))

	// value types survive too
	var orders []*domain.Document
	orders, err = dst.Find("test.orders", domain.NewDocument(), nil, 0, 0)
	require.NoError(t, err)
	id, _ := orders[0].Get("_id")
	assert.Equal(t, int64(1), id)
	total, _ := orders[0].Get("total")
	assert.Equal(t, 99.95, total)
}

func TestEngine_LoadMissingFileIsClean(t *testing.T) {
	engine := NewEngine()
	err := engine.LoadFromFile(filepath.Join(t.TempDir(), "nothing"+FileExtension))
	assert.NoError(t, err)
	assert.Empty(t, engine.Collections())
}

func TestEngine_LoadRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage"+FileExtension)
	require.NoError(t, os.WriteFile(path, []byte("this is not a snapshot"), 0o644))

	engine := NewEngine()
	assert.Error(t, engine.LoadFromFile(path))
}

func TestEngine_DataFileOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auto"+FileExtension)

	src := NewEngine(WithDataFile(path))
	require.NoError(t, src.Insert("test.c", domain.Doc("_id", "x", "n", int32(1))))
	require.NoError(t, src.SaveData())

	dst := NewEngine(WithDataFile(path))
	require.NoError(t, dst.LoadData())
	assert.Equal(t, 1, dst.DocumentCount("test.c"))
}
