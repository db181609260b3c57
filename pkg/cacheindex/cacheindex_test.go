package cacheindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPutGetRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	info := types.CachedArtifactInfo{Kind: types.ArtifactFile, Size: 1024, ModTime: time.Now().Truncate(time.Second)}
	require.NoError(t, idx.Put("fp1", info, "/cache/fp1"))

	got, path, ok := idx.Get("fp1")
	assert.True(t, ok)
	assert.Equal(t, "/cache/fp1", path)
	assert.Equal(t, info.Size, got.Size)
}

func TestGetMissing(t *testing.T) {
	idx := openTestIndex(t)
	_, _, ok := idx.Get("nope")
	assert.False(t, ok)
}

func TestDeleteReturnsPath(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Put("fp1", types.CachedArtifactInfo{Size: 10}, "/cache/fp1"))

	path, err := idx.Delete("fp1")
	require.NoError(t, err)
	assert.Equal(t, "/cache/fp1", path)

	_, _, ok := idx.Get("fp1")
	assert.False(t, ok)
}

func TestTotalSize(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Put("a", types.CachedArtifactInfo{Size: 100}, "/a"))
	require.NoError(t, idx.Put("b", types.CachedArtifactInfo{Size: 200}, "/b"))

	total, err := idx.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)
}

func TestEvictOldestFreesEnough(t *testing.T) {
	idx := openTestIndex(t)
	now := time.Now()
	require.NoError(t, idx.Put("old", types.CachedArtifactInfo{Size: 100, ModTime: now.Add(-time.Hour)}, "/old"))
	require.NoError(t, idx.Put("mid", types.CachedArtifactInfo{Size: 100, ModTime: now.Add(-time.Minute)}, "/mid"))
	require.NoError(t, idx.Put("new", types.CachedArtifactInfo{Size: 100, ModTime: now}, "/new"))

	paths, err := idx.EvictOldest(150)
	require.NoError(t, err)
	assert.Equal(t, []string{"/old", "/mid"}, paths)

	_, _, ok := idx.Get("new")
	assert.True(t, ok)
}

func TestAllReturnsEverything(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Put("a", types.CachedArtifactInfo{Size: 1}, "/a"))
	require.NoError(t, idx.Put("b", types.CachedArtifactInfo{Size: 2}, "/b"))

	all, err := idx.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
