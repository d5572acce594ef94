package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobCache_PutGetOverwrite(t *testing.T) {
	c, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put("/crags/1", "text/html", []byte("<html>v1</html>")))
	require.NoError(t, c.Put("/crags/1", "text/html", []byte("<html>v2</html>")))

	b, err := c.Get("/crags/1")
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(b.Data))
	assert.Equal(t, "text/html", b.ContentType)
	assert.Equal(t, int64(len("<html>v2</html>")), b.Size)
	assert.Equal(t, CacheStats{Entries: 1, Bytes: b.Size}, c.Stats())
}

func TestBlobCache_GetMissing(t *testing.T) {
	c, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, ErrBlobNotFound)
	assert.False(t, c.Has("nope"))
}

func TestBlobCache_DeleteIsIdempotent(t *testing.T) {
	c, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put("https://img.example/a.jpg", "image/jpeg", []byte{1, 2, 3}))
	require.NoError(t, c.Delete("https://img.example/a.jpg"))
	require.NoError(t, c.Delete("https://img.example/a.jpg"))
	assert.False(t, c.Has("https://img.example/a.jpg"))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestBlobCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBlobCache(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("offline://crag-map/7.png", "image/png", []byte("png")))

	reopened, err := NewBlobCache(dir)
	require.NoError(t, err)
	b, err := reopened.Get("offline://crag-map/7.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(b.Data))
}

func TestBlobCache_CorruptIndexRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBlobCache(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("k", "", []byte("data")))
	orphan := c.blobPath(fileName("k"))
	require.FileExists(t, orphan)

	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFile), []byte("{broken"), 0644))

	reopened, err := NewBlobCache(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.Stats().Entries)
	assert.NoFileExists(t, orphan)
}

func TestBlobCache_KeysByPrefix(t *testing.T) {
	c, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	for _, k := range []string{"/image/2", "/crags/1", "/image/1", "offline://crag-map/1.png"} {
		require.NoError(t, c.Put(k, "", []byte(k)))
	}

	assert.Equal(t, []string{"/image/1", "/image/2"}, c.Keys("/image/"))
	assert.Len(t, c.Keys(""), 4)
}

func TestBlobCache_Clear(t *testing.T) {
	c, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Put("a", "", []byte("1")))
	require.NoError(t, c.Put("b", "", []byte("2")))

	require.NoError(t, c.Clear())
	assert.Equal(t, CacheStats{}, c.Stats())
}

func TestBlobCache_ConcurrentPuts(t *testing.T) {
	c, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			assert.NoError(t, c.Put(key, "", []byte(key)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, c.Stats().Entries)
}
