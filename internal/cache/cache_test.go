package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func serve(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func openCache(t *testing.T, root string) *Cache {
	t.Helper()
	c, err := Open(root, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFetchCachesByURLAndDigest(t *testing.T) {
	srv, hits := serve(t, "archive bytes")
	c := openCache(t, t.TempDir())
	ctx := context.Background()

	p1, err := c.Fetch(ctx, srv.URL+"/node.zip", "")
	require.NoError(t, err)
	data, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))

	p2, err := c.Fetch(ctx, srv.URL+"/node.zip", "")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), hits.Load())

	// The same URL with an expected digest is a different entry.
	p3, err := c.Fetch(ctx, srv.URL+"/node.zip", digest("archive bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
	assert.Equal(t, int32(2), hits.Load())

	entries, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, int64(len("archive bytes")), e.Size)
		assert.Equal(t, digest("archive bytes"), e.SHA256)
	}
}

func TestFetchRejectsDigestMismatch(t *testing.T) {
	srv, _ := serve(t, "tampered")
	root := t.TempDir()
	c := openCache(t, root)

	_, err := c.Fetch(context.Background(), srv.URL+"/node.zip", digest("original"))
	assert.ErrorIs(t, err, ErrDigestMismatch)

	// Nothing is left behind at the canonical path or as a temp dir.
	key := Key(srv.URL+"/node.zip", digest("original"))
	_, statErr := os.Stat(filepath.Join(root, "downloads", key[:2], key))
	assert.True(t, os.IsNotExist(statErr))
	leftovers, _ := filepath.Glob(filepath.Join(root, "downloads", key[:2], "tmp-*"))
	assert.Empty(t, leftovers)
}

func TestFetchHTTPError(t *testing.T) {
	srv, _ := serve(t, "")
	c := openCache(t, t.TempDir())
	_, err := c.Fetch(context.Background(), srv.URL+"/missing.zip", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestConcurrentRunsShareOneEntry(t *testing.T) {
	srv, _ := serve(t, "shared")
	root := t.TempDir()
	ctx := context.Background()

	// Two handles on one root, as two recreate processes would have.
	a := openCache(t, root)
	b := openCache(t, root)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := a
			if i%2 == 1 {
				c = b
			}
			paths[i], errs[i] = c.Fetch(ctx, srv.URL+"/shared.zip", "")
		}(i)
	}
	wg.Wait()

	for i := range paths {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
}

func TestPrune(t *testing.T) {
	srv, _ := serve(t, "x")
	c := openCache(t, t.TempDir())
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	oldPath, err := c.Fetch(ctx, srv.URL+"/old.zip", "")
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(48 * time.Hour) }
	newPath, err := c.Fetch(ctx, srv.URL+"/new.zip", "")
	require.NoError(t, err)

	removed, err := c.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, srv.URL+"/old.zip", removed[0].URL)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, srv.URL+"/new.zip", entries[0].URL)
}

func TestOpenRequiresRoot(t *testing.T) {
	_, err := Open("", nil, nil)
	assert.Error(t, err)
}

func TestIndexComparesFractionalSeconds(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	ctx := context.Background()

	second := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	used := second.Add(500 * time.Millisecond)
	require.NoError(t, idx.Put(ctx, Entry{Key: "k", URL: "https://example.com/a.zip", CreatedAt: used, LastUsed: used}))

	stale, err := idx.UnusedSince(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = idx.UnusedSince(ctx, second.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.True(t, used.Equal(stale[0].LastUsed), stale[0].LastUsed)
	assert.True(t, used.Equal(stale[0].CreatedAt), stale[0].CreatedAt)

	require.NoError(t, idx.Touch(ctx, "k", second.Add(2*time.Second)))
	stale, err = idx.UnusedSince(ctx, second.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestIndexRebuildsOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenIndex(path)
	require.NoError(t, err)
	_, err = idx.db.Exec(`PRAGMA user_version = 0`)
	require.NoError(t, err)
	require.NoError(t, idx.Put(context.Background(), Entry{Key: "old", URL: "u", CreatedAt: time.Now(), LastUsed: time.Now()}))
	require.NoError(t, idx.Close())

	idx, err = OpenIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	entries, err := idx.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchReadsThroughSharedCache(t *testing.T) {
	srv, hits := serve(t, "shared body")
	ctx := context.Background()
	url := srv.URL + "/node.zip"

	shared := openCache(t, t.TempDir())
	_, err := shared.Fetch(ctx, url, digest("shared body"))
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())

	local := openCache(t, t.TempDir()).ReadThrough(shared.Root(), "")
	path, err := local.Fetch(ctx, url, digest("shared body"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "served from the shared cache")
	assert.True(t, strings.HasPrefix(path, local.Root()), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "shared body", string(data))

	entries, err := local.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, digest("shared body"), entries[0].SHA256)
}

func TestFetchSkipsCorruptSharedEntry(t *testing.T) {
	srv, hits := serve(t, "good")
	ctx := context.Background()
	url := srv.URL + "/node.zip"

	sharedRoot := t.TempDir()
	key := Key(url, digest("good"))
	require.NoError(t, os.MkdirAll(filepath.Join(sharedRoot, "downloads", key[:2], key), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sharedRoot, "downloads", key[:2], key, blobName), []byte("tampered"), 0644))

	local := openCache(t, t.TempDir()).ReadThrough(sharedRoot)
	path, err := local.Fetch(ctx, url, digest("good"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
}
