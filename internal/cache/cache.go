// Package cache is the shared download cache used by recreate runs.
//
// Entries are content addressed: the key is derived from the download URL
// and the expected digest, never from the target being built, so concurrent
// runs against different targets share entries safely.
//
// Structure:
//
//	{Root}/
//	  index.db               (entry index, see Index)
//	  downloads/
//	    {key[0:2]}/
//	      {key}/
//	        blob
//	  uv/                    (package tool cache)
//	  python/                (provisioned interpreters)
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const blobName = "blob"

// ErrDigestMismatch is returned when a download does not hash to the
// expected digest.
var ErrDigestMismatch = errors.New("download digest mismatch")

// Cache is an injected handle on one cache root. Blobs may also be read
// from other caches added with ReadThrough; those are never written.
type Cache struct {
	root   string
	shared []string
	http   *http.Client
	index  *Index
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the cache at root.
func Open(root string, client *http.Client, logger *zap.Logger) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "downloads"), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	idx, err := OpenIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{root: root, http: client, index: idx, logger: logger, now: time.Now}, nil
}

// ReadThrough adds cache roots consulted on a miss before downloading. A
// blob found there is copied into this cache.
func (c *Cache) ReadThrough(roots ...string) *Cache {
	for _, r := range roots {
		if r != "" && filepath.Clean(r) != filepath.Clean(c.root) {
			c.shared = append(c.shared, r)
		}
	}
	return c
}

// Close releases the index.
func (c *Cache) Close() error {
	return c.index.Close()
}

// Root returns the cache root.
func (c *Cache) Root() string { return c.root }

// UVCacheDir is handed to the package tool as its cache.
func (c *Cache) UVCacheDir() string { return filepath.Join(c.root, "uv") }

// PythonDir is where provisioned interpreters are kept.
func (c *Cache) PythonDir() string { return filepath.Join(c.root, "python") }

// Key derives the entry key for url and an expected SHA-256 (may be empty).
func Key(url, sha string) string {
	sum := sha256.Sum256([]byte(url + "\x00" + sha))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) entryDir(key string) string {
	return filepath.Join(c.root, "downloads", key[:2], key)
}

// Fetch returns a local path holding the content of url, downloading it on a
// miss. When sha is set the content must hash to it.
func (c *Cache) Fetch(ctx context.Context, url, sha string) (string, error) {
	key := Key(url, sha)
	blob := filepath.Join(c.entryDir(key), blobName)
	if _, err := os.Stat(blob); err == nil {
		c.logger.Debug("cache hit", zap.String("url", url), zap.String("key", key))
		if err := c.index.Touch(ctx, key, c.now()); err != nil {
			c.logger.Warn("cache index update failed", zap.Error(err))
		}
		return blob, nil
	}

	size, digest, found := c.copyShared(key, url, sha)
	if !found {
		var err error
		size, digest, err = c.download(ctx, key, url, sha)
		if err != nil {
			return "", err
		}
	}
	now := c.now()
	entry := Entry{Key: key, URL: url, Size: size, SHA256: digest, CreatedAt: now, LastUsed: now}
	if err := c.index.Put(ctx, entry); err != nil {
		c.logger.Warn("cache index update failed", zap.Error(err))
	}
	return blob, nil
}

// copyShared looks for key in the read-through caches and copies the first
// blob that verifies.
func (c *Cache) copyShared(key, url, sha string) (int64, string, bool) {
	for _, root := range c.shared {
		path := filepath.Join(root, "downloads", key[:2], key, blobName)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		size, digest, err := c.store(key, url, f, sha)
		f.Close()
		if err != nil {
			c.logger.Warn("shared cache entry unusable", zap.String("path", path), zap.Error(err))
			continue
		}
		c.logger.Debug("shared cache hit", zap.String("url", url), zap.String("root", root))
		return size, digest, true
	}
	return 0, "", false
}

func (c *Cache) download(ctx context.Context, key, url, sha string) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}
	size, digest, err := c.store(key, url, resp.Body, sha)
	if err != nil {
		return 0, "", err
	}
	c.logger.Debug("cached download", zap.String("url", url), zap.Int64("bytes", size))
	return size, digest, nil
}

// store writes r into a temp entry dir, then renames it into place so a
// crash never leaves a partial blob at the canonical path.
func (c *Cache) store(key, url string, r io.Reader, sha string) (int64, string, error) {
	entryDir := c.entryDir(key)
	parent := filepath.Dir(entryDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return 0, "", fmt.Errorf("creating cache directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(parent, "tmp-"+key+"-")
	if err != nil {
		return 0, "", fmt.Errorf("creating temp cache entry: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	f, err := os.Create(filepath.Join(tmpDir, blobName))
	if err != nil {
		return 0, "", fmt.Errorf("creating blob: %w", err)
	}
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, "", fmt.Errorf("downloading %s: %w", url, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if sha != "" && digest != sha {
		return 0, "", fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, url, sha, digest)
	}

	if err := os.Rename(tmpDir, entryDir); err != nil {
		// A concurrent run committed the same key first.
		if _, statErr := os.Stat(filepath.Join(entryDir, blobName)); statErr == nil {
			return size, digest, nil
		}
		return 0, "", fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return size, digest, nil
}

// List returns the indexed entries, most recently used first.
func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	return c.index.List(ctx)
}

// Prune removes entries unused since before cutoff and returns them.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	stale, err := c.index.UnusedSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var removed []Entry
	for _, e := range stale {
		if err := os.RemoveAll(c.entryDir(e.Key)); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Key, err)
		}
		if err := c.index.Delete(ctx, e.Key); err != nil {
			return removed, err
		}
		removed = append(removed, e)
	}
	return removed, nil
}
