package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const indexFile = "blob_index.json"

// ErrBlobNotFound is returned by Get for keys that are not cached
var ErrBlobNotFound = errors.New("blob not found")

// BlobCache is a disk-backed key/blob namespace. Blob files are addressed by
// the sha256 of their key and described by a JSON index in the base dir.
// Safe for concurrent use.
type BlobCache struct {
	baseDir string
	mu      sync.RWMutex
	index   map[string]*BlobMeta
}

// BlobMeta describes one cached blob
type BlobMeta struct {
	Key         string    `json:"key"`
	File        string    `json:"file"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"storedAt"`
}

// Blob is a cached resource body
type Blob struct {
	BlobMeta
	Data []byte
}

// CacheStats summarizes the cache contents
type CacheStats struct {
	Entries int
	Bytes   int64
}

// NewBlobCache opens the cache rooted at baseDir. If the index cannot be
// read the cache starts empty and removes blob files nothing refers to.
func NewBlobCache(baseDir string) (*BlobCache, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "blobs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &BlobCache{
		baseDir: baseDir,
		index:   make(map[string]*BlobMeta),
	}

	if err := c.loadIndex(); err != nil {
		c.index = make(map[string]*BlobMeta)
		if err := c.removeOrphans(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}
	return c, nil
}

// Put stores data under key, replacing any previous entry
func (c *BlobCache) Put(key, contentType string, data []byte) error {
	meta := &BlobMeta{
		Key:         key,
		File:        fileName(key),
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredAt:    time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.blobPath(meta.File)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store blob: %w", err)
	}

	c.index[key] = meta
	return c.saveIndex()
}

// Get returns the blob stored under key or ErrBlobNotFound
func (c *BlobCache) Get(key string) (*Blob, error) {
	c.mu.RLock()
	meta, ok := c.index[key]
	if !ok {
		c.mu.RUnlock()
		return nil, ErrBlobNotFound
	}
	m := *meta
	data, err := os.ReadFile(c.blobPath(m.File))
	c.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			// File vanished underneath the index
			c.mu.Lock()
			delete(c.index, key)
			_ = c.saveIndex()
			c.mu.Unlock()
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return &Blob{BlobMeta: m, Data: data}, nil
}

// Has reports whether key is cached
func (c *BlobCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[key]
	return ok
}

// Delete removes key. Removing a missing key is not an error.
func (c *BlobCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.index[key]
	if !ok {
		return nil
	}
	if err := os.Remove(c.blobPath(meta.File)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	delete(c.index, key)
	return c.saveIndex()
}

// Keys lists cached keys starting with prefix, sorted
func (c *BlobCache) Keys(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats returns the number of entries and their total size
func (c *BlobCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := CacheStats{Entries: len(c.index)}
	for _, m := range c.index {
		s.Bytes += m.Size
	}
	return s
}

// Clear removes every cached blob
func (c *BlobCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, meta := range c.index {
		os.Remove(c.blobPath(meta.File))
	}
	c.index = make(map[string]*BlobMeta)
	return c.saveIndex()
}

// Dir returns the base directory of the cache
func (c *BlobCache) Dir() string {
	return c.baseDir
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *BlobCache) blobPath(file string) string {
	return filepath.Join(c.baseDir, "blobs", file[:2], file)
}

// loadIndex reads the index from disk
func (c *BlobCache) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var index map[string]*BlobMeta
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	for k, m := range index {
		if m == nil || len(m.File) < 2 {
			delete(index, k)
		}
	}
	c.index = index
	return nil
}

// saveIndex writes the index to a temp file and renames it into place.
// Callers hold the write lock.
func (c *BlobCache) saveIndex() error {
	data, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	indexPath := filepath.Join(c.baseDir, indexFile)
	tempPath := indexPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tempPath, indexPath); err != nil {
		return fmt.Errorf("failed to rename index file: %w", err)
	}
	return nil
}

// removeOrphans deletes blob files missing from the index, then persists
// the index
func (c *BlobCache) removeOrphans() error {
	known := make(map[string]bool, len(c.index))
	for _, m := range c.index {
		known[m.File] = true
	}

	err := filepath.Walk(filepath.Join(c.baseDir, "blobs"), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !known[info.Name()] {
			os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}
	return c.saveIndex()
}
