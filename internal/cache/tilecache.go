package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	tileExt = ".tile"

	// indexCapacity bounds the entry count; eviction is driven by byte size
	indexCapacity = 1 << 20
)

// TileCache provides LRU caching for panorama tiles with disk persistence
type TileCache struct {
	baseDir  string
	maxSize  int64 // Maximum cache size in bytes
	mu       sync.Mutex
	currSize int64
	index    *lru.Cache[string, *CacheEntry] // hash -> entry, oldest first
}

// CacheEntry represents a cached tile
type CacheEntry struct {
	Hash       string
	FilePath   string
	Size       int64
	CreateTime time.Time
}

// TileKey builds the cache key of one tile of one panorama
func TileKey(zoom, col, row int, panoID string) string {
	return fmt.Sprintf("streetview/%d/%d/%d/%s", zoom, col, row, panoID)
}

// NewTileCache creates a new tile cache with the specified directory and max size
func NewTileCache(baseDir string, maxSizeMB int) (*TileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &TileCache{
		baseDir: baseDir,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
	}
	index, err := lru.NewWithEvict[string, *CacheEntry](indexCapacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	c.index = index

	if err := c.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}
	c.mu.Lock()
	c.evictLocked()
	c.mu.Unlock()

	return c, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *TileCache) pathFor(hash string) string {
	return filepath.Join(c.baseDir, hash[:2], hash+tileExt)
}

// onEvict runs with c.mu held, from Remove and RemoveOldest
func (c *TileCache) onEvict(_ string, entry *CacheEntry) {
	os.Remove(entry.FilePath) // Best effort cleanup
	c.currSize -= entry.Size
}

// Get retrieves a tile from cache
func (c *TileCache) Get(key string) ([]byte, bool) {
	hash := hashKey(key)

	c.mu.Lock()
	entry, exists := c.index.Get(hash)
	c.mu.Unlock()
	if !exists {
		return nil, false
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		c.mu.Lock()
		c.index.Remove(hash)
		c.mu.Unlock()
		return nil, false
	}
	return data, true
}

// Set stores a tile in cache
func (c *TileCache) Set(key string, data []byte) error {
	hash := hashKey(key)
	filePath := c.pathFor(hash)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}

	tmp := filePath + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit cache file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, exists := c.index.Peek(hash); exists {
		// The file was overwritten in place; only the size changes
		c.currSize -= old.Size
	}
	c.index.Add(hash, &CacheEntry{
		Hash:       hash,
		FilePath:   filePath,
		Size:       int64(len(data)),
		CreateTime: time.Now(),
	})
	c.currSize += int64(len(data))
	c.evictLocked()
	return nil
}

// evictLocked drops least recently used tiles until the cache is within 90%
// of its maximum size
func (c *TileCache) evictLocked() {
	if c.maxSize <= 0 || c.currSize <= c.maxSize {
		return
	}
	target := c.maxSize * 9 / 10
	for c.currSize > target {
		if _, _, ok := c.index.RemoveOldest(); !ok {
			return
		}
	}
}

// loadIndex scans the cache directory, oldest file first, and rebuilds the
// in-memory index
func (c *TileCache) loadIndex() error {
	var entries []*CacheEntry
	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if info.IsDir() || filepath.Ext(path) != tileExt {
			return nil
		}
		entries = append(entries, &CacheEntry{
			Hash:       strings.TrimSuffix(filepath.Base(path), tileExt),
			FilePath:   path,
			Size:       info.Size(),
			CreateTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreateTime.Before(entries[j].CreateTime)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.index.Add(e.Hash, e)
		c.currSize += e.Size
	}
	return nil
}

// Stats returns cache statistics
func (c *TileCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len(), c.currSize, c.maxSize
}
