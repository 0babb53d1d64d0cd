// Package pathcache remembers the directory layout of /sys and the control
// files located in it, so repeated scans can be served from disk.
package pathcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileName is the name of the cache file inside the cache directory
const FileName = "directory_cache.json"

// Entry lists the immediate children of one directory
type Entry struct {
	Subdirs []string `json:"subdirs"`
	Files   []string `json:"files"`
}

// Dir is one directory yielded by Walk
type Dir struct {
	Path string
	Entry
}

// Snapshot is the on-disk form of the cache
type Snapshot struct {
	Directories map[string]Entry `json:"directories"`
	Located     json.RawMessage  `json:"located,omitempty"`
}

// Cache holds directory listings in memory and persists them as JSON
type Cache struct {
	path   string
	logger logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]Entry
}

// New creates a cache backed by dir/directory_cache.json
func New(dir string, logger logrus.FieldLogger) *Cache {
	return &Cache{
		path:    filepath.Join(dir, FileName),
		logger:  logger,
		entries: make(map[string]Entry),
	}
}

// DefaultDir returns ~/.cache/<app>
func DefaultDir(app string) string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, app)
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".cache", app)
}

// Path returns the location of the cache file
func (c *Cache) Path() string {
	return c.path
}

// Load reads the cache file. It returns nil when the file is missing or
// unreadable; the directory listings it holds are merged into memory.
func (c *Cache) Load() *Snapshot {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warnf("failed to read path cache %s: %v", c.path, err)
		}
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warnf("discarding corrupt path cache %s: %v", c.path, err)
		return nil
	}
	if snap.Directories == nil {
		snap.Directories = make(map[string]Entry)
	}

	c.mu.Lock()
	for path, entry := range snap.Directories {
		c.entries[path] = entry
	}
	c.mu.Unlock()

	return &snap
}

// Save writes snap to the cache file, creating the directory if needed
func (c *Cache) Save(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal path cache: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write path cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace path cache: %w", err)
	}
	return nil
}

// Invalidate removes the cache file and forgets every listing
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove path cache: %w", err)
	}
	return nil
}

// Entries returns a copy of the in-memory listings
func (c *Cache) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry, len(c.entries))
	for path, entry := range c.entries {
		out[path] = entry
	}
	return out
}

// Walk yields base and every directory below it, depth first. Listings come
// from memory when present, otherwise the directory is read and remembered.
// Each directory is yielded at most once per walk, keyed by its resolved path,
// so symlink loops terminate. Symlinked directories are reported as files and
// never descended into.
func (c *Cache) Walk(base string) iter.Seq[Dir] {
	return func(yield func(Dir) bool) {
		seen := make(map[string]struct{})
		stack := []string{base}

		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			key := resolve(current)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			entry, ok := c.lookup(current)
			if !ok {
				entry, ok = c.scan(current)
				if !ok {
					continue
				}
			}

			if !yield(Dir{Path: current, Entry: entry}) {
				return
			}

			for i := len(entry.Subdirs) - 1; i >= 0; i-- {
				sub := filepath.Join(current, entry.Subdirs[i])
				if _, ok := seen[resolve(sub)]; ok {
					continue
				}
				stack = append(stack, sub)
			}
		}
	}
}

func (c *Cache) lookup(path string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	return entry, ok
}

func (c *Cache) scan(path string) (Entry, bool) {
	items, err := os.ReadDir(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
		case errors.Is(err, fs.ErrNotExist):
			c.logger.Debugf("directory vanished during scan: %s", path)
		default:
			c.logger.Errorf("error scanning %s: %v", path, err)
		}
		return Entry{}, false
	}

	entry := Entry{Subdirs: []string{}, Files: []string{}}
	for _, item := range items {
		// DirEntry.IsDir reports the link itself, not its target
		if item.IsDir() {
			entry.Subdirs = append(entry.Subdirs, item.Name())
		} else {
			entry.Files = append(entry.Files, item.Name())
		}
	}

	c.mu.Lock()
	c.entries[path] = entry
	c.mu.Unlock()
	return entry, true
}

func resolve(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
