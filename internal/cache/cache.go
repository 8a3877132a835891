// Package cache is a byte-bounded local cache of write payloads. Entries live
// as files under a root directory and are tracked in an indexed min-heap
// ordered by last touch, so the least recently used entry is evicted first.
package cache

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"objcache/internal/storage"
	"objcache/internal/types"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrInvalidLimit = errors.New("cache limit must be positive")

// Result reports whether Write kept the payload.
type Result int

const (
	NotSaved Result = iota
	Saved
)

func (r Result) String() string {
	if r == Saved {
		return "saved"
	}
	return "not saved"
}

// Entry is a read-only view of a cached node.
type Entry struct {
	UID     string
	Size    int64
	Touched time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithEvictHook is called, with the cache locked, for every evicted entry.
func WithEvictHook(fn func(uid string, size int64)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

type Cache struct {
	root    string
	limit   int64
	now     func() time.Time
	onEvict func(uid string, size int64)

	mu    sync.Mutex
	used  int64
	seq   uint64
	heap  nodeHeap
	nodes map[string]*node
}

func New(root string, limit int64, opts ...Option) (*Cache, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	c := &Cache{
		root:  root,
		limit: limit,
		now:   time.Now,
		nodes: make(map[string]*node),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return c, nil
}

// path maps "{archive}#{start}-{end}" to {root}/{archive}/{start}-{end}.
func (c *Cache) path(uid string) (string, error) {
	archive, rng, err := types.ParseCacheUID(uid)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(archive, `/\`) || archive == "." || archive == ".." {
		return "", fmt.Errorf("%w: cache uid %q", types.ErrInvalidRange, uid)
	}
	return filepath.Join(c.root, archive, rng.String()), nil
}

func (c *Cache) touch(n *node) {
	c.seq++
	n.seq = c.seq
	n.touched = c.now()
}

// removeLocked drops n from the index and deletes its file.
func (c *Cache) removeLocked(n *node, path string) {
	heap.Remove(&c.heap, n.index)
	delete(c.nodes, n.uid)
	c.used -= n.size

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove cache file", "path", path, "err", err)
	}
}

func (c *Cache) evictLocked(need int64) {
	for c.used+need > c.limit && c.heap.Len() > 0 {
		oldest := c.heap[0]
		path, err := c.path(oldest.uid)
		if err != nil {
			// Only valid uids are ever inserted.
			panic(err)
		}
		c.removeLocked(oldest, path)
		slog.Debug("Evicted cache entry", "uid", oldest.uid, "size", oldest.size)
		if c.onEvict != nil {
			c.onEvict(oldest.uid, oldest.size)
		}
	}
}

// Write stores data under uid, evicting the least recently touched entries
// until it fits. Payloads larger than the limit are not saved and leave the
// cache untouched.
func (c *Cache) Write(uid string, data []byte) (Result, error) {
	path, err := c.path(uid)
	if err != nil {
		return NotSaved, err
	}

	size := int64(len(data))
	if size > c.limit {
		return NotSaved, nil
	}

	// Stage the payload outside the lock; only the rename is serialized.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NotSaved, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return NotSaved, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return NotSaved, err
	}
	if err := tmp.Close(); err != nil {
		return NotSaved, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A failed rename leaves the index as it was.
	if err := storage.MoveFile(tmpPath, path); err != nil {
		return NotSaved, err
	}

	// The rename already replaced the previous payload's file.
	if existing, ok := c.nodes[uid]; ok {
		heap.Remove(&c.heap, existing.index)
		delete(c.nodes, uid)
		c.used -= existing.size
	}

	c.evictLocked(size)

	n := &node{uid: uid, size: size}
	c.touch(n)
	heap.Push(&c.heap, n)
	c.nodes[uid] = n
	c.used += size

	return Saved, nil
}

// Read returns the payload for uid and marks it as recently used.
func (c *Cache) Read(uid string) ([]byte, bool) {
	path, err := c.path(uid)
	if err != nil {
		return nil, false
	}

	// The open descriptor is the read lease: once held, eviction may unlink
	// the file without disturbing this reader.
	c.mu.Lock()
	n, ok := c.nodes[uid]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("Dropping unreadable cache entry", "uid", uid, "err", err)
		c.removeLocked(n, path)
		c.mu.Unlock()
		return nil, false
	}
	c.touch(n)
	heap.Fix(&c.heap, n.index)
	c.mu.Unlock()

	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		slog.Warn("Failed to read cache entry", "uid", uid, "err", err)
		return nil, false
	}
	return data, true
}

// Remove drops uid from the cache if present.
func (c *Cache) Remove(uid string) {
	path, err := c.path(uid)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.nodes[uid]; ok {
		c.removeLocked(n, path)
	}
}

// Oldest is the next entry to be evicted.
func (c *Cache) Oldest() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heap.Len() == 0 {
		return Entry{}, false
	}
	return entryOf(c.heap[0]), true
}

// Newest is the most recently written or read entry.
func (c *Cache) Newest() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heap.Len() == 0 {
		return Entry{}, false
	}

	// The maximum of a min-heap is one of the leaves.
	newest := c.heap[len(c.heap)/2]
	for _, n := range c.heap[len(c.heap)/2:] {
		if c.heap.Less(newest.index, n.index) {
			newest = n
		}
	}
	return entryOf(newest), true
}

func entryOf(n *node) Entry {
	return Entry{UID: n.uid, Size: n.size, Touched: n.touched}
}

func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Cache) Limit() int64 {
	return c.limit
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Load indexes the files already under the root, using their modification
// time as the last touch, and evicts down to the limit. Leftover temporary
// files are removed, so Load runs before the cache takes writes.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found []*node
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if rmErr := os.Remove(path); rmErr != nil {
				slog.Warn("Failed to remove cache temp file", "path", path, "err", rmErr)
			}
			return nil
		}

		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		archive, name := filepath.Split(rel)
		archive = filepath.Clean(archive)
		if archive == "." || strings.ContainsRune(archive, filepath.Separator) {
			slog.Debug("Ignoring file outside cache layout", "path", path)
			return nil
		}

		uid := archive + "#" + name
		if _, _, err := types.ParseCacheUID(uid); err != nil {
			slog.Debug("Ignoring file outside cache layout", "path", path)
			return nil
		}
		if _, ok := c.nodes[uid]; ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		found = append(found, &node{uid: uid, size: info.Size(), touched: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}

	for _, n := range found {
		c.seq++
		n.seq = c.seq
		heap.Push(&c.heap, n)
		c.nodes[n.uid] = n
		c.used += n.size
	}
	c.evictLocked(0)

	slog.Info("Loaded cache index", "entries", len(c.nodes), "used", c.used, "limit", c.limit)
	return nil
}
