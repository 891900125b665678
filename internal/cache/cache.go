package cache

import (
	"sort"
	"sync"
	"time"

	"pve-pulse/internal/model"
)

// Cache is the shared aggregate of node snapshots plus a version that advances
// only when content changes. Every access goes through one mutex; updates are
// whole-snapshot replacements.
type Cache struct {
	mu      sync.Mutex
	nodes   map[string]model.NodeSnapshot
	version uint64
}

func New() *Cache {
	return &Cache{nodes: make(map[string]model.NodeSnapshot)}
}

// Merge overlays fresh snapshots on the current contents. Entries not present
// in fresh are carried over. The version is incremented by one when at least
// one fresh entry is new or differs in content; freshness timestamps are
// refreshed either way.
func (c *Cache) Merge(fresh []model.NodeSnapshot) (version uint64, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make(map[string]model.NodeSnapshot, len(c.nodes)+len(fresh))
	for name, n := range c.nodes {
		merged[name] = n
	}
	for _, n := range fresh {
		prev, ok := merged[n.Name]
		if !ok || !prev.SameContent(n) {
			changed = true
		}
		merged[n.Name] = n
	}

	c.nodes = merged
	if changed {
		c.version++
	}
	return c.version, changed
}

// Prune removes entries last updated more than staleAfter before now and
// returns their names in order. The version advances when anything was removed.
func (c *Cache) Prune(now time.Time, staleAfter time.Duration) (removed []string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, n := range c.nodes {
		if now.Sub(n.LastUpdated) > staleAfter {
			delete(c.nodes, name)
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		c.version++
	}
	return removed, c.version
}

// Snapshot returns a copy of the contents sorted by node name.
func (c *Cache) Snapshot() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := make([]model.NodeSnapshot, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	model.SortNodes(nodes)
	return model.Snapshot{Version: c.version, Nodes: nodes}
}

func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Restore replaces the contents with a previously persisted snapshot. It is
// meant for startup, before any poll cycle has merged.
func (c *Cache) Restore(s model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[string]model.NodeSnapshot, len(s.Nodes))
	for _, n := range s.Nodes {
		c.nodes[n.Name] = n
	}
	if s.Version > c.version {
		c.version = s.Version
	}
}
