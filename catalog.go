package multimcp

import (
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Entry is one namespaced capability in the unified catalog. The payload
// (Tool/Resource/Prompt) is the backend's advertisement, copied verbatim.
type Entry struct {
	Capability Capability

	// Backend is the owning backend's name; Name is the capability's
	// original name on that backend (the URI, for resources).
	Backend string
	Name    string

	// Exposed is the client-visible namespaced name.
	Exposed string

	Tool     mcp.Tool
	Resource mcp.Resource
	Prompt   mcp.Prompt
}

// Catalog is the unified capability map across all live backends, keyed by
// exposed name per kind. It is the only state shared across backend
// goroutines; updates replace one backend's slice atomically so readers
// never observe a half-updated backend.
type Catalog struct {
	mu      sync.RWMutex
	entries map[Capability]map[string]Entry
}

func NewCatalog() *Catalog {
	return &Catalog{
		entries: map[Capability]map[string]Entry{
			TOOL:     {},
			RESOURCE: {},
			PROMPT:   {},
		},
	}
}

// ReplaceBackend atomically swaps one backend's contribution: every prior
// entry owned by the backend is removed and the given entries inserted in
// a single critical section. An entry whose exposed name is already owned
// by a different backend is rejected rather than overwritten; unique
// backend names make that impossible by construction, so rejections are
// surfaced for the caller to warn about.
func (c *Catalog) ReplaceBackend(backend string, entries []Entry) (added, removed, rejected []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed = c.removeLocked(backend)

	for _, e := range entries {
		if existing, ok := c.entries[e.Capability][e.Exposed]; ok && existing.Backend != backend {
			rejected = append(rejected, e)
			continue
		}
		c.entries[e.Capability][e.Exposed] = e
		added = append(added, e)
	}

	return added, removed, rejected
}

// RemoveBackend withdraws every entry owned by the backend.
func (c *Catalog) RemoveBackend(backend string) (removed []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(backend)
}

func (c *Catalog) removeLocked(backend string) (removed []Entry) {
	for _, byName := range c.entries {
		for exposed, e := range byName {
			if e.Backend == backend {
				removed = append(removed, e)
				delete(byName, exposed)
			}
		}
	}
	return removed
}

// Lookup resolves an exposed name of the given kind.
func (c *Catalog) Lookup(kind Capability, exposed string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kind][exposed]
	return e, ok
}

// List returns a snapshot of all entries of one kind, sorted by exposed
// name. Mutating the result does not affect the catalog.
func (c *Catalog) List(kind Capability) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries[kind]))
	for _, e := range c.entries[kind] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exposed < out[j].Exposed })
	return out
}

// Len reports the number of entries of one kind.
func (c *Catalog) Len(kind Capability) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[kind])
}
