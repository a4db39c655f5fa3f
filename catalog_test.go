package multimcp

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolEntry(backend, name string) Entry {
	return Entry{
		Capability: TOOL,
		Backend:    backend,
		Name:       name,
		Exposed:    ExposedName(backend, name),
		Tool:       mcp.NewTool(name, mcp.WithDescription("desc for "+name)),
	}
}

func TestCatalogReplaceAndLookup(t *testing.T) {
	c := NewCatalog()

	added, removed, rejected := c.ReplaceBackend("github", []Entry{
		toolEntry("github", "toolX"),
		toolEntry("github", "toolY"),
	})
	assert.Len(t, added, 2)
	assert.Empty(t, removed)
	assert.Empty(t, rejected)

	e, ok := c.Lookup(TOOL, "mcp__multi-mcp__github_toolX")
	require.True(t, ok)
	assert.Equal(t, "github", e.Backend)
	assert.Equal(t, "toolX", e.Name)
	// Payload is the backend's advertisement, verbatim.
	assert.Equal(t, "desc for toolX", e.Tool.Description)

	_, ok = c.Lookup(TOOL, "mcp__multi-mcp__github_missing")
	assert.False(t, ok)
	_, ok = c.Lookup(PROMPT, "mcp__multi-mcp__github_toolX")
	assert.False(t, ok)
}

func TestCatalogReplaceIsAtomicSwap(t *testing.T) {
	c := NewCatalog()

	c.ReplaceBackend("a", []Entry{toolEntry("a", "old1"), toolEntry("a", "old2")})
	c.ReplaceBackend("b", []Entry{toolEntry("b", "keep")})

	added, removed, _ := c.ReplaceBackend("a", []Entry{toolEntry("a", "new1")})
	assert.Len(t, added, 1)
	assert.Len(t, removed, 2)

	// Only a's slice was swapped; b is untouched.
	_, ok := c.Lookup(TOOL, ExposedName("a", "old1"))
	assert.False(t, ok)
	_, ok = c.Lookup(TOOL, ExposedName("a", "new1"))
	assert.True(t, ok)
	_, ok = c.Lookup(TOOL, ExposedName("b", "keep"))
	assert.True(t, ok)
}

func TestCatalogReplaceIdempotent(t *testing.T) {
	c := NewCatalog()
	entries := []Entry{toolEntry("a", "ping"), toolEntry("a", "pong")}

	c.ReplaceBackend("a", entries)
	first := c.List(TOOL)

	c.ReplaceBackend("a", entries)
	second := c.List(TOOL)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, c.Len(TOOL))
}

func TestCatalogCollisionRejected(t *testing.T) {
	c := NewCatalog()

	// Backends "a" and "a_b" can produce the same exposed name; the
	// later entry must be rejected, not silently overwrite.
	c.ReplaceBackend("a", []Entry{toolEntry("a", "b_ping")})
	added, _, rejected := c.ReplaceBackend("a_b", []Entry{toolEntry("a_b", "ping")})

	assert.Empty(t, added)
	require.Len(t, rejected, 1)
	assert.Equal(t, "a_b", rejected[0].Backend)

	e, ok := c.Lookup(TOOL, "mcp__multi-mcp__a_b_ping")
	require.True(t, ok)
	assert.Equal(t, "a", e.Backend)
}

func TestCatalogRemoveBackend(t *testing.T) {
	c := NewCatalog()
	c.ReplaceBackend("a", []Entry{toolEntry("a", "ping")})
	c.ReplaceBackend("b", []Entry{toolEntry("b", "ping")})

	removed := c.RemoveBackend("a")
	assert.Len(t, removed, 1)
	assert.Equal(t, 1, c.Len(TOOL))

	assert.Empty(t, c.RemoveBackend("a"))
}

func TestCatalogListIsSnapshot(t *testing.T) {
	c := NewCatalog()
	c.ReplaceBackend("a", []Entry{toolEntry("a", "ping")})

	snapshot := c.List(TOOL)
	c.RemoveBackend("a")

	// The earlier snapshot is unaffected by later updates.
	require.Len(t, snapshot, 1)
	assert.Equal(t, ExposedName("a", "ping"), snapshot[0].Exposed)
}
