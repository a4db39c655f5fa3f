package multimcp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var proxyTestConfig = []byte(`
proxy:
  name: multi-mcp
  transport: stdio
backends:
  - name: github
    command: fake
  - name: weather
    command: fake
`)

// proxyFixture builds a full proxy wired to fake backends instead of real
// subprocess connections.
func proxyFixture(t *testing.T) (*Proxy, map[string]*fakeBackend) {
	t.Helper()

	fakes := make(map[string]*fakeBackend)
	factory := func(spec *BackendSpec, clientInfo mcp.Implementation, logger *slog.Logger) Backend {
		f := readyFake(spec.Name, "ping")
		fakes[spec.Name] = f
		return f
	}

	cfg, err := ParseConfigFromBytes(proxyTestConfig)
	require.NoError(t, err)

	p, err := NewServerFromConfig(cfg,
		WithLogger(testLogger()),
		WithBackendFactory(factory),
		WithCallTimeout(time.Second),
	)
	require.NoError(t, err)
	require.Len(t, fakes, 2)
	return p, fakes
}

func TestProxyAggregatesReadyBackends(t *testing.T) {
	p, fakes := proxyFixture(t)

	for _, f := range fakes {
		p.onBackendReady(context.Background(), f)
	}

	_, ok := p.Aggregator().Lookup(TOOL, "mcp__multi-mcp__github_ping")
	assert.True(t, ok)
	_, ok = p.Aggregator().Lookup(TOOL, "mcp__multi-mcp__weather_ping")
	assert.True(t, ok)
}

func TestProxyToolHandlerPassthrough(t *testing.T) {
	p, fakes := proxyFixture(t)
	fakes["github"].callResult = mcp.NewToolResultText("ok")
	p.onBackendReady(context.Background(), fakes["github"])

	handler := p.toolHandler("mcp__multi-mcp__github_ping")

	var req mcp.CallToolRequest
	req.Params.Name = "mcp__multi-mcp__github_ping"
	req.Params.Arguments = map[string]any{"q": "x"}

	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, fakes["github"].callResult, res)
}

func TestProxyToolHandlerReportsRoutingFailure(t *testing.T) {
	p, fakes := proxyFixture(t)
	p.onBackendReady(context.Background(), fakes["github"])
	fakes["github"].setState(StateDegraded)

	handler := p.toolHandler("mcp__multi-mcp__github_ping")

	res, err := handler(context.Background(), mcp.CallToolRequest{})
	// Routing failures surface as tool errors, not protocol errors.
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
}

func TestProxyBackendDownWithdrawsCatalog(t *testing.T) {
	p, fakes := proxyFixture(t)
	p.onBackendReady(context.Background(), fakes["github"])

	_, ok := p.Aggregator().Lookup(TOOL, "mcp__multi-mcp__github_ping")
	require.True(t, ok)

	p.onBackendDown(context.Background(), fakes["github"])

	_, ok = p.Aggregator().Lookup(TOOL, "mcp__multi-mcp__github_ping")
	assert.False(t, ok)
}
