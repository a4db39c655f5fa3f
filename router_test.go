package multimcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerFixture(t *testing.T, timeout time.Duration, fakes ...*fakeBackend) (*Router, *Catalog) {
	t.Helper()

	catalog := NewCatalog()
	backends := make(map[string]Backend, len(fakes))
	for _, f := range fakes {
		backends[f.name] = f
		caps, err := f.ListCapabilities(context.Background())
		require.NoError(t, err)
		catalog.ReplaceBackend(f.name, buildEntries(f.name, caps))
	}

	return NewRouter(catalog, backends, timeout, testLogger()), catalog
}

func TestRouterCallToolPassthrough(t *testing.T) {
	weather := readyFake("weather", "get_forecast")
	weather.callResult = mcp.NewToolResultText("sunny")

	router, _ := routerFixture(t, time.Second, weather)

	res, err := router.CallTool(context.Background(),
		"mcp__multi-mcp__weather_get_forecast", map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	// The result passes through unmodified.
	assert.Equal(t, weather.callResult, res)
	assert.Equal(t, 1, weather.callCount)
}

func TestRouterUnknownCapability(t *testing.T) {
	router, _ := routerFixture(t, time.Second, readyFake("a", "ping"))

	_, err := router.CallTool(context.Background(), "mcp__multi-mcp__a_missing", nil)
	assert.ErrorIs(t, err, ErrUnknownCapability)

	_, err = router.GetPrompt(context.Background(), "mcp__multi-mcp__a_ping", nil)
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestRouterDegradedBackendFailsFast(t *testing.T) {
	weather := readyFake("weather", "get_forecast")
	router, _ := routerFixture(t, 5*time.Second, weather)

	weather.setState(StateDegraded)

	start := time.Now()
	_, err := router.CallTool(context.Background(),
		"mcp__multi-mcp__weather_get_forecast", nil)

	assert.ErrorIs(t, err, ErrBackendUnavailable)
	// Immediate failure, not a wait for the backend to come back.
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, weather.callCount)
}

func TestRouterStoppedBackendUnavailable(t *testing.T) {
	a := readyFake("a", "ping")
	router, _ := routerFixture(t, time.Second, a)

	a.setState(StateStopped)

	_, err := router.CallTool(context.Background(), "mcp__multi-mcp__a_ping", nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestRouterTimeout(t *testing.T) {
	hung := readyFake("hung", "slow_op")
	hung.callDelay = 10 * time.Second
	hung.callResult = mcp.NewToolResultText("too late")

	router, _ := routerFixture(t, 30*time.Millisecond, hung)

	start := time.Now()
	_, err := router.CallTool(context.Background(), "mcp__multi-mcp__hung_slow_op", nil)

	require.ErrorIs(t, err, ErrCallTimeout)
	// Surfaced no later than deadline plus bounded scheduling slack.
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, router.Pending())
}

func TestRouterLateResponseDiscarded(t *testing.T) {
	flaky := readyFake("flaky", "op")
	flaky.callDelay = 50 * time.Millisecond
	flaky.callResult = mcp.NewToolResultText("late")

	router, _ := routerFixture(t, 10*time.Millisecond, flaky)

	_, err := router.CallTool(context.Background(), "mcp__multi-mcp__flaky_op", nil)
	require.ErrorIs(t, err, ErrCallTimeout)

	// A later, unrelated call is unaffected by the discarded response.
	flaky.mu.Lock()
	flaky.callDelay = 0
	flaky.callResult = mcp.NewToolResultText("fresh")
	flaky.mu.Unlock()

	res, err := router.CallTool(context.Background(), "mcp__multi-mcp__flaky_op", nil)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "fresh", res.Content[0].(mcp.TextContent).Text)
}

func TestRouterClientCancellation(t *testing.T) {
	hung := readyFake("hung", "op")
	hung.callDelay = 10 * time.Second

	router, _ := routerFixture(t, time.Minute, hung)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := router.CallTool(ctx, "mcp__multi-mcp__hung_op", nil)
	assert.ErrorIs(t, err, context.Canceled)
	// The client going away abandons the call but not the backend.
	assert.NotEqual(t, StateStopped, hung.State())
}

func TestRouterPendingTracking(t *testing.T) {
	slow := readyFake("slow", "op")
	slow.callDelay = 100 * time.Millisecond
	slow.callResult = mcp.NewToolResultText("done")

	router, _ := routerFixture(t, time.Second, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := router.CallTool(context.Background(), "mcp__multi-mcp__slow_op", nil)
		assert.NoError(t, err)
	}()

	assert.Eventually(t, func() bool {
		pending := router.Pending()
		return len(pending) == 1 && pending[0].Backend == "slow"
	}, time.Second, 5*time.Millisecond)

	<-done
	assert.Empty(t, router.Pending())
}
