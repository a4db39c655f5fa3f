package multimcp

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// fakeBackend substitutes a Backend without touching OS processes or
// sockets, so supervisor, aggregator and router behavior can be tested in
// isolation.
type fakeBackend struct {
	name string

	mu      sync.Mutex
	state   ConnState
	lastErr error

	startFn    func() error
	startCount int
	stopCount  int

	caps      *Capabilities
	listErr   error
	listDelay time.Duration

	pingErr error

	callResult *mcp.CallToolResult
	callErr    error
	callDelay  time.Duration
	callCount  int

	promptResult   *mcp.GetPromptResult
	resourceResult *mcp.ReadResourceResult
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{
		name:  name,
		state: StateUninitialized,
		caps:  &Capabilities{},
	}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Spec() *BackendSpec {
	return &BackendSpec{Name: f.name, Command: "fake"}
}

func (f *fakeBackend) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBackend) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeBackend) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeBackend) Start(ctx context.Context) error {
	f.mu.Lock()
	f.startCount++
	fn := f.startFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	f.setState(StateReady)
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopCount++
	f.state = StateStopped
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	err := f.pingErr
	if err == nil && f.state == StateDegraded {
		f.state = StateReady
		f.lastErr = nil
	}
	f.mu.Unlock()
	return err
}

func (f *fakeBackend) MarkDegraded(err error) {
	f.mu.Lock()
	if f.state == StateReady {
		f.state = StateDegraded
		f.lastErr = err
	}
	f.mu.Unlock()
}

func (f *fakeBackend) ListCapabilities(ctx context.Context) (*Capabilities, error) {
	if f.listDelay > 0 {
		select {
		case <-time.After(f.listDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.caps, nil
}

func (f *fakeBackend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.callCount++
	delay := f.callDelay
	res, err := f.callResult, f.callErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, err
}

func (f *fakeBackend) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resourceResult, f.callErr
}

func (f *fakeBackend) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promptResult, f.callErr
}
