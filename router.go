package multimcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// PendingCall is one in-flight client request. Entries exist from namespace
// resolution until a response, error, or deadline reaches the client.
type PendingCall struct {
	ID       string
	Exposed  string
	Backend  string
	Deadline time.Time
}

// Router resolves namespaced names against the catalog and forwards calls
// to the owning backend, enforcing a per-call deadline. Results pass
// through unmodified: the router only translates names, never payloads.
type Router struct {
	catalog  *Catalog
	backends map[string]Backend
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingCall
}

func NewRouter(catalog *Catalog, backends map[string]Backend, timeout time.Duration, logger *slog.Logger) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		catalog:  catalog,
		backends: backends,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*PendingCall),
	}
}

// CallTool routes a namespaced tools/call to its backend.
func (r *Router) CallTool(ctx context.Context, exposed string, args map[string]any) (*mcp.CallToolResult, error) {
	entry, backend, err := r.resolve(TOOL, exposed)
	if err != nil {
		return nil, err
	}

	return route(r, ctx, entry, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return backend.CallTool(ctx, entry.Name, args)
	})
}

// ReadResource routes a namespaced resources/read to its backend, passing
// the backend's original URI upstream.
func (r *Router) ReadResource(ctx context.Context, exposed string) (*mcp.ReadResourceResult, error) {
	entry, backend, err := r.resolve(RESOURCE, exposed)
	if err != nil {
		return nil, err
	}

	return route(r, ctx, entry, func(ctx context.Context) (*mcp.ReadResourceResult, error) {
		return backend.ReadResource(ctx, entry.Name)
	})
}

// GetPrompt routes a namespaced prompts/get to its backend.
func (r *Router) GetPrompt(ctx context.Context, exposed string, args map[string]string) (*mcp.GetPromptResult, error) {
	entry, backend, err := r.resolve(PROMPT, exposed)
	if err != nil {
		return nil, err
	}

	return route(r, ctx, entry, func(ctx context.Context) (*mcp.GetPromptResult, error) {
		return backend.GetPrompt(ctx, entry.Name, args)
	})
}

// resolve maps an exposed name to its catalog entry and owning backend,
// and confirms the backend is Ready. A backend mid-restart fails fast with
// ErrBackendUnavailable instead of blocking the client.
func (r *Router) resolve(kind Capability, exposed string) (Entry, Backend, error) {
	entry, ok := r.catalog.Lookup(kind, exposed)
	if !ok {
		return Entry{}, nil, fmt.Errorf("%s %q: %w", kind, exposed, ErrUnknownCapability)
	}

	backend, ok := r.backends[entry.Backend]
	if !ok {
		return Entry{}, nil, fmt.Errorf("backend %q: %w", entry.Backend, ErrBackendUnavailable)
	}
	if backend.State() != StateReady {
		return Entry{}, nil, fmt.Errorf("backend %q is %s: %w",
			entry.Backend, backend.State(), ErrBackendUnavailable)
	}

	return entry, backend, nil
}

// route forwards one call under the router's deadline. The forward runs in
// its own goroutine with a buffered result channel: when the deadline or
// the client's context fires first, the router returns immediately and the
// eventual late response is discarded, never delivered to a later call.
func route[T any](r *Router, ctx context.Context, entry Entry, forward func(context.Context) (*T, error)) (*T, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pc := &PendingCall{
		ID:       uuid.NewString(),
		Exposed:  entry.Exposed,
		Backend:  entry.Backend,
		Deadline: time.Now().Add(r.timeout),
	}
	r.track(pc)
	defer r.untrack(pc)

	type outcome struct {
		res *T
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := forward(callCtx)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The backend honored the router deadline itself; report it
			// the same way as an ignored one.
			return nil, r.timeoutErr(pc, entry)
		}
		return out.res, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Client went away or its own deadline fired; only this
			// call is abandoned, the backend connection is untouched.
			return nil, ctx.Err()
		}
		return nil, r.timeoutErr(pc, entry)
	}
}

func (r *Router) timeoutErr(pc *PendingCall, entry Entry) error {
	r.logger.Warn("call deadline exceeded",
		"call", pc.ID, "backend", pc.Backend, "exposed", pc.Exposed)
	return fmt.Errorf("%s after %s: %w", entry.Exposed, r.timeout, ErrCallTimeout)
}

func (r *Router) track(pc *PendingCall) {
	r.mu.Lock()
	r.pending[pc.ID] = pc
	r.mu.Unlock()
}

func (r *Router) untrack(pc *PendingCall) {
	r.mu.Lock()
	delete(r.pending, pc.ID)
	r.mu.Unlock()
}

// Pending returns a snapshot of in-flight calls, for the status API.
func (r *Router) Pending() []PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingCall, 0, len(r.pending))
	for _, pc := range r.pending {
		out = append(out, *pc)
	}
	return out
}
