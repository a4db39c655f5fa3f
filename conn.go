package multimcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Conn is the concrete Backend over an mcp-go client. The transport
// variant (spawned stdio process or remote SSE session) is selected from
// the spec at start time; everything above the transport is shared.
type Conn struct {
	spec       *BackendSpec
	logger     *slog.Logger
	clientInfo mcp.Implementation

	mu      sync.Mutex
	state   ConnState
	lastErr error
	client  *client.Client
	caps    mcp.ServerCapabilities
}

// NewConn creates an unstarted connection for the given spec. clientInfo
// identifies the proxy during the MCP handshake with the backend.
func NewConn(spec *BackendSpec, clientInfo mcp.Implementation, logger *slog.Logger) *Conn {
	return &Conn{
		spec:       spec,
		logger:     logger,
		clientInfo: clientInfo,
		state:      StateUninitialized,
	}
}

func (c *Conn) Name() string { return c.spec.Name }

func (c *Conn) Spec() *BackendSpec { return c.spec }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start spawns or connects the backend and completes the MCP handshake.
// Safe to call again after a failed start or from Degraded; the previous
// session, if any, is torn down first.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return fmt.Errorf("backend %q: %w", c.spec.Name, ErrBackendUnavailable)
	case StateReady, StateStarting:
		c.mu.Unlock()
		return nil
	}
	prev := c.client
	c.client = nil
	c.state = StateStarting
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	cl, caps, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateUninitialized
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.state == StateStopped {
		// Stopped while handshaking; do not resurrect.
		c.mu.Unlock()
		cl.Close()
		return fmt.Errorf("backend %q: %w", c.spec.Name, ErrBackendUnavailable)
	}
	c.client = cl
	c.caps = caps
	c.state = StateReady
	c.lastErr = nil
	c.mu.Unlock()

	return nil
}

func (c *Conn) connect(ctx context.Context) (*client.Client, mcp.ServerCapabilities, error) {
	var none mcp.ServerCapabilities

	var t transport.Interface
	if c.spec.Remote() {
		sse, err := transport.NewSSE(c.spec.URL)
		if err != nil {
			return nil, none, &ConnectError{Backend: c.spec.Name, Err: err}
		}
		t = sse
	} else {
		if _, err := exec.LookPath(c.spec.Command); err != nil {
			return nil, none, &ConfigError{
				Backend: c.spec.Name,
				Reason:  fmt.Sprintf("executable %q not found", c.spec.Command),
			}
		}
		stdio := transport.NewStdio(c.spec.Command, c.spec.Environ(), c.spec.Args...)
		t = stdio
	}

	cl := client.NewClient(t)

	if err := cl.Start(ctx); err != nil {
		return nil, none, c.startErr(err)
	}

	if stdio, ok := t.(*transport.Stdio); ok {
		if stderr := stdio.Stderr(); stderr != nil {
			go c.forwardStderr(stderr)
		}
	}

	var initReq mcp.InitializeRequest
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = c.clientInfo

	initRes, err := cl.Initialize(ctx, initReq)
	if err != nil {
		cl.Close()
		return nil, none, c.startErr(err)
	}

	return cl, initRes.Capabilities, nil
}

func (c *Conn) startErr(err error) error {
	if c.spec.Remote() {
		return &ConnectError{Backend: c.spec.Name, Err: err}
	}
	return &SpawnError{Backend: c.spec.Name, Err: err}
}

// forwardStderr copies the spawned process's stderr to the operator log.
// Backend stderr is never parsed as protocol data.
func (c *Conn) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Info("backend stderr", "backend", c.spec.Name, "line", scanner.Text())
	}
}

// Stop terminates the connection: the process is torn down via the stdio
// transport's close sequence, or the SSE session is closed. Always
// transitions to Stopped.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.state = StateStopped
	c.mu.Unlock()

	if cl != nil {
		done := make(chan struct{})
		go func() {
			cl.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// MarkDegraded records a failure and leaves Ready. The session is kept so
// a later successful Ping can restore Ready without a restart.
func (c *Conn) MarkDegraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}
	c.state = StateDegraded
	c.lastErr = err
}

// Ping probes the backend. A successful probe from Degraded restores
// Ready; callers observing that transition should re-aggregate the
// backend's capabilities.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	cl := c.client
	state := c.state
	c.mu.Unlock()

	if cl == nil || (state != StateReady && state != StateDegraded) {
		return fmt.Errorf("backend %q: %w", c.spec.Name, ErrBackendUnavailable)
	}

	if err := cl.Ping(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateDegraded && c.client == cl {
		c.state = StateReady
		c.lastErr = nil
	}
	c.mu.Unlock()
	return nil
}

// ListCapabilities fetches the backend's full tool/resource/prompt catalog,
// following pagination cursors. Only kinds the backend advertised during
// the handshake are queried.
func (c *Conn) ListCapabilities(ctx context.Context) (*Capabilities, error) {
	cl, err := c.readyClient()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	serverCaps := c.caps
	c.mu.Unlock()

	caps := &Capabilities{}

	if serverCaps.Tools != nil {
		var cursor mcp.Cursor
		for {
			req := mcp.ListToolsRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListTools(ctx, req)
			if err != nil {
				c.observeCallError(ctx, err)
				return nil, err
			}
			caps.Tools = append(caps.Tools, res.Tools...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	if serverCaps.Resources != nil {
		var cursor mcp.Cursor
		for {
			req := mcp.ListResourcesRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListResources(ctx, req)
			if err != nil {
				c.observeCallError(ctx, err)
				return nil, err
			}
			caps.Resources = append(caps.Resources, res.Resources...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	if serverCaps.Prompts != nil {
		var cursor mcp.Cursor
		for {
			req := mcp.ListPromptsRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListPrompts(ctx, req)
			if err != nil {
				c.observeCallError(ctx, err)
				return nil, err
			}
			caps.Prompts = append(caps.Prompts, res.Prompts...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	return caps, nil
}

func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	cl, err := c.readyClient()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := cl.CallTool(ctx, req)
	if err != nil {
		c.observeCallError(ctx, err)
		return nil, err
	}
	return res, nil
}

func (c *Conn) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cl, err := c.readyClient()
	if err != nil {
		return nil, err
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	res, err := cl.ReadResource(ctx, req)
	if err != nil {
		c.observeCallError(ctx, err)
		return nil, err
	}
	return res, nil
}

func (c *Conn) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	cl, err := c.readyClient()
	if err != nil {
		return nil, err
	}

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := cl.GetPrompt(ctx, req)
	if err != nil {
		c.observeCallError(ctx, err)
		return nil, err
	}
	return res, nil
}

func (c *Conn) readyClient() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.client == nil {
		return nil, fmt.Errorf("backend %q: %w", c.spec.Name, ErrBackendUnavailable)
	}
	return c.client, nil
}

// observeCallError degrades the connection when a call ran out of time.
// Protocol-level errors from the backend are passed through untouched and
// do not change connection state; the supervisor's ping decides whether
// the session itself is still alive.
func (c *Conn) observeCallError(ctx context.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.MarkDegraded(err)
	}
}
