package multimcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Capability kinds an MCP backend can advertise.
type Capability string

const (
	// TOOL entities are executable actions forwarded via tools/call.
	TOOL Capability = "tool"

	// RESOURCE entities are readable data forwarded via resources/read.
	RESOURCE Capability = "resource"

	// PROMPT entities are reusable templates forwarded via prompts/get.
	PROMPT Capability = "prompt"
)

// ConnState is the lifecycle state of one backend connection.
//
// Uninitialized → Starting → Ready → (Degraded ⇄ Ready) → Stopped
type ConnState int32

const (
	StateUninitialized ConnState = iota
	StateStarting
	StateReady
	StateDegraded
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Capabilities is one backend's advertised catalog, copied verbatim from
// its listing responses.
type Capabilities struct {
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
}

// Backend is the uniform contract over the two connection variants: a
// spawned local process spoken to over stdio, or a remote server reached
// over HTTP/SSE. Implementations are safe for concurrent use; a slow or
// hung backend must never stall calls to the others.
type Backend interface {
	Name() string
	Spec() *BackendSpec
	State() ConnState

	// LastError reports why the connection left Ready, if it has.
	LastError() error

	// Start establishes the connection and completes the MCP handshake.
	// A failed start leaves the connection restartable unless the error
	// is a *ConfigError.
	Start(ctx context.Context) error

	// Stop terminates the connection and transitions to Stopped. It
	// always succeeds from any state.
	Stop(ctx context.Context) error

	// Ping probes connection liveness.
	Ping(ctx context.Context) error

	// MarkDegraded records a failure observed outside the connection
	// itself (e.g. a supervisor probe) and leaves Ready.
	MarkDegraded(err error)

	ListCapabilities(ctx context.Context) (*Capabilities, error)

	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
}
