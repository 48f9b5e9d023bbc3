package mcpservice

import (
	"context"
	"errors"

	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

// ErrToolNotFound is returned by CallTool when no tool has the requested name.
var ErrToolNotFound = errors.New("tool not found")

// ServerCapabilities is what the engine asks of a server while answering
// initialize, tools/list and tools/call. Implementations MUST be safe for
// concurrent use.
type ServerCapabilities interface {
	// GetServerInfo returns the implementation info surfaced in initialize
	// results. It may be called often and should be inexpensive.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetInstructions returns optional human-readable instructions for the
	// client. If ok is false none are sent.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session. If ok
	// is false tool support is not advertised.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)
}

// ToolsCapability lists and invokes tools.
type ToolsCapability interface {
	// ListTools returns a page of tools. A nil cursor requests the first page.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a tool. Failures the caller should see belong in a
	// result with IsError set; a returned error becomes a JSON-RPC error.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page.
type PageOption[T any] func(*Page[T])

// WithNextCursor sets the cursor for the following page.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) { p.NextCursor = &cursor }
}

// NewPage builds a Page. Items is never nil so it serializes as [].
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = []T{}
	}
	p := Page[T]{Items: items}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
