package mcpservice

import (
	"context"

	"github.com/up2itnow0822/clawpay-mcp/mcp"
	"github.com/up2itnow0822/clawpay-mcp/sessions"
)

type ServerOption func(*server)

// server is a fixed set of capabilities shared by every connection.
type server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        ToolsCapability
}

// NewServer returns ServerCapabilities built from opts. Without
// WithToolsCapability the server advertises no tools.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{info: mcp.ImplementationInfo{Name: "clawpay-mcp", Version: "dev"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.info = info }
}

// WithInstructions sets the usage hint returned from initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.instructions = instr }
}

func WithToolsCapability(tc ToolsCapability) ServerOption {
	return func(s *server) { s.tools = tc }
}

func (s *server) GetServerInfo(context.Context, sessions.Session) (mcp.ImplementationInfo, error) {
	return s.info, nil
}

func (s *server) GetInstructions(context.Context, sessions.Session) (string, bool, error) {
	return s.instructions, s.instructions != "", nil
}

func (s *server) GetToolsCapability(context.Context, sessions.Session) (ToolsCapability, bool, error) {
	return s.tools, s.tools != nil, nil
}
