package sessions

import (
	"errors"

	"github.com/up2itnow0822/clawpay-mcp/mcp"
)

// ErrSessionNotFound is returned when a connection session id is unknown or
// belongs to another user.
var ErrSessionNotFound = errors.New("session not found")

// Session is the per-connection view handed to tool handlers.
type Session interface {
	SessionID() string
	UserID() string
	ProtocolVersion() string
	ClientInfo() mcp.ImplementationInfo
}
