package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/up2itnow0822/clawpay-mcp/mcp"
)

var _ Session = (*session)(nil)

type session struct {
	id              string
	userID          string
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	createdAt       time.Time
}

func (s *session) SessionID() string                  { return s.id }
func (s *session) UserID() string                     { return s.userID }
func (s *session) ProtocolVersion() string            { return s.protocolVersion }
func (s *session) ClientInfo() mcp.ImplementationInfo { return s.clientInfo }

// Table is the in-process registry of open connection sessions. State is
// ephemeral and discarded on process exit.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*session)}
}

// Open registers a new session for userID and returns it.
func (t *Table) Open(userID, protocolVersion string, info mcp.ImplementationInfo) Session {
	s := &session{
		id:              uuid.NewString(),
		userID:          userID,
		protocolVersion: protocolVersion,
		clientInfo:      info,
		createdAt:       time.Now(),
	}
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
	return s
}

// Load returns the session with id when it belongs to userID.
func (t *Table) Load(id, userID string) (Session, error) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok || s.userID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close removes the session. Closing an unknown id is a no-op.
func (t *Table) Close(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Len reports the number of open sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
