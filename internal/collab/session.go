package collab

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrCheckpointInFlight = errors.New("checkpoint already in flight for session")
)

// Conn is the write side of a websocket connection. *websocket.Conn
// satisfies it; tests substitute an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live connection to a document room. Writes to the
// underlying connection are serialized through writeMu.
type Session struct {
	ID       string
	UserID   int64
	Name     string
	Color    string
	CanWrite bool

	conn    Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	cursor     CursorPosition
	contentReq chan json.RawMessage
	done       chan struct{}
	closed     bool
}

// NewSession creates a Session for an authenticated connection. The color is
// assigned later, when the session is registered with a room.
func NewSession(conn Conn, userID int64, name string, canWrite bool) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Name:     name,
		CanWrite: canWrite,
		conn:     conn,
		done:     make(chan struct{}),
	}
}

// Send writes one outbound frame to the connection
func (s *Session) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[Session %s] Failed to send %s: %v", s.ID, msg.Type, err)
		return err
	}
	return nil
}

// SetCursor records the last-known cursor position
func (s *Session) SetCursor(pos CursorPosition) {
	s.mu.Lock()
	s.cursor = pos
	s.mu.Unlock()
}

// Cursor returns the last-known cursor position
func (s *Session) Cursor() CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// expectContent arms the one-shot reply channel for a checkpoint round-trip.
// Only one round-trip may be pending per session.
func (s *Session) expectContent() (chan json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.contentReq != nil {
		return nil, ErrCheckpointInFlight
	}

	ch := make(chan json.RawMessage, 1)
	s.contentReq = ch
	return ch, nil
}

// abandonContent disarms the reply channel after a timeout or cancellation,
// but only if it is still the one that was armed.
func (s *Session) abandonContent(ch chan json.RawMessage) {
	s.mu.Lock()
	if s.contentReq == ch {
		s.contentReq = nil
	}
	s.mu.Unlock()
}

// DeliverContent resolves a pending checkpoint round-trip with the client's
// reply. Returns false when no round-trip is pending (late or unsolicited
// reply, dropped).
func (s *Session) DeliverContent(content json.RawMessage) bool {
	s.mu.Lock()
	ch := s.contentReq
	s.contentReq = nil
	s.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- content
	return true
}

// Done is closed when the session shuts down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close shuts the session down. Safe to call more than once. Any pending
// checkpoint round-trip observes Done and abandons.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.contentReq = nil
	close(s.done)
	s.mu.Unlock()

	s.conn.Close()
}
