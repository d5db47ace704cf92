package reconcile

import (
	"sync"
	"time"

	"docsync-backend/internal/collab"
)

// MarkerSurface renders remote participants' cursors
type MarkerSurface interface {
	UpsertMarker(sessionID, name, color string, index, length int)
	RemoveMarker(sessionID string)
}

// CursorEmitter sends the local cursor position to the server
type CursorEmitter func(pos collab.CursorPosition)

// Cursor debounces outgoing cursor moves and keeps the remote marker set in
// step with the roster, removing markers for departed participants.
type Cursor struct {
	selfID   string
	surface  MarkerSurface
	emit     CursorEmitter
	debounce time.Duration

	mu      sync.Mutex
	known   map[string]struct{}
	pending collab.CursorPosition
	timer   *time.Timer
	closed  bool
}

// NewCursor creates a tracker. selfID is this client's own session ID, whose
// marker is never rendered. Zero debounce picks the default 100ms.
func NewCursor(selfID string, surface MarkerSurface, emit CursorEmitter, debounce time.Duration) *Cursor {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Cursor{
		selfID:   selfID,
		surface:  surface,
		emit:     emit,
		debounce: debounce,
		known:    make(map[string]struct{}),
	}
}

// LocalMove records a human-originated selection change. Only the final
// position inside a debounce window is sent.
func (c *Cursor) LocalMove(pos collab.CursorPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.pending = pos
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flush)
}

func (c *Cursor) flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	pos := c.pending
	c.mu.Unlock()

	c.emit(pos)
}

// RemoteCursor handles a cursor broadcast: first sight of a session creates
// its marker, later broadcasts move it.
func (c *Cursor) RemoteCursor(b collab.CursorBroadcast) {
	c.mu.Lock()
	if c.closed || b.SessionID == c.selfID {
		c.mu.Unlock()
		return
	}
	c.known[b.SessionID] = struct{}{}
	c.mu.Unlock()

	c.surface.UpsertMarker(b.SessionID, b.Name, b.Color, b.Index, b.Length)
}

// RosterChanged reconciles markers against a fresh roster: every non-self
// participant gets a marker, and markers for sessions no longer present are
// removed.
func (c *Cursor) RosterChanged(roster []collab.RosterEntry) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	current := make(map[string]struct{}, len(roster))
	var added []collab.RosterEntry
	for _, entry := range roster {
		if entry.SessionID == c.selfID {
			continue
		}
		current[entry.SessionID] = struct{}{}
		if _, seen := c.known[entry.SessionID]; !seen {
			added = append(added, entry)
		}
	}

	var removed []string
	for id := range c.known {
		if _, still := current[id]; !still {
			removed = append(removed, id)
		}
	}

	c.known = current
	c.mu.Unlock()

	for _, entry := range added {
		c.surface.UpsertMarker(entry.SessionID, entry.Name, entry.Color,
			entry.Cursor.Index, entry.Cursor.Length)
	}
	for _, id := range removed {
		c.surface.RemoveMarker(id)
	}
}

// Close cancels any pending debounced send
func (c *Cursor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
