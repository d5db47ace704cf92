package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// palette cycles by join order. Colors repeat once a room grows past the
// palette size, which only affects cursor rendering.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#FFD166", "#06D6A0",
	"#118AB2", "#5E548E", "#9B5DE5", "#F15BB5",
}

// Room holds all live sessions for one document plus the canonical drawing
// collection. Text content has no server-side canonical copy; connected
// clients are the source of truth and the server only pulls a full copy at
// checkpoint time. All room state is guarded by mu.
type Room struct {
	ID  string
	hub *Hub

	mu       sync.RWMutex
	sessions map[string]*Session
	drawings []json.RawMessage
	// defunct is set under both the hub lock and mu when the hub evicts
	// this room; a joiner holding a stale pointer must start over
	defunct bool
}

func newRoom(id string, hub *Hub, drawingsJSON string) *Room {
	var drawings []json.RawMessage
	if drawingsJSON != "" {
		if err := json.Unmarshal([]byte(drawingsJSON), &drawings); err != nil {
			log.Printf("[Room %s] Stored drawings unreadable, starting empty: %v", id, err)
			drawings = nil
		}
	}

	return &Room{
		ID:       id,
		hub:      hub,
		sessions: make(map[string]*Session),
		drawings: drawings,
	}
}

// AddSession registers a session, assigns its color and broadcasts the new
// roster to everyone in the room, the joiner included. Returns false when the
// room was already evicted; the caller must look the room up again.
func (r *Room) AddSession(s *Session) ([]RosterEntry, bool) {
	r.mu.Lock()
	if r.defunct {
		r.mu.Unlock()
		return nil, false
	}
	s.Color = palette[len(r.sessions)%len(palette)]
	r.sessions[s.ID] = s
	roster := r.rosterLocked()
	r.mu.Unlock()

	log.Printf("[Room %s] Session joined: %s (%s), total: %d",
		r.ID, s.ID, s.Name, len(roster))

	r.broadcast("", Message{Type: EventUsersChanged, Payload: roster})
	return roster, true
}

// RemoveSession drops a session and broadcasts the shrunken roster to the
// remaining participants. The room itself is torn down when it empties,
// discarding the in-memory drawing collection.
func (r *Room) RemoveSession(sessionID string) {
	r.mu.Lock()
	s, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	empty := len(r.sessions) == 0
	roster := r.rosterLocked()
	r.mu.Unlock()

	if !exists {
		return
	}

	log.Printf("[Room %s] Session left: %s (%s), remaining: %d",
		r.ID, s.ID, s.Name, len(roster))

	if empty {
		r.hub.removeRoom(r.ID)
		return
	}

	r.broadcast("", Message{Type: EventUsersChanged, Payload: roster})
}

// Roster returns a snapshot of current participants
func (r *Room) Roster() []RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []RosterEntry {
	roster := make([]RosterEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		roster = append(roster, RosterEntry{
			SessionID: s.ID,
			UserID:    s.UserID,
			Name:      s.Name,
			Color:     s.Color,
			Cursor:    s.Cursor(),
		})
	}
	return roster
}

// Session looks a participant up by ID
func (r *Room) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// broadcast sends a frame to every session except the one named by exceptID.
// Pass an empty exceptID to reach everyone.
func (r *Room) broadcast(exceptID string, msg Message) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.ID == exceptID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Send(msg)
	}
}

// RelayText forwards a text delta to everyone but the origin. The origin
// already applied its edit optimistically and must not see its own echo.
// No ordering is imposed across concurrent senders.
func (r *Room) RelayText(origin *Session, delta json.RawMessage) {
	r.broadcast(origin.ID, Message{Type: EventReceiveChanges, Payload: delta})
}

// RelayFont forwards a font attribute change to everyone but the origin
func (r *Room) RelayFont(origin *Session, payload json.RawMessage) {
	r.broadcast(origin.ID, Message{Type: EventReceiveFontChange, Payload: payload})
}

// UpdateCursor stores the origin's cursor and announces it to the rest of
// the room.
func (r *Room) UpdateCursor(origin *Session, pos CursorPosition) {
	origin.SetCursor(pos)

	r.broadcast(origin.ID, Message{
		Type: EventCursorUpdate,
		Payload: CursorBroadcast{
			SessionID: origin.ID,
			UserID:    origin.UserID,
			Name:      origin.Name,
			Color:     origin.Color,
			Index:     pos.Index,
			Length:    pos.Length,
		},
	})
}

// ApplyDrawingBatch replaces the canonical drawing collection wholesale and
// forwards the replacement to everyone but the origin. A payload that is not
// a JSON array is dropped.
func (r *Room) ApplyDrawingBatch(origin *Session, payload json.RawMessage) {
	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		log.Printf("[Room %s] Dropped malformed drawing batch from %s: %v", r.ID, origin.ID, err)
		return
	}

	r.mu.Lock()
	r.drawings = elements
	r.mu.Unlock()

	r.broadcast(origin.ID, Message{Type: EventDrawingsUpdated, Payload: payload})
}

// ApplyDrawingPatch replaces a single element by ID, or appends when the ID
// is unseen. No partial-field merge happens; the element value is swapped
// wholesale. A payload without an id is dropped.
func (r *Room) ApplyDrawingPatch(origin *Session, payload json.RawMessage) {
	id, ok := elementID(payload)
	if !ok {
		log.Printf("[Room %s] Dropped drawing patch without id from %s", r.ID, origin.ID)
		return
	}

	r.mu.Lock()
	replaced := false
	for i, existing := range r.drawings {
		if existingID, ok := elementID(existing); ok && existingID == id {
			r.drawings[i] = payload
			replaced = true
			break
		}
	}
	if !replaced {
		r.drawings = append(r.drawings, payload)
	}
	r.mu.Unlock()

	// relayed under the patch event; receivers merge by id instead of
	// replacing their whole collection
	r.broadcast(origin.ID, Message{Type: EventDrawingPatch, Payload: payload})
}

// ClearDrawings empties the canonical collection and signals the clear to
// everyone but the origin.
func (r *Room) ClearDrawings(origin *Session) {
	r.mu.Lock()
	r.drawings = nil
	r.mu.Unlock()

	r.broadcast(origin.ID, Message{Type: EventDrawingsCleared})
}

// DrawingsJSON serializes the canonical collection, "[]" when empty
func (r *Room) DrawingsJSON() json.RawMessage {
	r.mu.RLock()
	drawings := r.drawings
	r.mu.RUnlock()

	if len(drawings) == 0 {
		return json.RawMessage("[]")
	}
	data, err := json.Marshal(drawings)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}

// elementID pulls the stable identifier out of an opaque element payload
func elementID(raw json.RawMessage) (string, bool) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
		return "", false
	}
	return probe.ID, true
}

// Checkpoint pulls the authoritative content from the origin session, merges
// it with the canonical drawing collection and writes both to the store in a
// single call. The round-trip is bounded: a session that never replies, or
// disconnects first, abandons the cycle without a store write. Concurrent
// checkpoints from different sessions race at the store, where the write is a
// full last-write-wins overwrite.
func (r *Room) Checkpoint(ctx context.Context, origin *Session) error {
	if !origin.CanWrite {
		origin.Send(Message{Type: EventAccessDenied, Payload: errorPayload("not authorized to save this document")})
		return ErrNotAuthorized
	}

	reply, err := origin.expectContent()
	if err != nil {
		return err
	}

	if err := origin.Send(Message{Type: EventRequestState}); err != nil {
		origin.abandonContent(reply)
		return err
	}

	timer := time.NewTimer(r.hub.saveTimeout)
	defer timer.Stop()

	select {
	case content := <-reply:
		if !json.Valid(content) || len(content) == 0 {
			origin.Send(Message{Type: EventSaveError, Payload: errorPayload("malformed document state")})
			return ErrMalformedContent
		}

		if err := r.hub.store.SaveDocument(r.ID, string(content), string(r.DrawingsJSON())); err != nil {
			log.Printf("[Room %s] Checkpoint write failed: %v", r.ID, err)
			origin.Send(Message{Type: EventSaveError, Payload: errorPayload("save failed")})
			return err
		}

		if r.hub.presence != nil {
			r.hub.presence.SetLastCheckpoint(r.ID)
		}

		origin.Send(Message{Type: EventSaveConfirmed})
		return nil

	case <-origin.Done():
		// disconnect mid round-trip: clean abandonment, no write, no retry
		origin.abandonContent(reply)
		return ErrSessionClosed

	case <-timer.C:
		origin.abandonContent(reply)
		origin.Send(Message{Type: EventSaveError, Payload: errorPayload("document state request timed out")})
		return ErrCheckpointTimeout

	case <-ctx.Done():
		origin.abandonContent(reply)
		return ctx.Err()
	}
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"error": msg}
}
