package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"docsync-backend/internal/cache"
	"docsync-backend/internal/model"
	"docsync-backend/internal/presence"
)

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrMalformedContent  = errors.New("malformed document state")
	ErrCheckpointTimeout = errors.New("checkpoint timed out")
)

// DocumentStore is the slice of the durable store the hub needs. The hub
// touches it only at join and at checkpoint.
type DocumentStore interface {
	FindOrCreateDocument(id string, ownerID int64) (*model.Document, error)
	SaveDocument(id, content, drawings string) error
}

// PresenceTracker mirrors session liveness into Redis. Optional.
type PresenceTracker interface {
	Track(data presence.SessionData) error
	Heartbeat(sessionID string) error
	Untrack(documentID, sessionID string) error
	SetLastCheckpoint(documentID string) error
	PublishRoster(event presence.RosterEvent) error
	Active(documentID string) ([]presence.SessionData, error)
}

// Tracer records relayed events for debugging. Optional.
type Tracer interface {
	Record(ctx context.Context, entry *cache.TraceEntry) error
}

// Hub manages all document rooms
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	store       DocumentStore
	presence    PresenceTracker
	tracer      Tracer
	saveTimeout time.Duration
	serverID    string
}

// NewHub creates a Hub. presenceTracker and tracer may be nil; the hub then
// runs fully in-process.
func NewHub(store DocumentStore, presenceTracker PresenceTracker, tracer Tracer, saveTimeout time.Duration, serverID string) *Hub {
	if saveTimeout <= 0 {
		saveTimeout = 5 * time.Second
	}
	return &Hub{
		rooms:       make(map[string]*Room),
		store:       store,
		presence:    presenceTracker,
		tracer:      tracer,
		saveTimeout: saveTimeout,
		serverID:    serverID,
	}
}

// Join admits a session to the room for documentID. The room is created on
// first join, seeded with the stored drawing collection. The returned state
// (content, drawings, roster) goes to the joiner only; the roster broadcast
// to the whole room happens inside AddSession.
func (h *Hub) Join(documentID string, s *Session) (*JoinState, error) {
	doc, err := h.store.FindOrCreateDocument(documentID, s.UserID)
	if err != nil {
		return nil, err
	}

	// registration can lose a race against teardown of an emptying room;
	// the evicted room refuses the session and the next lookup creates a
	// fresh one
	var room *Room
	var roster []RosterEntry
	for {
		room = h.getOrCreateRoom(documentID, doc.Drawings)
		var ok bool
		if roster, ok = room.AddSession(s); ok {
			break
		}
	}

	if h.presence != nil {
		if err := h.presence.Track(presence.SessionData{
			SessionID:  s.ID,
			DocumentID: documentID,
			UserID:     s.UserID,
			Name:       s.Name,
			Color:      s.Color,
			CanWrite:   s.CanWrite,
			ServerID:   h.serverID,
		}); err != nil {
			log.Printf("[Hub] Presence track failed for %s: %v", s.ID, err)
		}
		h.presence.PublishRoster(presence.RosterEvent{
			DocumentID: documentID,
			SessionID:  s.ID,
			UserID:     s.UserID,
			Name:       s.Name,
			Joined:     true,
			ServerID:   h.serverID,
		})
	}

	h.trace(documentID, s, "join")

	content := doc.Content
	if content == "" {
		content = "{}"
	}

	return &JoinState{
		Content:  json.RawMessage(content),
		Drawings: room.DrawingsJSON(),
		Roster:   roster,
	}, nil
}

// Leave removes a session from its room and closes it
func (h *Hub) Leave(documentID string, s *Session) {
	if room, ok := h.Room(documentID); ok {
		room.RemoveSession(s.ID)
	}
	s.Close()

	if h.presence != nil {
		if err := h.presence.Untrack(documentID, s.ID); err != nil {
			log.Printf("[Hub] Presence untrack failed for %s: %v", s.ID, err)
		}
		h.presence.PublishRoster(presence.RosterEvent{
			DocumentID: documentID,
			SessionID:  s.ID,
			UserID:     s.UserID,
			Name:       s.Name,
			Joined:     false,
			ServerID:   h.serverID,
		})
	}

	h.trace(documentID, s, "leave")
}

// DocumentContent fetches the durable content for a late re-request
func (h *Hub) DocumentContent(documentID string, userID int64) (json.RawMessage, error) {
	doc, err := h.store.FindOrCreateDocument(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc.Content == "" {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(doc.Content), nil
}

// RemoteRosterChanged handles a roster event published by another server
// instance. When this process hosts a live room for the document, its
// participants get a users-changed broadcast carrying the cross-instance
// roster from the Redis mirror, with cursors filled in for local sessions.
func (h *Hub) RemoteRosterChanged(ev presence.RosterEvent) {
	if h.presence == nil || ev.ServerID == h.serverID {
		return
	}

	room, ok := h.Room(ev.DocumentID)
	if !ok {
		return
	}

	sessions, err := h.presence.Active(ev.DocumentID)
	if err != nil {
		log.Printf("[Hub] Remote roster lookup failed for %s: %v", ev.DocumentID, err)
		return
	}

	roster := make([]RosterEntry, 0, len(sessions))
	for _, data := range sessions {
		entry := RosterEntry{
			SessionID: data.SessionID,
			UserID:    data.UserID,
			Name:      data.Name,
			Color:     data.Color,
		}
		if local, ok := room.Session(data.SessionID); ok {
			entry.Cursor = local.Cursor()
		}
		roster = append(roster, entry)
	}

	room.broadcast("", Message{Type: EventUsersChanged, Payload: roster})
}

// Room looks an active room up
func (h *Hub) Room(documentID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[documentID]
	return room, ok
}

// RoomCount returns the number of live rooms
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Touch refreshes the session's presence TTL. Called on inbound traffic.
func (h *Hub) Touch(s *Session) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Heartbeat(s.ID); err != nil {
		log.Printf("[Hub] Heartbeat failed for %s: %v", s.ID, err)
	}
}

// Trace records a relayed event asynchronously; the sync path never waits
// on Redis.
func (h *Hub) Trace(documentID string, s *Session, event string) {
	h.trace(documentID, s, event)
}

func (h *Hub) trace(documentID string, s *Session, event string) {
	if h.tracer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		entry := &cache.TraceEntry{
			DocumentID: documentID,
			SessionID:  s.ID,
			UserID:     s.UserID,
			Event:      event,
		}
		if err := h.tracer.Record(ctx, entry); err != nil {
			log.Printf("[Hub] Failed to record trace: %v", err)
		}
	}()
}

func (h *Hub) getOrCreateRoom(documentID, drawingsJSON string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, exists := h.rooms[documentID]; exists {
		return room
	}

	room := newRoom(documentID, h, drawingsJSON)
	h.rooms[documentID] = room
	log.Printf("[Hub] Created room: %s", documentID)

	return room
}

// removeRoom evicts an empty room. Emptiness is re-checked while both the
// hub lock and the room lock are held, and the room is marked defunct in the
// same critical section, so a concurrent Join either lands before the check
// or sees the defunct flag and retries against a fresh room.
func (h *Hub) removeRoom(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[documentID]
	if !exists {
		return
	}

	room.mu.Lock()
	if len(room.sessions) == 0 {
		room.defunct = true
		delete(h.rooms, documentID)
		log.Printf("[Hub] Removed room: %s", documentID)
	}
	room.mu.Unlock()
}
