package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync-backend/internal/model"
	"docsync-backend/internal/presence"
)

// fakeConn captures outbound frames in memory
type fakeConn struct {
	mu     sync.Mutex
	frames []Message
	closed bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	var msg Message
	var raw struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	msg.Type = raw.Type
	msg.Payload = raw.Payload

	c.mu.Lock()
	c.frames = append(c.frames, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received(eventType string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Message
	for _, f := range c.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastPayload(t *testing.T, eventType string) json.RawMessage {
	t.Helper()
	frames := c.received(eventType)
	require.NotEmpty(t, frames, "expected at least one %s frame", eventType)
	return frames[len(frames)-1].Payload.(json.RawMessage)
}

// fakeStore is an in-memory DocumentStore
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]*model.Document
	saves   int
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*model.Document)}
}

func (f *fakeStore) FindOrCreateDocument(id string, ownerID int64) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if doc, ok := f.docs[id]; ok {
		return doc, nil
	}
	doc := &model.Document{ID: id, OwnerID: ownerID, Content: "{}", Drawings: "[]"}
	f.docs[id] = doc
	return doc, nil
}

func (f *fakeStore) SaveDocument(id, content, drawings string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveErr != nil {
		return f.saveErr
	}
	doc, ok := f.docs[id]
	if !ok {
		doc = &model.Document{ID: id}
		f.docs[id] = doc
	}
	doc.Content = content
	doc.Drawings = drawings
	f.saves++
	return nil
}

func (f *fakeStore) saved(id string) (string, string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[id]
	return doc.Content, doc.Drawings, f.saves
}

// fakePresence is an in-memory PresenceTracker
type fakePresence struct {
	mu     sync.Mutex
	active map[string][]presence.SessionData
	events []presence.RosterEvent
}

func newFakePresence() *fakePresence {
	return &fakePresence{active: make(map[string][]presence.SessionData)}
}

func (p *fakePresence) Track(data presence.SessionData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[data.DocumentID] = append(p.active[data.DocumentID], data)
	return nil
}

func (p *fakePresence) Heartbeat(sessionID string) error { return nil }

func (p *fakePresence) Untrack(documentID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.active[documentID][:0]
	for _, data := range p.active[documentID] {
		if data.SessionID != sessionID {
			kept = append(kept, data)
		}
	}
	p.active[documentID] = kept
	return nil
}

func (p *fakePresence) SetLastCheckpoint(documentID string) error { return nil }

func (p *fakePresence) PublishRoster(event presence.RosterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePresence) Active(documentID string) ([]presence.SessionData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]presence.SessionData, len(p.active[documentID]))
	copy(out, p.active[documentID])
	return out, nil
}

func (p *fakePresence) published() []presence.RosterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]presence.RosterEvent, len(p.events))
	copy(out, p.events)
	return out
}

func newTestHub(store DocumentStore) *Hub {
	return NewHub(store, nil, nil, 200*time.Millisecond, "test-server")
}

func joinSession(t *testing.T, hub *Hub, docID, name string, userID int64) (*Session, *fakeConn, *JoinState) {
	t.Helper()
	conn := &fakeConn{}
	s := NewSession(conn, userID, name, true)
	state, err := hub.Join(docID, s)
	require.NoError(t, err)
	return s, conn, state
}

func TestJoinEmptyRoom(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, state := joinSession(t, hub, "doc-1", "Alice", 1)

	assert.JSONEq(t, "{}", string(state.Content))
	assert.JSONEq(t, "[]", string(state.Drawings))
	require.Len(t, state.Roster, 1)
	assert.Equal(t, a.ID, state.Roster[0].SessionID)
	assert.Equal(t, palette[0], a.Color)

	// joiner also sees the roster broadcast
	require.Len(t, connA.received(EventUsersChanged), 1)
}

func TestSecondJoinBroadcastsRoster(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	b, connB, stateB := joinSession(t, hub, "doc-1", "Bob", 2)

	assert.Equal(t, palette[1], b.Color)
	require.Len(t, stateB.Roster, 2)

	// A received a second users-changed frame listing both sessions
	frames := connA.received(EventUsersChanged)
	require.Len(t, frames, 2)

	var roster []RosterEntry
	require.NoError(t, json.Unmarshal(frames[1].Payload.(json.RawMessage), &roster))
	ids := []string{roster[0].SessionID, roster[1].SessionID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	require.Len(t, connB.received(EventUsersChanged), 1)
}

func TestLeaveBroadcastsRosterAndTearsDownRoom(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	b, _, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	hub.Leave("doc-1", b)

	frames := connA.received(EventUsersChanged)
	require.Len(t, frames, 3)

	var roster []RosterEntry
	require.NoError(t, json.Unmarshal(frames[2].Payload.(json.RawMessage), &roster))
	require.Len(t, roster, 1)
	assert.Equal(t, a.ID, roster[0].SessionID)

	hub.Leave("doc-1", a)
	_, ok := hub.Room("doc-1")
	assert.False(t, ok, "empty room should be removed")
	assert.Zero(t, hub.RoomCount())
}

func TestColorAssignmentWrapsAround(t *testing.T) {
	hub := newTestHub(newFakeStore())

	sessions := make([]*Session, 0, len(palette)+1)
	for i := 0; i <= len(palette); i++ {
		s, _, _ := joinSession(t, hub, "doc-1", "user", int64(i+1))
		sessions = append(sessions, s)
	}

	assert.Equal(t, palette[0], sessions[0].Color)
	assert.Equal(t, palette[len(palette)-1], sessions[len(palette)-1].Color)
	// participant count past the palette size reuses the first color
	assert.Equal(t, palette[0], sessions[len(palette)].Color)
}

func TestTextRelaySuppressesEcho(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)
	_, connC, _ := joinSession(t, hub, "doc-1", "Carol", 3)

	room, ok := hub.Room("doc-1")
	require.True(t, ok)

	delta := json.RawMessage(`{"ops":[{"insert":"hi"}]}`)
	room.RelayText(a, delta)

	assert.Empty(t, connA.received(EventReceiveChanges), "origin must not see its own delta")
	assert.JSONEq(t, string(delta), string(connB.lastPayload(t, EventReceiveChanges)))
	assert.JSONEq(t, string(delta), string(connC.lastPayload(t, EventReceiveChanges)))
}

func TestFontRelaySuppressesEcho(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	room, _ := hub.Room("doc-1")
	payload := json.RawMessage(`{"font":"serif"}`)
	room.RelayFont(a, payload)

	assert.Empty(t, connA.received(EventReceiveFontChange))
	assert.JSONEq(t, string(payload), string(connB.lastPayload(t, EventReceiveFontChange)))
}

func TestCursorUpdateBroadcast(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	room, _ := hub.Room("doc-1")
	room.UpdateCursor(a, CursorPosition{Index: 4, Length: 2})

	assert.Empty(t, connA.received(EventCursorUpdate))

	var bc CursorBroadcast
	require.NoError(t, json.Unmarshal(connB.lastPayload(t, EventCursorUpdate), &bc))
	assert.Equal(t, a.ID, bc.SessionID)
	assert.Equal(t, "Alice", bc.Name)
	assert.Equal(t, a.Color, bc.Color)
	assert.Equal(t, 4, bc.Index)
	assert.Equal(t, 2, bc.Length)

	// stored on the session, visible in subsequent rosters
	assert.Equal(t, CursorPosition{Index: 4, Length: 2}, a.Cursor())
}

func TestDrawingBatchReplacesCanonicalCollection(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	room, _ := hub.Room("doc-1")
	batch := json.RawMessage(`[{"id":"x","shape":"circle"}]`)
	room.ApplyDrawingBatch(a, batch)

	assert.Empty(t, connA.received(EventDrawingsUpdated), "origin must not see its own batch")
	assert.JSONEq(t, string(batch), string(connB.lastPayload(t, EventDrawingsUpdated)))
	assert.JSONEq(t, string(batch), string(room.DrawingsJSON()))
}

func TestDrawingPatchReplaceOrAppend(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, _, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	room, _ := hub.Room("doc-1")
	room.ApplyDrawingBatch(a, json.RawMessage(`[{"id":"x","shape":"circle"},{"id":"y","shape":"line"}]`))

	// replace by id, wholesale
	room.ApplyDrawingPatch(a, json.RawMessage(`{"id":"x","shape":"square"}`))
	assert.JSONEq(t,
		`[{"id":"x","shape":"square"},{"id":"y","shape":"line"}]`,
		string(room.DrawingsJSON()))

	// unseen id appends
	room.ApplyDrawingPatch(a, json.RawMessage(`{"id":"z","shape":"dot"}`))
	assert.JSONEq(t,
		`[{"id":"x","shape":"square"},{"id":"y","shape":"line"},{"id":"z","shape":"dot"}]`,
		string(room.DrawingsJSON()))

	// B saw each patch exactly once, under the patch event; a patch relayed
	// as a full-collection update would wipe the receiver's scene
	patches := connB.received(EventDrawingPatch)
	assert.Len(t, patches, 2)
	assert.JSONEq(t, `{"id":"z","shape":"dot"}`, string(connB.lastPayload(t, EventDrawingPatch)))
	assert.Len(t, connB.received(EventDrawingsUpdated), 1, "only the initial batch goes out as a collection update")
}

func TestMalformedDrawingPayloadsDropped(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, _, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	room, _ := hub.Room("doc-1")
	room.ApplyDrawingBatch(a, json.RawMessage(`{"not":"an array"}`))
	room.ApplyDrawingPatch(a, json.RawMessage(`{"shape":"no id"}`))
	room.ApplyDrawingPatch(a, json.RawMessage(`not json`))

	assert.Empty(t, connB.received(EventDrawingsUpdated))
	assert.Empty(t, connB.received(EventDrawingPatch))
	assert.JSONEq(t, "[]", string(room.DrawingsJSON()))
}

func TestClearDrawings(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, _, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-1", "Bob", 2)

	room, _ := hub.Room("doc-1")
	room.ApplyDrawingBatch(a, json.RawMessage(`[{"id":"x"}]`))
	room.ClearDrawings(a)

	assert.JSONEq(t, "[]", string(room.DrawingsJSON()))
	assert.Len(t, connB.received(EventDrawingsCleared), 1)
}

func TestJoinLoadsStoredDrawings(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &model.Document{
		ID: "doc-1", OwnerID: 1,
		Content:  `{"ops":[{"insert":"hello"}]}`,
		Drawings: `[{"id":"x","shape":"circle"}]`,
	}
	hub := newTestHub(store)

	_, _, state := joinSession(t, hub, "doc-1", "Alice", 1)

	assert.JSONEq(t, `{"ops":[{"insert":"hello"}]}`, string(state.Content))
	assert.JSONEq(t, `[{"id":"x","shape":"circle"}]`, string(state.Drawings))
}

func TestRoomStateDiscardedWhenEmpty(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, _, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	room, _ := hub.Room("doc-1")
	room.ApplyDrawingBatch(a, json.RawMessage(`[{"id":"x"}]`))

	hub.Leave("doc-1", a)

	// rejoin starts from the durable copy, which was never checkpointed
	_, _, state := joinSession(t, hub, "doc-1", "Alice", 1)
	assert.JSONEq(t, "[]", string(state.Drawings))
}

func TestEvictedRoomRefusesLateRegistration(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, _, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	stale, ok := hub.Room("doc-1")
	require.True(t, ok)

	// last member leaves while a joiner still holds the room pointer
	hub.Leave("doc-1", a)
	_, ok = hub.Room("doc-1")
	require.False(t, ok)

	// the evicted room must refuse the registration instead of hosting an
	// orphaned session invisible to the hub
	orphan := NewSession(&fakeConn{}, 2, "Bob", true)
	_, added := stale.AddSession(orphan)
	assert.False(t, added)

	// joining through the hub lands in a live room that later joiners share
	_, _, bobState := joinSession(t, hub, "doc-1", "Bob", 2)
	assert.Len(t, bobState.Roster, 1)

	room, ok := hub.Room("doc-1")
	require.True(t, ok)
	assert.NotSame(t, stale, room)

	_, _, carolState := joinSession(t, hub, "doc-1", "Carol", 3)
	assert.Len(t, carolState.Roster, 2)
	assert.Len(t, room.Roster(), 2)
}

func TestRemoteRosterChurnReachesLocalRoom(t *testing.T) {
	store := newFakeStore()
	pres := newFakePresence()
	hub := NewHub(store, pres, nil, 200*time.Millisecond, "server-a")

	_, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)

	// the published join event names this instance
	events := pres.published()
	require.Len(t, events, 1)
	assert.Equal(t, "server-a", events[0].ServerID)

	// a session hosted by another instance appears in the mirror
	require.NoError(t, pres.Track(presence.SessionData{
		SessionID: "remote-1", DocumentID: "doc-1", UserID: 2,
		Name: "Bob", Color: "#4ECDC4", ServerID: "server-b",
	}))

	before := len(connA.received(EventUsersChanged))
	hub.RemoteRosterChanged(presence.RosterEvent{
		DocumentID: "doc-1", SessionID: "remote-1", UserID: 2,
		Name: "Bob", Joined: true, ServerID: "server-b",
	})

	frames := connA.received(EventUsersChanged)
	require.Len(t, frames, before+1)

	var roster []RosterEntry
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload.(json.RawMessage), &roster))
	require.Len(t, roster, 2)
	assert.ElementsMatch(t,
		[]string{"Alice", "Bob"},
		[]string{roster[0].Name, roster[1].Name})

	// this instance's own events are skipped
	hub.RemoteRosterChanged(presence.RosterEvent{DocumentID: "doc-1", ServerID: "server-a"})
	assert.Len(t, connA.received(EventUsersChanged), before+1)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	room, _ := hub.Room("doc-1")
	room.ApplyDrawingBatch(a, json.RawMessage(`[{"id":"x"}]`))

	done := make(chan error, 1)
	go func() {
		done <- room.Checkpoint(context.Background(), a)
	}()

	// wait for the server's content request, then reply like a client would
	require.Eventually(t, func() bool {
		return len(connA.received(EventRequestState)) == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, a.DeliverContent(json.RawMessage(`{"ops":[{"insert":"hi"}]}`)))

	require.NoError(t, <-done)

	content, drawings, saves := store.saved("doc-1")
	assert.JSONEq(t, `{"ops":[{"insert":"hi"}]}`, content)
	assert.JSONEq(t, `[{"id":"x"}]`, drawings)
	assert.Equal(t, 1, saves)
	assert.Len(t, connA.received(EventSaveConfirmed), 1)
}

func TestCheckpointIdempotent(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	room, _ := hub.Room("doc-1")

	content := json.RawMessage(`{"ops":[]}`)
	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() {
			done <- room.Checkpoint(context.Background(), a)
		}()
		want := i + 1
		require.Eventually(t, func() bool {
			return len(connA.received(EventRequestState)) == want
		}, time.Second, 5*time.Millisecond)
		require.True(t, a.DeliverContent(content))
		require.NoError(t, <-done)
	}

	saved, drawings, saves := store.saved("doc-1")
	assert.Equal(t, 2, saves)
	assert.JSONEq(t, string(content), saved)
	assert.JSONEq(t, "[]", drawings)
}

func TestCheckpointTimeout(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	room, _ := hub.Room("doc-1")

	err := room.Checkpoint(context.Background(), a)
	assert.ErrorIs(t, err, ErrCheckpointTimeout)
	assert.Len(t, connA.received(EventSaveError), 1)

	_, _, saves := store.saved("doc-1")
	assert.Zero(t, saves)

	// a late reply after the timeout is dropped, not delivered
	assert.False(t, a.DeliverContent(json.RawMessage(`{}`)))
}

func TestCheckpointAbandonedOnDisconnect(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, _, _ = joinSession(t, hub, "doc-1", "Bob", 2)
	room, _ := hub.Room("doc-1")

	done := make(chan error, 1)
	go func() {
		done <- room.Checkpoint(context.Background(), a)
	}()

	require.Eventually(t, func() bool {
		return len(connA.received(EventRequestState)) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Leave("doc-1", a)

	assert.ErrorIs(t, <-done, ErrSessionClosed)
	_, _, saves := store.saved("doc-1")
	assert.Zero(t, saves)

	// roster excludes A immediately
	roster := room.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "Bob", roster[0].Name)
}

func TestCheckpointMalformedReply(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	room, _ := hub.Room("doc-1")

	done := make(chan error, 1)
	go func() {
		done <- room.Checkpoint(context.Background(), a)
	}()
	require.Eventually(t, func() bool {
		return len(connA.received(EventRequestState)) == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, a.DeliverContent(json.RawMessage(`{broken`)))

	assert.ErrorIs(t, <-done, ErrMalformedContent)
	assert.Len(t, connA.received(EventSaveError), 1)

	_, _, saves := store.saved("doc-1")
	assert.Zero(t, saves)
}

func TestCheckpointDeniedForReadOnlySession(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	conn := &fakeConn{}
	s := NewSession(conn, 9, "Viewer", false)
	_, err := hub.Join("doc-1", s)
	require.NoError(t, err)

	room, _ := hub.Room("doc-1")
	err = room.Checkpoint(context.Background(), s)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Len(t, conn.received(EventAccessDenied), 1)
	assert.Empty(t, conn.received(EventRequestState))
}

func TestCheckpointOnePendingPerSession(t *testing.T) {
	store := newFakeStore()
	hub := newTestHub(store)

	a, connA, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	room, _ := hub.Room("doc-1")

	done := make(chan error, 1)
	go func() {
		done <- room.Checkpoint(context.Background(), a)
	}()
	require.Eventually(t, func() bool {
		return len(connA.received(EventRequestState)) == 1
	}, time.Second, 5*time.Millisecond)

	// second checkpoint while the first round-trip is pending is refused
	err := room.Checkpoint(context.Background(), a)
	assert.ErrorIs(t, err, ErrCheckpointInFlight)

	require.True(t, a.DeliverContent(json.RawMessage(`{}`)))
	require.NoError(t, <-done)
}

func TestConcurrentRoomsAreIndependent(t *testing.T) {
	hub := newTestHub(newFakeStore())

	a, _, _ := joinSession(t, hub, "doc-1", "Alice", 1)
	_, connB, _ := joinSession(t, hub, "doc-2", "Bob", 2)

	room1, _ := hub.Room("doc-1")
	room1.RelayText(a, json.RawMessage(`{"ops":[]}`))

	assert.Empty(t, connB.received(EventReceiveChanges))
	assert.Equal(t, 2, hub.RoomCount())
}
