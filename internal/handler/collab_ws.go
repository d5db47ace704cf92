package handler

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/contrib/websocket"

	"docsync-backend/internal/collab"
)

// CollabWSHandler is the websocket endpoint for document rooms. One
// HandleWebSocket call is one participant session; the read loop below is
// the only reader of the connection, so checkpoint replies must be delivered
// from it rather than awaited in it.
type CollabWSHandler struct {
	hub            *collab.Hub
	maxMessageSize int64
}

// NewCollabWSHandler creates a CollabWSHandler
func NewCollabWSHandler(hub *collab.Hub, maxMessageSize int64) *CollabWSHandler {
	return &CollabWSHandler{
		hub:            hub,
		maxMessageSize: maxMessageSize,
	}
}

// HandleWebSocket joins the room picked by the upgrade middleware and pumps
// events until the connection drops.
func (h *CollabWSHandler) HandleWebSocket(c *websocket.Conn) {
	documentID, ok1 := c.Locals("documentID").(string)
	userID, ok2 := c.Locals("userID").(int64)
	name, ok3 := c.Locals("name").(string)
	canWrite, ok4 := c.Locals("canWrite").(bool)

	if !ok1 || !ok2 || !ok3 || !ok4 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"error":"invalid session"}}`))
		c.Close()
		return
	}

	session := collab.NewSession(c, userID, name, canWrite)

	state, err := h.hub.Join(documentID, session)
	if err != nil {
		log.Printf("[CollabWS] Join failed for user %d on %s: %v", userID, documentID, err)
		session.Send(collab.Message{Type: collab.EventAccessDenied, Payload: fiberErr("failed to open document")})
		session.Close()
		return
	}

	log.Printf("[CollabWS] Connected: doc=%s session=%s user=%d", documentID, session.ID, userID)

	// initial state goes to the joiner only; the roster broadcast already
	// reached the whole room during Join
	session.Send(collab.Message{Type: collab.EventLoadDocument, Payload: state.Content})
	session.Send(collab.Message{Type: collab.EventLoadDrawings, Payload: state.Drawings})

	ctx, cancel := context.WithCancel(context.Background())

	defer func() {
		cancel()
		h.hub.Leave(documentID, session)
		log.Printf("[CollabWS] Disconnected: doc=%s session=%s user=%d", documentID, session.ID, userID)
	}()

	if h.maxMessageSize > 0 {
		c.SetReadLimit(h.maxMessageSize)
	}

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			return
		}

		var env collab.Envelope
		if err := json.Unmarshal(msgBytes, &env); err != nil {
			continue
		}

		h.hub.Touch(session)

		room, ok := h.hub.Room(documentID)
		if !ok {
			return
		}

		switch env.Type {
		case collab.EventSendChanges:
			if !h.allowWrite(session) {
				continue
			}
			room.RelayText(session, env.Payload)
			h.hub.Trace(documentID, session, "text-delta")

		case collab.EventFontChange:
			if !h.allowWrite(session) {
				continue
			}
			room.RelayFont(session, env.Payload)

		case collab.EventCursorMove:
			var pos collab.CursorPosition
			if err := json.Unmarshal(env.Payload, &pos); err != nil {
				continue
			}
			room.UpdateCursor(session, pos)

		case collab.EventDrawingsBatch:
			if !h.allowWrite(session) {
				continue
			}
			room.ApplyDrawingBatch(session, env.Payload)
			h.hub.Trace(documentID, session, "drawing-batch")

		case collab.EventDrawingPatch:
			if !h.allowWrite(session) {
				continue
			}
			room.ApplyDrawingPatch(session, env.Payload)
			h.hub.Trace(documentID, session, "drawing-patch")

		case collab.EventClearDrawings:
			if !h.allowWrite(session) {
				continue
			}
			room.ClearDrawings(session)
			h.hub.Trace(documentID, session, "drawing-clear")

		case collab.EventSaveDocument:
			// the round-trip waits for a document-state reply that arrives
			// through this same read loop, so it cannot block here
			go func() {
				if err := room.Checkpoint(ctx, session); err != nil {
					log.Printf("[CollabWS] Checkpoint skipped for %s: %v", session.ID, err)
				}
			}()

		case collab.EventDocumentState:
			session.DeliverContent(env.Payload)

		case collab.EventGetDocument:
			// late re-request, e.g. after a client-side editor reset
			if content, err := h.hub.DocumentContent(documentID, session.UserID); err == nil {
				session.Send(collab.Message{Type: collab.EventLoadDocument, Payload: content})
			}
			session.Send(collab.Message{Type: collab.EventLoadDrawings, Payload: room.DrawingsJSON()})
			session.Send(collab.Message{Type: collab.EventUsersChanged, Payload: room.Roster()})
		}
	}
}

func (h *CollabWSHandler) allowWrite(session *collab.Session) bool {
	if session.CanWrite {
		return true
	}
	session.Send(collab.Message{Type: collab.EventAccessDenied, Payload: fiberErr("not authorized to edit this document")})
	return false
}

func fiberErr(msg string) map[string]string {
	return map[string]string{"error": msg}
}
