package collab

import "encoding/json"

// Wire event names. Inbound names are what clients send, outbound names are
// what the server emits. A full-collection update goes out under a different
// name than it came in on; a single-element patch keeps its name in both
// directions, and receivers merge it by id instead of replacing their scene.
const (
	// inbound
	EventGetDocument   = "get-document"
	EventSendChanges   = "send-changes"
	EventFontChange    = "font-change"
	EventCursorMove    = "cursor-move"
	EventDrawingsBatch = "update-drawings-batch"
	EventClearDrawings = "clear-drawings"
	EventSaveDocument  = "save-document"
	EventDocumentState = "document-state"

	// both directions
	EventDrawingPatch = "drawing-element-updated"

	// outbound
	EventLoadDocument      = "load-document"
	EventLoadDrawings      = "load-drawings"
	EventReceiveChanges    = "receive-changes"
	EventReceiveFontChange = "receive-font-change"
	EventCursorUpdate      = "cursor-update"
	EventUsersChanged      = "users-changed"
	EventDrawingsUpdated   = "drawings-updated"
	EventDrawingsCleared   = "drawings-cleared"
	EventRequestState      = "request-document-state"
	EventSaveConfirmed     = "save-confirmed"
	EventSaveError         = "save-error"
	EventAccessDenied      = "access-denied"
)

// Envelope is an inbound frame. Payload stays raw so relay paths never
// re-serialize what a client sent.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound frame
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// CursorPosition is a text selection: caret index plus selection length
type CursorPosition struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// CursorBroadcast announces one participant's cursor to the rest of the room
type CursorBroadcast struct {
	SessionID string `json:"sessionId"`
	UserID    int64  `json:"userId"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Index     int    `json:"index"`
	Length    int    `json:"length"`
}

// RosterEntry is one participant as seen in a users-changed broadcast
type RosterEntry struct {
	SessionID string         `json:"sessionId"`
	UserID    int64          `json:"userId"`
	Name      string         `json:"name"`
	Color     string         `json:"color"`
	Cursor    CursorPosition `json:"cursor"`
}

// JoinState is delivered to a joining session only
type JoinState struct {
	Content  json.RawMessage `json:"content"`
	Drawings json.RawMessage `json:"drawings"`
	Roster   []RosterEntry   `json:"roster"`
}
