// Package reconcile is the client-side guard between a drawing surface and
// the sync server. The surface's change callback fires for programmatic and
// user-driven mutations alike, so relaying every callback straight back to
// the server would loop updates between participants forever. The guard runs
// a small state machine that serializes incoming server payloads and
// debounces outgoing local edits.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// Phase of the drawing guard
type Phase int

const (
	// Idle: no apply in progress, no local edit waiting to be sent
	Idle Phase = iota
	// ApplyingRemote: a server payload is being applied to the surface;
	// surface callbacks in this phase are echoes, not user edits
	ApplyingRemote
	// LocalPending: a user edit happened and its send is debounced
	LocalPending
)

func (p Phase) String() string {
	switch p {
	case ApplyingRemote:
		return "applying-remote"
	case LocalPending:
		return "local-pending"
	default:
		return "idle"
	}
}

// Surface is the drawing surface. ApplyScene replaces the rendered element
// collection wholesale and returns when the apply has completed; its return
// drives the state machine, not a timer.
type Surface interface {
	ApplyScene(elements json.RawMessage) error
}

// Emitter sends a full-collection update to the server
type Emitter func(elements json.RawMessage)

// remoteUpdate is one queued server payload: a full collection, or a single
// element to merge by id.
type remoteUpdate struct {
	payload json.RawMessage
	patch   bool
}

// Drawing guards one drawing surface
type Drawing struct {
	surface  Surface
	emit     Emitter
	debounce time.Duration

	mu      sync.Mutex
	phase   Phase
	pending []remoteUpdate
	last    json.RawMessage
	outbox  json.RawMessage
	timer   *time.Timer
	closed  bool
}

// NewDrawing creates a guard. debounce bounds how often local edits are sent;
// zero picks the default 300ms.
func NewDrawing(surface Surface, emit Emitter, debounce time.Duration) *Drawing {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Drawing{
		surface:  surface,
		emit:     emit,
		debounce: debounce,
	}
}

// Seed records the initial collection delivered at join time, without
// applying or emitting anything.
func (d *Drawing) Seed(elements json.RawMessage) {
	d.mu.Lock()
	d.last = compact(elements)
	d.mu.Unlock()
}

// Phase returns the current phase
func (d *Drawing) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// ApplyRemote handles a server-originated full-collection payload. While one
// payload is being applied, later arrivals queue in FIFO order and drain one
// at a time after each apply completes; no two payloads are ever in flight
// at once and none is dropped.
func (d *Drawing) ApplyRemote(elements json.RawMessage) {
	d.applyRemote(remoteUpdate{payload: elements})
}

// ApplyRemotePatch handles a server-originated single-element update. The
// element replaces its counterpart in the last-known collection, or appends
// when the id is unseen, and the merged collection runs through the same
// queue and phase machinery as a full payload.
func (d *Drawing) ApplyRemotePatch(element json.RawMessage) {
	d.applyRemote(remoteUpdate{payload: element, patch: true})
}

func (d *Drawing) applyRemote(u remoteUpdate) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.phase == ApplyingRemote {
		d.pending = append(d.pending, u)
		d.mu.Unlock()
		return
	}
	d.phase = ApplyingRemote
	next := d.sceneLocked(u)
	d.mu.Unlock()

	for {
		// surface call happens outside the lock so its change callback can
		// re-enter LocalChange without deadlocking
		d.surface.ApplyScene(next)

		d.mu.Lock()
		d.last = compact(next)
		if d.closed {
			d.pending = nil
			d.mu.Unlock()
			return
		}
		if len(d.pending) == 0 {
			if d.timer != nil {
				d.phase = LocalPending
			} else {
				d.phase = Idle
			}
			d.mu.Unlock()
			return
		}
		u = d.pending[0]
		d.pending = d.pending[1:]
		next = d.sceneLocked(u)
		d.mu.Unlock()
	}
}

// sceneLocked resolves a queued update to the full collection to render.
// Patches merge against the collection as it stands when they drain, so a
// patch queued behind a full replacement lands on the replacement.
func (d *Drawing) sceneLocked(u remoteUpdate) json.RawMessage {
	if !u.patch {
		return u.payload
	}
	return mergeElement(d.last, u.payload)
}

// mergeElement replaces the element sharing the patch's id, or appends when
// the id is unseen. An unreadable collection or a patch without an id falls
// back to keeping what is already there.
func mergeElement(collection, element json.RawMessage) json.RawMessage {
	var elements []json.RawMessage
	if len(collection) > 0 {
		if err := json.Unmarshal(collection, &elements); err != nil {
			elements = nil
		}
	}

	id, ok := patchID(element)
	if !ok {
		if len(collection) == 0 {
			return json.RawMessage("[]")
		}
		return collection
	}

	replaced := false
	for i, existing := range elements {
		if existingID, ok := patchID(existing); ok && existingID == id {
			elements[i] = element
			replaced = true
			break
		}
	}
	if !replaced {
		elements = append(elements, element)
	}

	merged, err := json.Marshal(elements)
	if err != nil {
		return collection
	}
	return merged
}

// patchID pulls the stable identifier out of an opaque element payload
func patchID(raw json.RawMessage) (string, bool) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
		return "", false
	}
	return probe.ID, true
}

// LocalChange handles the surface's change callback. During ApplyingRemote
// the callback is a side effect of a server apply and is ignored. A genuine
// edit that leaves the collection structurally unchanged is also ignored.
// Otherwise the send is debounced, resetting on every further edit.
func (d *Drawing) LocalChange(elements json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.phase == ApplyingRemote {
		return
	}

	current := compact(elements)
	if bytes.Equal(current, d.last) {
		return
	}

	d.last = current
	d.outbox = current
	d.phase = LocalPending

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.debounce, d.flush)
}

func (d *Drawing) flush() {
	d.mu.Lock()
	if d.closed || d.outbox == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	payload := d.outbox
	d.outbox = nil
	if d.phase == LocalPending {
		d.phase = Idle
	}
	d.mu.Unlock()

	d.emit(payload)
}

// Close cancels any pending debounced send and queued remote payloads
func (d *Drawing) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// compact normalizes JSON for structural comparison
func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
