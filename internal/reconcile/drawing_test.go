package reconcile

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSurface records ApplyScene calls and can feed them back into the guard
// the way a real surface's change callback would.
type fakeSurface struct {
	mu       sync.Mutex
	applied  []json.RawMessage
	callback func(elements json.RawMessage)
	block    chan struct{}
}

func (s *fakeSurface) ApplyScene(elements json.RawMessage) error {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	s.applied = append(s.applied, elements)
	cb := s.callback
	s.mu.Unlock()

	if cb != nil {
		cb(elements)
	}
	return nil
}

func (s *fakeSurface) scenes() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.applied))
	copy(out, s.applied)
	return out
}

type emitRecorder struct {
	mu      sync.Mutex
	emitted []json.RawMessage
}

func (r *emitRecorder) emit(elements json.RawMessage) {
	r.mu.Lock()
	r.emitted = append(r.emitted, elements)
	r.mu.Unlock()
}

func (r *emitRecorder) all() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]json.RawMessage, len(r.emitted))
	copy(out, r.emitted)
	return out
}

func TestApplyRemoteReachesSurface(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	payload := json.RawMessage(`[{"id":"x"}]`)
	d.ApplyRemote(payload)

	scenes := surface.scenes()
	require.Len(t, scenes, 1)
	assert.JSONEq(t, string(payload), string(scenes[0]))
	assert.Equal(t, Idle, d.Phase())
}

func TestRemoteEchoDoesNotReemit(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	// the surface change callback fires for programmatic applies too
	surface.callback = d.LocalChange

	d.ApplyRemote(json.RawMessage(`[{"id":"x"}]`))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all(), "server-applied update must not be relayed back")
	assert.Equal(t, Idle, d.Phase())
}

func TestConcurrentRemoteUpdatesQueueInOrder(t *testing.T) {
	surface := &fakeSurface{block: make(chan struct{})}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	first := json.RawMessage(`[{"id":"a"}]`)
	second := json.RawMessage(`[{"id":"b"}]`)
	third := json.RawMessage(`[{"id":"c"}]`)

	done := make(chan struct{})
	go func() {
		d.ApplyRemote(first)
		close(done)
	}()

	// wait until the first apply is in flight, then pile two more on
	require.Eventually(t, func() bool {
		return d.Phase() == ApplyingRemote
	}, time.Second, time.Millisecond)
	d.ApplyRemote(second)
	d.ApplyRemote(third)
	assert.Empty(t, surface.scenes(), "queued payloads must wait for the active apply")

	// release all three applies
	close(surface.block)
	<-done

	require.Eventually(t, func() bool {
		return len(surface.scenes()) == 3
	}, time.Second, time.Millisecond)

	scenes := surface.scenes()
	assert.JSONEq(t, string(first), string(scenes[0]))
	assert.JSONEq(t, string(second), string(scenes[1]))
	assert.JSONEq(t, string(third), string(scenes[2]))
	assert.Equal(t, Idle, d.Phase())
}

func TestLocalChangeDebounced(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 20*time.Millisecond)
	defer d.Close()

	d.LocalChange(json.RawMessage(`[{"id":"a","v":1}]`))
	d.LocalChange(json.RawMessage(`[{"id":"a","v":2}]`))
	d.LocalChange(json.RawMessage(`[{"id":"a","v":3}]`))
	assert.Equal(t, LocalPending, d.Phase())

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, time.Millisecond)

	// only the final edit inside the window goes out
	assert.JSONEq(t, `[{"id":"a","v":3}]`, string(rec.all()[0]))
	assert.Equal(t, Idle, d.Phase())
}

func TestLocalChangeUnchangedCollectionIgnored(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	d.Seed(json.RawMessage(`[{"id":"a"}]`))
	// same structure, different whitespace
	d.LocalChange(json.RawMessage(`[ {"id": "a"} ]`))

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, rec.all())
	assert.Equal(t, Idle, d.Phase())
}

func TestCloseCancelsPendingSend(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 20*time.Millisecond)

	d.LocalChange(json.RawMessage(`[{"id":"a"}]`))
	d.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.all(), "disconnect must cancel the debounced send")
}

func TestRemoteDuringLocalPendingStillEmitsLocalEdit(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 30*time.Millisecond)
	defer d.Close()

	local := json.RawMessage(`[{"id":"mine"}]`)
	d.LocalChange(local)
	d.ApplyRemote(json.RawMessage(`[{"id":"theirs"}]`))

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, time.Millisecond)

	// the emitted payload is the local edit, not the remote one
	assert.JSONEq(t, string(local), string(rec.all()[0]))
}

func TestDisjointEditsConverge(t *testing.T) {
	// two guards wired back to back through relays, editing disjoint ids
	surfaceA := &fakeSurface{}
	surfaceB := &fakeSurface{}
	var a, b *Drawing

	a = NewDrawing(surfaceA, func(elements json.RawMessage) {
		b.ApplyRemote(elements)
	}, 5*time.Millisecond)
	b = NewDrawing(surfaceB, func(elements json.RawMessage) {
		a.ApplyRemote(elements)
	}, 5*time.Millisecond)
	defer a.Close()
	defer b.Close()

	surfaceA.callback = a.LocalChange
	surfaceB.callback = b.LocalChange

	a.LocalChange(json.RawMessage(`[{"id":"x"},{"id":"y","by":"b"}]`))

	require.Eventually(t, func() bool {
		scenes := surfaceB.scenes()
		return len(scenes) == 1
	}, time.Second, time.Millisecond)

	// B applied A's collection and its echo callback produced no re-emission
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, surfaceA.scenes(), 0, "A must not receive its own edit back")
	assert.JSONEq(t, `[{"id":"x"},{"id":"y","by":"b"}]`, string(surfaceB.scenes()[0]))
}

func TestRemotePatchMergesById(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	surface.callback = d.LocalChange

	d.Seed(json.RawMessage(`[{"id":"x","shape":"circle"},{"id":"y","shape":"line"}]`))

	// known id replaces in place; the rest of the scene survives
	d.ApplyRemotePatch(json.RawMessage(`{"id":"x","shape":"square"}`))
	scenes := surface.scenes()
	require.Len(t, scenes, 1)
	assert.JSONEq(t,
		`[{"id":"x","shape":"square"},{"id":"y","shape":"line"}]`,
		string(scenes[0]))

	// unseen id appends
	d.ApplyRemotePatch(json.RawMessage(`{"id":"z","shape":"dot"}`))
	scenes = surface.scenes()
	require.Len(t, scenes, 2)
	assert.JSONEq(t,
		`[{"id":"x","shape":"square"},{"id":"y","shape":"line"},{"id":"z","shape":"dot"}]`,
		string(scenes[1]))

	// the merged applies are server-originated and must not be relayed back
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all())
	assert.Equal(t, Idle, d.Phase())
}

func TestRemotePatchIntoEmptyScene(t *testing.T) {
	surface := &fakeSurface{}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	d.ApplyRemotePatch(json.RawMessage(`{"id":"x","shape":"circle"}`))

	scenes := surface.scenes()
	require.Len(t, scenes, 1)
	assert.JSONEq(t, `[{"id":"x","shape":"circle"}]`, string(scenes[0]))
}

func TestRemotePatchQueuedBehindFullReplacement(t *testing.T) {
	surface := &fakeSurface{block: make(chan struct{})}
	rec := &emitRecorder{}
	d := NewDrawing(surface, rec.emit, 10*time.Millisecond)
	defer d.Close()

	d.Seed(json.RawMessage(`[{"id":"stale"}]`))

	done := make(chan struct{})
	go func() {
		d.ApplyRemote(json.RawMessage(`[{"id":"a"},{"id":"b"}]`))
		close(done)
	}()

	require.Eventually(t, func() bool {
		return d.Phase() == ApplyingRemote
	}, time.Second, time.Millisecond)

	// queued behind the replacement, the patch must merge into the
	// replacement, not the scene that existed when it arrived
	d.ApplyRemotePatch(json.RawMessage(`{"id":"b","moved":true}`))

	close(surface.block)
	<-done

	require.Eventually(t, func() bool {
		return len(surface.scenes()) == 2
	}, time.Second, time.Millisecond)

	scenes := surface.scenes()
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(scenes[0]))
	assert.JSONEq(t, `[{"id":"a"},{"id":"b","moved":true}]`, string(scenes[1]))
	assert.Equal(t, Idle, d.Phase())
}
