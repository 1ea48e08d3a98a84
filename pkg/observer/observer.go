// Package observer implements the Change Observer: it keeps a snapshot of
// the last-seen effective value per watched configuration name, compares it
// after every refresh cycle, and dispatches registered callbacks for the
// names whose effective value changed. Unlike a fire-and-forget broadcast
// that hands every event to every subscriber, a Registry hands (old, new)
// only to the watchers registered on the one name that actually changed.
package observer

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/cuemby/configcore/pkg/log"
	"github.com/cuemby/configcore/pkg/metrics"
)

// Callback receives the previous and current effective value document for a
// watched name. Either may be nil — e.g. old is nil the first time a
// watched name gains a value, new is nil if it is deleted outright.
type Callback func(old, new json.RawMessage)

// Handle is an opaque identifier returned by Watch, usable to Unwatch later.
type Handle uint64

type watcher struct {
	handle Handle
	name   string
	fn     Callback
}

// Registry is the Change Observer. The zero value is not usable; construct
// with New.
type Registry struct {
	mu        sync.Mutex
	snapshots map[string]json.RawMessage
	watchers  map[string][]watcher
	nextID    uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		snapshots: make(map[string]json.RawMessage),
		watchers:  make(map[string][]watcher),
	}
}

// Watch registers fn to be invoked whenever name's effective value changes
// across a refresh cycle. Registration does not trigger an initial call —
// only a real change fires a callback. Multiple callbacks on the same name
// fire in registration order.
func (r *Registry) Watch(name string, fn Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := Handle(r.nextID)
	r.watchers[name] = append(r.watchers[name], watcher{handle: h, name: name, fn: fn})
	return h
}

// Unwatch removes a previously registered callback by its handle. It is a
// no-op if the handle is unknown or already removed.
func (r *Registry) Unwatch(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ws := range r.watchers {
		for i, w := range ws {
			if w.handle == h {
				r.watchers[name] = append(ws[:i], ws[i+1:]...)
				if len(r.watchers[name]) == 0 {
					delete(r.watchers, name)
				}
				return
			}
		}
	}
}

// Compare diffs newValue against name's last-seen snapshot and, if
// different, updates the snapshot and dispatches every callback registered
// on name with (old, new). It is called once per watched name per refresh
// cycle from the refresh pipeline, never directly by a lookup. A nil
// newValue represents the name having no effective value under the
// comparison's chosen scope (see configcore's empty-scope policy).
//
// The first Compare for a name establishes the baseline snapshot without
// dispatching: only a change relative to an already-seen value fires, so a
// freshly registered watcher stays quiet through the refresh cycle that
// first loads its name.
func (r *Registry) Compare(name string, newValue json.RawMessage) {
	r.mu.Lock()
	old, seen := r.snapshots[name]
	if !seen {
		r.snapshots[name] = newValue
		r.mu.Unlock()
		return
	}
	if documentsEqual(old, newValue) {
		r.mu.Unlock()
		return
	}
	r.snapshots[name] = newValue
	ws := append([]watcher(nil), r.watchers[name]...)
	r.mu.Unlock()

	for _, w := range ws {
		dispatch(name, w, old, newValue)
	}
}

// dispatch invokes a single callback with panic containment: a callback
// that raises or panics must never take down the refresh cycle that
// triggered it, or prevent other watchers on the same name from running.
func dispatch(name string, w watcher, old, new json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObserverDispatchesTotal.WithLabelValues("panic").Inc()
			l := log.WithKey(name)
			l.Error().Interface("panic", rec).Msg("observer: callback panicked, continuing")
		}
	}()
	w.fn(old, new)
	metrics.ObserverDispatchesTotal.WithLabelValues("ok").Inc()
}

// WatchedNames returns every name with at least one registered watcher.
func (r *Registry) WatchedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.watchers))
	for name := range r.watchers {
		names = append(names, name)
	}
	return names
}

// documentsEqual does a byte-compact structural comparison of two value
// documents: each is re-marshaled to canonical JSON so key order and
// whitespace differences never register as a change.
func documentsEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, errA := canonicalize(a)
	cb, errB := canonicalize(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
