package lazybind

import (
	"maps"
	"sync"

	eventloop "github.com/joeycumines/go-eventloop"
)

// Listener is a callback registered via [Events.On].
type Listener func(event *Event)

// Event is the envelope passed to each [Listener].
//
// Event is NOT safe for concurrent access, and must not be retained beyond
// the listener call. Data is shared by every listener of a dispatch.
type Event struct { //nolint:govet // betteralign:ignore
	// Type is the dispatched event type.
	Type string

	// Data is the dispatch payload, which may be nil.
	Data map[string]any

	// Target is the owner of the [Events] instance, as passed to [NewEvents].
	Target any

	// Receiver is the value given to [WithReceiver], if any.
	Receiver any
}

// Events is a per-object listener table, with dispatch and "has fired"
// memory.
//
// Thread Safety:
// Events is safe for concurrent use. Listeners are always invoked without any
// internal lock held, and may call back into the same Events, including to
// register or remove listeners for the type being dispatched.
type Events struct {
	target   any
	registry *listenerRegistry
	// fired is the dispatch memory: present keys have been dispatched at
	// least once, mapped to the last payload
	fired map[string]map[string]any
	mu    sync.Mutex
}

// NewEvents creates an empty [Events]. The target is exposed to listeners as
// [Event.Target].
func NewEvents(target any) *Events {
	return &Events{
		target:   target,
		registry: newListenerRegistry(),
		fired:    make(map[string]map[string]any),
	}
}

// On registers a listener for eventType.
//
// Returns an error satisfying errors.Is(err, [ErrInvalidListener]) if fn is
// nil, in which case nothing is registered.
//
// The returned ID is zero if the listener was not retained, which happens if
// [WithOnly] refused the registration, or if a [WithOnce] listener was
// invoked immediately by [WithCallImmediate].
func (x *Events) On(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	if fn == nil {
		return 0, &eventloop.TypeError{
			Message: ErrInvalidListener.Error(),
			Cause:   ErrInvalidListener,
		}
	}

	cfg := resolveListenOptions(opts)

	x.mu.Lock()

	if x.registry.refuses(eventType, cfg) {
		x.mu.Unlock()
		return 0, nil
	}

	data, fired := x.fired[eventType]
	if !cfg.callImmediate || !fired {
		rec, _ := x.registry.add(eventType, fn, cfg)
		x.mu.Unlock()
		return rec.id, nil
	}

	var rec listenerRecord
	if cfg.once {
		rec = x.registry.newRecord(eventType, fn, cfg)
	} else {
		rec, _ = x.registry.add(eventType, fn, cfg)
	}
	x.mu.Unlock()

	if rec.claim() {
		x.invoke(rec, eventType, data)
	}

	if cfg.once {
		return 0, nil
	}
	return rec.id, nil
}

// Once registers a listener that is removed after its first invocation.
func (x *Events) Once(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	return x.On(eventType, fn, append(opts, WithOnce())...)
}

// OnlyOnce registers a once listener, unless eventType already has a listener.
func (x *Events) OnlyOnce(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	return x.On(eventType, fn, append(opts, WithOnce(), WithOnly())...)
}

// OnImmediate registers a listener that is also invoked immediately, if
// eventType has already been dispatched.
func (x *Events) OnImmediate(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	return x.On(eventType, fn, append(opts, WithCallImmediate())...)
}

// Dispatch records that eventType has fired, then synchronously invokes its
// listeners in registration order.
//
// Listeners are taken from a snapshot made before the first invocation:
// listeners added during dispatch are not invoked, and removing a listener
// during dispatch does not prevent other listeners in the snapshot from being
// invoked. Once listeners in the snapshot are removed after they run.
//
// Panics propagate to the caller.
func (x *Events) Dispatch(eventType string, data map[string]any) {
	x.mu.Lock()
	x.fired[eventType] = maps.Clone(data)
	entries := x.registry.snapshot(eventType)
	x.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	var removeIDs []ListenerID
	defer func() {
		if len(removeIDs) == 0 {
			return
		}
		x.mu.Lock()
		for _, id := range removeIDs {
			x.registry.remove(eventType, id)
		}
		x.mu.Unlock()
	}()

	for _, entry := range entries {
		if !entry.claim() {
			continue
		}
		if entry.once {
			removeIDs = append(removeIDs, entry.id)
		}
		x.invoke(entry, eventType, data)
	}
}

// Trigger is an alias for [Events.Dispatch].
func (x *Events) Trigger(eventType string, data map[string]any) {
	x.Dispatch(eventType, data)
}

func (x *Events) invoke(rec listenerRecord, eventType string, data map[string]any) {
	rec.fn(&Event{
		Type:     eventType,
		Data:     data,
		Target:   x.target,
		Receiver: rec.receiver,
	})
}

// Off removes the listener with the given ID, returning true if it was found.
func (x *Events) Off(eventType string, id ListenerID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.registry.remove(eventType, id)
}

// OffType removes every listener for eventType, returning the number removed.
// It also clears the exclusivity established by [WithOnly].
func (x *Events) OffType(eventType string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.registry.clear(eventType)
}

// OffAll removes every listener, for all event types, and clears all
// exclusivity established by [WithOnly]. Dispatch memory is retained.
func (x *Events) OffAll() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.registry.clearAll()
}

// HasListener returns true if eventType has at least one listener.
func (x *Events) HasListener(eventType string) bool {
	return x.ListenerCount(eventType) != 0
}

// HasListenerID returns true if the listener with the given ID is registered
// for eventType.
func (x *Events) HasListenerID(eventType string, id ListenerID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.registry.has(eventType, id)
}

// ListenerCount returns the number of listeners for eventType.
func (x *Events) ListenerCount(eventType string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.registry.count(eventType)
}

// Types returns the event types that currently have listeners, sorted.
func (x *Events) Types() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.registry.types()
}

// Fired returns true if eventType has been dispatched at least once.
func (x *Events) Fired(eventType string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.fired[eventType]
	return ok
}
