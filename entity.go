package lazybind

import (
	"context"
	"sync"
)

// VisibleEvent is dispatched by an [Entity], to its own listeners only, once
// its native handle is bound.
const VisibleEvent = "visible"

// Binder supplies the native half of an [Entity].
type Binder[P, N any] interface {
	// Construct creates the native handle, from the loaded platform. It is
	// called at most once, on the loop goroutine.
	Construct(platform P) (N, error)

	// Listen subscribes to eventType on the native handle, calling forward
	// with the payload of each native event, returning a function that
	// removes the subscription. It is called at most once per event type, on
	// the loop goroutine.
	Listen(native N, eventType string, forward func(data map[string]any)) (func(), error)
}

// Entity is a wrapper object, usable before its native handle exists.
//
// Listener registrations take effect locally, immediately, and are mirrored
// onto the native handle, one forwarding subscription per event type, once it
// is bound. Native method calls made via [Entity.Invoke] share the same queue
// as those subscriptions, preserving the order in which they were requested.
type Entity[P, N any] struct {
	events *Events
	gate   *Gate[P, N]
	binder Binder[P, N]
	loader *Loader[P]
	// loop-confined
	unlisteners map[string]func()
	closed      bool
	closeErr    error
	closeOnce   sync.Once
}

// NewEntity creates an [Entity], which will be bound using the given loader
// and binder.
func NewEntity[P, N any](loader *Loader[P], binder Binder[P, N]) *Entity[P, N] {
	if binder == nil {
		panic("lazybind: binder must not be nil")
	}
	x := &Entity[P, N]{
		binder:      binder,
		loader:      loader,
		unlisteners: make(map[string]func()),
	}
	x.events = NewEvents(x)
	x.gate = NewGate(loader, binder.Construct)
	x.gate.OnBound(func(N) {
		x.events.Dispatch(VisibleEvent, nil)
	})
	return x
}

// On registers a listener, see [Events.On]. Unless eventType is
// [VisibleEvent], or the listener was not retained, a native forwarding
// subscription is also requested, which may trigger the bootstrap of the
// platform.
func (x *Entity[P, N]) On(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	id, err := x.events.On(eventType, fn, opts...)
	if err != nil {
		return 0, err
	}
	if id == 0 || eventType == VisibleEvent {
		return id, nil
	}
	return id, x.gate.RunWhenBound(func(native N) {
		x.attach(native, eventType)
	})
}

// Once is [Entity.On] with [WithOnce].
func (x *Entity[P, N]) Once(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	return x.On(eventType, fn, append(opts, WithOnce())...)
}

// OnlyOnce is [Entity.On] with [WithOnce] and [WithOnly].
func (x *Entity[P, N]) OnlyOnce(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	return x.On(eventType, fn, append(opts, WithOnce(), WithOnly())...)
}

// OnImmediate is [Entity.On] with [WithCallImmediate].
func (x *Entity[P, N]) OnImmediate(eventType string, fn Listener, opts ...ListenOption) (ListenerID, error) {
	return x.On(eventType, fn, append(opts, WithCallImmediate())...)
}

// attach must be called on the loop goroutine.
func (x *Entity[P, N]) attach(native N, eventType string) {
	if x.closed {
		return
	}
	if _, ok := x.unlisteners[eventType]; ok {
		return
	}
	unlisten, err := x.binder.Listen(native, eventType, func(data map[string]any) {
		x.events.Dispatch(eventType, data)
	})
	if err != nil {
		x.loader.logger.Err().
			Err(err).
			Str(`type`, eventType).
			Log(`lazybind: native listen failed`)
		return
	}
	if unlisten == nil {
		unlisten = func() {}
	}
	x.unlisteners[eventType] = unlisten
	x.loader.logger.Debug().
		Str(`type`, eventType).
		Log(`lazybind: native forwarding attached`)
}

// Invoke schedules fn to be called with the native handle, after all work
// requested before it, see [Gate.RunWhenBound].
func (x *Entity[P, N]) Invoke(fn func(N)) error {
	return x.gate.RunWhenBound(fn)
}

// Off removes a listener, see [Events.Off]. The native forwarding
// subscription is retained until [Entity.Close].
func (x *Entity[P, N]) Off(eventType string, id ListenerID) bool {
	return x.events.Off(eventType, id)
}

// OffType removes every listener for eventType.
func (x *Entity[P, N]) OffType(eventType string) int {
	return x.events.OffType(eventType)
}

// OffAll removes every listener.
func (x *Entity[P, N]) OffAll() {
	x.events.OffAll()
}

// HasListener returns true if eventType has at least one listener.
func (x *Entity[P, N]) HasListener(eventType string) bool {
	return x.events.HasListener(eventType)
}

// HasListenerID returns true if the listener is registered for eventType.
func (x *Entity[P, N]) HasListenerID(eventType string, id ListenerID) bool {
	return x.events.HasListenerID(eventType, id)
}

// Dispatch dispatches an event to the entity's listeners, see
// [Events.Dispatch]. The native handle is not involved.
func (x *Entity[P, N]) Dispatch(eventType string, data map[string]any) {
	x.events.Dispatch(eventType, data)
}

// Trigger is an alias for [Entity.Dispatch].
func (x *Entity[P, N]) Trigger(eventType string, data map[string]any) {
	x.events.Dispatch(eventType, data)
}

// Events returns the entity's listener table.
func (x *Entity[P, N]) Events() *Events {
	return x.events
}

// Gate returns the entity's binding gate.
func (x *Entity[P, N]) Gate() *Gate[P, N] {
	return x.gate
}

// State returns the state of the entity's gate.
func (x *Entity[P, N]) State() GateState {
	return x.gate.State()
}

// Native returns the native handle without waiting, see [Gate.Native].
func (x *Entity[P, N]) Native() (N, error) {
	return x.gate.Native()
}

// WaitNative blocks until the native handle is bound, see [Gate.WaitNative].
func (x *Entity[P, N]) WaitNative(ctx context.Context) (N, error) {
	return x.gate.WaitNative(ctx)
}

// Close removes every listener, and schedules the removal of every native
// forwarding subscription. Subscriptions requested after Close are ignored.
// It does not release the native handle itself.
func (x *Entity[P, N]) Close() error {
	x.closeOnce.Do(func() {
		x.events.OffAll()
		x.closeErr = x.loader.loop.Submit(func() {
			x.closed = true
			for eventType, unlisten := range x.unlisteners {
				delete(x.unlisteners, eventType)
				unlisten()
			}
		})
	})
	return x.closeErr
}
