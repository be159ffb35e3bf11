package lazybind

import (
	"context"
	"fmt"
	"sync"

	eventloop "github.com/joeycumines/go-eventloop"
)

// GateState is the binding state of a [Gate].
type GateState int32

const (
	// GateUnbound is the initial state: nothing has requested the native
	// handle yet.
	GateUnbound GateState = iota
	// GatePlatformPending indicates work is queued, waiting for the platform.
	GatePlatformPending
	// GateConstructing indicates the native handle is being constructed, or
	// queued work is being drained.
	GateConstructing
	// GateBound is terminal: the native handle exists, and queued work has
	// been drained.
	GateBound
	// GateFailed is terminal: construction of the native handle failed, see
	// [Gate.Err]. Queued work is discarded.
	GateFailed
)

// String returns a human-readable representation of the state.
func (s GateState) String() string {
	switch s {
	case GateUnbound:
		return "Unbound"
	case GatePlatformPending:
		return "PlatformPending"
	case GateConstructing:
		return "Constructing"
	case GateBound:
		return "Bound"
	case GateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("GateState(%d)", int32(s))
	}
}

// Gate defers work that needs a native handle of type N, constructed from a
// platform of type P, until both exist.
//
// Work submitted via [Gate.RunWhenBound] runs on the loop goroutine, in the
// order it was submitted. The native handle is constructed at most once.
//
// Thread Safety:
// Gate is safe for concurrent use. State transitions happen only on the loop
// goroutine.
type Gate[P, N any] struct {
	native    N
	loader    *Loader[P]
	construct func(P) (N, error)
	err       error
	bound     chan struct{}
	// loop-confined
	pending []func(N)
	onBound []func(N)
	state   GateState
	mu      sync.RWMutex
}

// NewGate creates a [Gate], using construct to create the native handle,
// once the loader's platform is ready.
func NewGate[P, N any](loader *Loader[P], construct func(P) (N, error)) *Gate[P, N] {
	if loader == nil {
		panic("lazybind: loader must not be nil")
	}
	if construct == nil {
		panic("lazybind: construct must not be nil")
	}
	return &Gate[P, N]{
		loader:    loader,
		construct: construct,
		bound:     make(chan struct{}),
	}
}

// RunWhenBound schedules fn to run, on the loop goroutine, with the native
// handle. If the gate is bound, fn runs on the next turn of the loop,
// otherwise it is queued, and the gate begins binding, requesting the
// platform from the loader if necessary.
//
// The returned error is non-nil only if the loop rejected the submission.
func (x *Gate[P, N]) RunWhenBound(fn func(N)) error {
	if fn == nil {
		return &eventloop.TypeError{Message: "lazybind: gate work must not be nil"}
	}
	return x.loader.loop.Submit(func() { x.run(fn) })
}

// OnBound registers fn to run, on the loop goroutine, when the gate becomes
// bound, after queued work has been drained. Must be called before the first
// [Gate.RunWhenBound].
func (x *Gate[P, N]) OnBound(fn func(N)) {
	x.onBound = append(x.onBound, fn)
}

// run must be called on the loop goroutine.
func (x *Gate[P, N]) run(fn func(N)) {
	switch x.State() {
	case GateBound:
		x.safeRun(fn, x.native)
	case GateFailed:
		x.loader.logger.Debug().
			Log(`lazybind: discarding work for failed gate`)
	case GateUnbound:
		x.pending = append(x.pending, fn)
		x.setState(GatePlatformPending)
		x.loader.subscribeReady(x.bind)
		if x.State() == GatePlatformPending {
			x.request()
		}
	default:
		// already progressing, including during construction
		x.pending = append(x.pending, fn)
	}
}

// request asks the loader for the platform, logging failures, which leave the
// gate waiting for a later successful bootstrap.
func (x *Gate[P, N]) request() {
	x.loader.Load().Catch(func(reason any) any {
		x.loader.logger.Warning().
			Err(reasonError(reason)).
			Log(`lazybind: gate waiting on failed platform load`)
		return nil
	})
}

// bind runs on ready, on the loop goroutine.
func (x *Gate[P, N]) bind() {
	if x.State() != GatePlatformPending {
		return
	}

	platform, _ := x.loader.Platform()

	x.setState(GateConstructing)

	native, err := x.safeConstruct(platform)
	if err != nil {
		x.mu.Lock()
		x.err = &ConstructError{Cause: err}
		x.state = GateFailed
		x.mu.Unlock()
		x.pending = nil
		x.loader.logger.Err().
			Err(err).
			Log(`lazybind: native construction failed`)
		close(x.bound)
		return
	}

	x.mu.Lock()
	x.native = native
	x.mu.Unlock()

	// work queued by drained work is appended, and drained in order
	for len(x.pending) != 0 {
		fn := x.pending[0]
		x.pending[0] = nil
		x.pending = x.pending[1:]
		x.safeRun(fn, native)
	}
	x.pending = nil

	x.setState(GateBound)
	close(x.bound)

	x.loader.logger.Debug().
		Log(`lazybind: gate bound`)

	for _, fn := range x.onBound {
		x.safeRun(fn, native)
	}
}

// safeRun isolates a panic in fn to fn, logging it.
func (x *Gate[P, N]) safeRun(fn func(N), native N) {
	defer func() {
		if r := recover(); r != nil {
			x.loader.logger.Err().
				Err(eventloop.PanicError{Value: r}).
				Log(`lazybind: gate work panicked`)
		}
	}()
	fn(native)
}

func (x *Gate[P, N]) safeConstruct(platform P) (native N, err error) {
	completed := false
	defer func() {
		if !completed {
			err = eventloop.PanicError{Value: recover()}
		}
	}()
	native, err = x.construct(platform)
	completed = true
	return
}

func (x *Gate[P, N]) setState(state GateState) {
	x.mu.Lock()
	x.state = state
	x.mu.Unlock()
}

// State returns the current [GateState].
func (x *Gate[P, N]) State() GateState {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

// Err returns the construction error, if the gate is [GateFailed].
func (x *Gate[P, N]) Err() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.err
}

// Native returns the native handle without waiting. If the handle has not
// been constructed, the error satisfies errors.Is(err, [ErrUnresolvedNative]).
func (x *Gate[P, N]) Native() (N, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	switch x.state {
	case GateBound:
		return x.native, nil
	case GateFailed:
		var zero N
		return zero, fmt.Errorf("%w: %w", ErrUnresolvedNative, x.err)
	default:
		var zero N
		return zero, fmt.Errorf("%w (state %s)", ErrUnresolvedNative, x.state)
	}
}

// MustNative is like [Gate.Native], but panics with the error.
func (x *Gate[P, N]) MustNative() N {
	native, err := x.Native()
	if err != nil {
		panic(err)
	}
	return native
}

// WaitNative blocks until the gate is bound or failed, or ctx is done. It
// does not start binding, see [Gate.RunWhenBound].
//
// WaitNative must not be called from the loop goroutine.
func (x *Gate[P, N]) WaitNative(ctx context.Context) (N, error) {
	select {
	case <-ctx.Done():
		var zero N
		return zero, ctx.Err()
	case <-x.bound:
		return x.Native()
	}
}

// Bound returns a channel closed once the gate is bound or failed.
func (x *Gate[P, N]) Bound() <-chan struct{} {
	return x.bound
}
