package lazybind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/logiface"
)

// retryCategory is the catrate category for bootstrap attempts.
const retryCategory = "bootstrap"

var errBootstrapExited = errors.New("lazybind: bootstrap goroutine exited without returning")

// ReadyEvent is dispatched by a [Loader], exactly once, when the platform
// becomes available.
const ReadyEvent = "ready"

// LoadState is the bootstrap state of a [Loader].
type LoadState int32

const (
	// LoadUnstarted is the initial state, and the state after a failed
	// bootstrap.
	LoadUnstarted LoadState = iota
	// LoadLoading indicates a bootstrap is in flight.
	LoadLoading
	// LoadLoaded is terminal: the platform is available.
	LoadLoaded
)

// String returns a human-readable representation of the state.
func (s LoadState) String() string {
	switch s {
	case LoadUnstarted:
		return "Unstarted"
	case LoadLoading:
		return "Loading"
	case LoadLoaded:
		return "Loaded"
	default:
		return fmt.Sprintf("LoadState(%d)", int32(s))
	}
}

// Bootstrapper performs the one real bootstrap of a platform of type P.
//
// Bootstrap is called on its own goroutine, and must return either the
// platform, or an error. It is never called again after a success.
type Bootstrapper[P any] interface {
	Bootstrap(ctx context.Context, cfg Config) (P, error)
}

// BootstrapFunc adapts a function to [Bootstrapper].
type BootstrapFunc[P any] func(ctx context.Context, cfg Config) (P, error)

// Bootstrap implements [Bootstrapper].
func (f BootstrapFunc[P]) Bootstrap(ctx context.Context, cfg Config) (P, error) {
	return f(ctx, cfg)
}

// Loader performs the asynchronous bootstrap of a platform, at most once
// successfully, coalescing concurrent requests.
//
// A loader is typically shared by every [Gate] (and [Entity]) that needs the
// platform. It is safe for concurrent use.
type Loader[P any] struct {
	platform     P
	ctx          context.Context
	bootstrapper Bootstrapper[P]
	loop         *eventloop.Loop
	js           *eventloop.JS
	events       *Events
	logger       *logiface.Logger[logiface.Event]
	limiter      *catrate.Limiter
	// inflight is the shared promise while loading, and the resolved promise
	// once loaded
	inflight *eventloop.ChainedPromise
	resolve  eventloop.ResolveFunc
	reject   eventloop.RejectFunc
	lastErr  error
	config   Config
	attempts int
	state    LoadState
	mu       sync.Mutex
}

// NewLoader creates a [Loader] for the given bootstrapper. The [WithLoop]
// option is required.
func NewLoader[P any](bootstrapper Bootstrapper[P], opts ...LoaderOption) (*Loader[P], error) {
	if bootstrapper == nil {
		return nil, errors.New("lazybind: bootstrapper must not be nil")
	}

	cfg, err := resolveLoaderOptions(opts)
	if err != nil {
		return nil, err
	}

	x := &Loader[P]{
		ctx:          cfg.ctx,
		bootstrapper: bootstrapper,
		loop:         cfg.loop,
		logger:       cfg.logger,
		config:       cfg.config,
		limiter:      cfg.limiter,
	}

	x.js, err = eventloop.NewJS(cfg.loop, eventloop.WithUnhandledRejection(x.unhandledRejection))
	if err != nil {
		return nil, fmt.Errorf("lazybind: create js adapter: %w", err)
	}

	x.events = NewEvents(x)

	return x, nil
}

// Load requests that the platform be made available, returning a promise
// that resolves with the platform.
//
// If the platform is loaded, the returned promise is already resolved. If a
// bootstrap is in flight, the same promise is returned to every caller. Only
// otherwise is a new bootstrap started, after validating the [Config]. A
// missing API key rejects with [ErrMissingCredential], and a throttled
// attempt rejects with [ErrLoadThrottled], neither of which changes the
// state. A failed bootstrap rejects with a [*BootstrapError], and resets the
// state to [LoadUnstarted].
func (x *Loader[P]) Load() *eventloop.ChainedPromise {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch x.state {
	case LoadLoaded, LoadLoading:
		return x.inflight
	}

	if err := x.config.Validate(); err != nil {
		x.logger.Err().
			Err(err).
			Log(`lazybind: refusing to bootstrap`)
		return x.js.Reject(err)
	}

	if next, ok := x.limiter.Allow(retryCategory); !ok {
		err := fmt.Errorf("%w: next attempt allowed at %s", ErrLoadThrottled, next.Format(time.RFC3339Nano))
		x.logger.Warning().
			Err(err).
			Log(`lazybind: bootstrap throttled`)
		return x.js.Reject(err)
	}

	x.attempts++
	x.state = LoadLoading
	x.inflight, x.resolve, x.reject = x.js.NewChainedPromise()

	x.logger.Debug().
		Int(`attempt`, x.attempts).
		Str(`version`, x.config.Version).
		Int(`libraries`, len(x.config.Libraries)).
		Log(`lazybind: bootstrap started`)

	go x.bootstrap(x.attempts, x.config.clone())

	return x.inflight
}

// bootstrap runs on its own goroutine, and settles on the loop.
func (x *Loader[P]) bootstrap(attempt int, cfg Config) {
	var (
		platform  P
		err       error
		completed bool
		started   = time.Now()
	)

	defer func() {
		if r := recover(); r != nil {
			err = eventloop.PanicError{Value: r}
		} else if !completed {
			err = errBootstrapExited
		}

		if err != nil {
			err = &BootstrapError{Attempt: attempt, Cause: err}
		}

		settle := func() { x.settle(platform, err, time.Since(started)) }

		if submitErr := x.loop.SubmitInternal(settle); submitErr != nil {
			// loop terminated, settle directly so the promise still settles
			settle()
		}
	}()

	platform, err = x.bootstrapper.Bootstrap(x.ctx, cfg)
	completed = true
}

func (x *Loader[P]) settle(platform P, err error, elapsed time.Duration) {
	x.mu.Lock()
	resolve, reject := x.resolve, x.reject
	x.resolve, x.reject = nil, nil
	if err != nil {
		x.state = LoadUnstarted
		x.inflight = nil
		x.lastErr = err
	} else {
		x.state = LoadLoaded
		x.platform = platform
		x.lastErr = nil
	}
	x.mu.Unlock()

	if err != nil {
		x.logger.Err().
			Err(err).
			Dur(`elapsed`, elapsed).
			Log(`lazybind: bootstrap failed`)
		reject(err)
		return
	}

	x.logger.Info().
		Dur(`elapsed`, elapsed).
		Log(`lazybind: platform ready`)

	// settled first, so a panicking listener cannot strand awaiters
	resolve(platform)
	x.events.Dispatch(ReadyEvent, nil)
}

// Wait calls [Loader.Load], and blocks until the returned promise settles, or
// ctx is done. Cancelling ctx abandons the wait, not the bootstrap.
//
// Wait must not be called from the loop goroutine.
func (x *Loader[P]) Wait(ctx context.Context) (P, error) {
	var zero P
	p := x.Load()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.ToChannel():
	}
	if p.State() == eventloop.Rejected {
		return zero, reasonError(p.Reason())
	}
	platform, _ := p.Value().(P)
	return platform, nil
}

// OnReady subscribes to [ReadyEvent]. The registration is performed on the
// next turn of the loop, and if the platform is already loaded, fn is
// invoked on that turn, without another bootstrap.
func (x *Loader[P]) OnReady(fn Listener, opts ...ListenOption) error {
	if fn == nil {
		return &eventloop.TypeError{
			Message: ErrInvalidListener.Error(),
			Cause:   ErrInvalidListener,
		}
	}
	opts = append(opts, WithCallImmediate())
	return x.loop.Submit(func() {
		_, _ = x.events.On(ReadyEvent, x.recoverListener(fn), opts...)
	})
}

// OnceReady is [Loader.OnReady] with [WithOnce].
func (x *Loader[P]) OnceReady(fn Listener, opts ...ListenOption) error {
	return x.OnReady(fn, append(opts, WithOnce())...)
}

// subscribeReady must be called on the loop goroutine.
func (x *Loader[P]) subscribeReady(fn func()) {
	_, _ = x.events.On(ReadyEvent, x.recoverListener(func(*Event) { fn() }), WithOnce(), WithCallImmediate())
}

// recoverListener isolates ready listeners from each other, logging panics.
func (x *Loader[P]) recoverListener(fn Listener) Listener {
	return func(event *Event) {
		defer func() {
			if r := recover(); r != nil {
				x.logger.Err().
					Err(eventloop.PanicError{Value: r}).
					Str(`type`, event.Type).
					Log(`lazybind: listener panicked`)
			}
		}()
		fn(event)
	}
}

// State returns the current [LoadState].
func (x *Loader[P]) State() LoadState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Platform returns the platform, if loaded.
func (x *Loader[P]) Platform() (P, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.platform, x.state == LoadLoaded
}

// Attempts returns the number of bootstraps started.
func (x *Loader[P]) Attempts() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.attempts
}

// LastError returns the error of the most recent failed bootstrap, cleared
// on success.
func (x *Loader[P]) LastError() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastErr
}

// Loop returns the event loop the loader runs on.
func (x *Loader[P]) Loop() *eventloop.Loop {
	return x.loop
}

// JS returns the adapter used to create the loader's promises.
func (x *Loader[P]) JS() *eventloop.JS {
	return x.js
}

func (x *Loader[P]) unhandledRejection(reason any) {
	x.logger.Warning().
		Err(reasonError(reason)).
		Log(`lazybind: unhandled load rejection`)
}
