package lazybind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/logiface"
)

// loaderOptions holds configuration for a [Loader] instance.
type loaderOptions struct {
	ctx     context.Context
	loop    *eventloop.Loop
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	config  Config
}

// LoaderOption configures a [Loader] instance. Options are applied during
// loader construction.
type LoaderOption interface {
	applyLoader(*loaderOptions) error
}

// loaderOptionImpl implements [LoaderOption] via a closure.
type loaderOptionImpl struct {
	fn func(*loaderOptions) error
}

func (o *loaderOptionImpl) applyLoader(opts *loaderOptions) error {
	return o.fn(opts)
}

// WithLoop configures the event loop that the loader, and every gate built
// on it, runs on. The loop must not be nil. Required.
func WithLoop(loop *eventloop.Loop) LoaderOption {
	return &loaderOptionImpl{fn: func(opts *loaderOptions) error {
		if loop == nil {
			return errors.New("lazybind: loop must not be nil")
		}
		opts.loop = loop
		return nil
	}}
}

// WithConfig configures the [Config] passed to the bootstrapper. It is
// validated on each bootstrap attempt, not at construction.
func WithConfig(cfg Config) LoaderOption {
	return &loaderOptionImpl{fn: func(opts *loaderOptions) error {
		opts.config = cfg.clone()
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoaderOption {
	return &loaderOptionImpl{fn: func(opts *loaderOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRetryRates limits how often a bootstrap may be attempted, using
// sliding windows of the given durations and counts. Attempts over the limit
// reject with [ErrLoadThrottled], without changing the load state. The rates
// must be valid per [catrate.NewLimiter].
//
// [catrate.NewLimiter]: https://pkg.go.dev/github.com/joeycumines/go-catrate#NewLimiter
func WithRetryRates(rates map[time.Duration]int) LoaderOption {
	return &loaderOptionImpl{fn: func(opts *loaderOptions) error {
		if len(rates) == 0 {
			return errors.New("lazybind: retry rates must not be empty")
		}
		limiter, err := newRetryLimiter(rates)
		if err != nil {
			return err
		}
		opts.limiter = limiter
		return nil
	}}
}

// newRetryLimiter converts the panic of catrate.NewLimiter into an error.
func newRetryLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lazybind: invalid retry rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// WithContext configures the context passed to the bootstrapper. Cancelling
// it is the only way to abort an in-flight bootstrap. Defaults to
// [context.Background].
func WithContext(ctx context.Context) LoaderOption {
	return &loaderOptionImpl{fn: func(opts *loaderOptions) error {
		if ctx == nil {
			return errors.New("lazybind: context must not be nil")
		}
		opts.ctx = ctx
		return nil
	}}
}

// resolveLoaderOptions applies the given options to a default [loaderOptions].
func resolveLoaderOptions(opts []LoaderOption) (*loaderOptions, error) {
	cfg := &loaderOptions{ctx: context.Background()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoader(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.loop == nil {
		return nil, errors.New("lazybind: loop must be provided via WithLoop")
	}
	return cfg, nil
}

// listenOptions holds the flags of a single listener registration.
type listenOptions struct {
	receiver      any
	once          bool
	only          bool
	callImmediate bool
}

// ListenOption configures a listener registration, see [Events.On].
type ListenOption interface {
	applyListen(*listenOptions)
}

type listenOptionImpl func(*listenOptions)

func (o listenOptionImpl) applyListen(opts *listenOptions) { o(opts) }

// WithOnce removes the listener after its first invocation.
func WithOnce() ListenOption {
	return listenOptionImpl(func(opts *listenOptions) { opts.once = true })
}

// WithOnly makes the registration a no-op if the event type already has a
// listener, or has ever accepted a WithOnly registration. Exclusivity lasts
// until [Events.OffType] or [Events.OffAll].
func WithOnly() ListenOption {
	return listenOptionImpl(func(opts *listenOptions) { opts.only = true })
}

// WithCallImmediate invokes the listener during registration, with the last
// payload, if the event type has already been dispatched.
func WithCallImmediate() ListenOption {
	return listenOptionImpl(func(opts *listenOptions) { opts.callImmediate = true })
}

// WithReceiver attaches an arbitrary value to the registration, exposed to
// the listener as [Event.Receiver].
func WithReceiver(receiver any) ListenOption {
	return listenOptionImpl(func(opts *listenOptions) { opts.receiver = receiver })
}

func resolveListenOptions(opts []ListenOption) listenOptions {
	var cfg listenOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyListen(&cfg)
		}
	}
	return cfg
}
