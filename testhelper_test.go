package lazybind_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-lazybind"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// testConfig is a config that passes validation.
var testConfig = lazybind.Config{APIKey: `test-key`, Version: `1.0`}

// newTestLoop creates and starts an event loop, stopped on cleanup.
func newTestLoop(t testing.TB) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger() (*logiface.Logger[logiface.Event], *syncBuffer) {
	buf := new(syncBuffer)
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
	return logger, buf
}

// testPlatform is the platform type used by most tests.
type testPlatform struct {
	name string
}

type bootstrapResult struct {
	platform *testPlatform
	err      error
	panic    any
}

// testBootstrapper blocks each bootstrap until a result is sent.
type testBootstrapper struct {
	results chan bootstrapResult
	started chan lazybind.Config
}

func newTestBootstrapper() *testBootstrapper {
	return &testBootstrapper{
		results: make(chan bootstrapResult, 16),
		started: make(chan lazybind.Config, 16),
	}
}

func (x *testBootstrapper) Bootstrap(ctx context.Context, cfg lazybind.Config) (*testPlatform, error) {
	x.started <- cfg
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-x.results:
		if r.panic != nil {
			panic(r.panic)
		}
		return r.platform, r.err
	}
}

func (x *testBootstrapper) succeed(name string) {
	x.results <- bootstrapResult{platform: &testPlatform{name: name}}
}

func (x *testBootstrapper) fail(err error) {
	x.results <- bootstrapResult{err: err}
}

func (x *testBootstrapper) awaitStarted(t testing.TB) lazybind.Config {
	t.Helper()
	select {
	case cfg := <-x.started:
		return cfg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for bootstrap to start")
		return lazybind.Config{}
	}
}

func newTestLoader(t testing.TB, bootstrapper lazybind.Bootstrapper[*testPlatform], opts ...lazybind.LoaderOption) *lazybind.Loader[*testPlatform] {
	t.Helper()
	opts = append([]lazybind.LoaderOption{
		lazybind.WithLoop(newTestLoop(t)),
		lazybind.WithConfig(testConfig),
	}, opts...)
	loader, err := lazybind.NewLoader(bootstrapper, opts...)
	require.NoError(t, err)
	return loader
}

// onLoop runs fn on the loop goroutine, and waits for it to complete.
func onLoop(t testing.TB, loop *eventloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for loop")
	}
}

// flush waits until the loop has processed everything submitted before it.
func flush(t testing.TB, loop *eventloop.Loop) {
	t.Helper()
	onLoop(t, loop, func() {})
}

// awaitPromise waits for a promise to settle.
func awaitPromise(t testing.TB, p *eventloop.ChainedPromise) {
	t.Helper()
	select {
	case <-p.ToChannel():
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for promise")
	}
}

func awaitClosed[T any](t testing.TB, ch <-chan T) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for channel")
	}
}

// recorder is a goroutine-safe ordered log of strings.
type recorder struct {
	values []string
	mu     sync.Mutex
}

func (x *recorder) add(v string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.values = append(x.values, v)
}

func (x *recorder) get() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.values...)
}
