package wasmplatform_test

import (
	"context"
	"testing"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-lazybind"
	"github.com/joeycumines/go-lazybind/wasmplatform"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

// emitterWasm is a module equivalent to:
//
//	(module
//	  (import "lazybind" "emit" (func $emit (param i32 i32 i64)))
//	  (memory (export "memory") 1)
//	  (data (i32.const 0) "click")
//	  (func (export "ping") (call $emit (i32.const 0) (i32.const 5) (i64.const 42)))
//	  (func (export "add") (param i32 i32) (result i32)
//	    (i32.add (local.get 0) (local.get 1))))
var emitterWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type
	0x01, 0x10, 0x03,
	0x60, 0x03, 0x7f, 0x7f, 0x7e, 0x00,
	0x60, 0x00, 0x00,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// import
	0x02, 0x11, 0x01,
	0x08, 'l', 'a', 'z', 'y', 'b', 'i', 'n', 'd',
	0x04, 'e', 'm', 'i', 't',
	0x00, 0x00,
	// function
	0x03, 0x03, 0x02, 0x01, 0x02,
	// memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export
	0x07, 0x17, 0x03,
	0x04, 'p', 'i', 'n', 'g', 0x00, 0x01,
	0x03, 'a', 'd', 'd', 0x00, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	// code
	0x0a, 0x14, 0x02,
	0x0a, 0x00, 0x41, 0x00, 0x41, 0x05, 0x42, 0x2a, 0x10, 0x00, 0x0b,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
	// data
	0x0b, 0x0b, 0x01,
	0x00, 0x41, 0x00, 0x0b,
	0x05, 'c', 'l', 'i', 'c', 'k',
}

// emptyWasm is the smallest valid module.
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

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

func newTestLoader(t testing.TB, source wasmplatform.Source, cfg lazybind.Config) *lazybind.Loader[*wasmplatform.Platform] {
	t.Helper()
	loader, err := lazybind.NewLoader[*wasmplatform.Platform](
		wasmplatform.NewBootstrapper(source),
		lazybind.WithLoop(newTestLoop(t)),
		lazybind.WithConfig(cfg),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if platform, ok := loader.Platform(); ok {
			_ = platform.Close(context.Background())
		}
	})
	return loader
}

func testContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}
