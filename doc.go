// Package lazybind binds wrapper objects to a platform library that only
// becomes available after an asynchronous bootstrap.
//
// Callers construct wrappers, register listeners and invoke methods
// immediately. Anything that needs the platform, or the wrapper's own native
// handle, is recorded and replayed, in the order it was issued, once both
// exist.
//
// # Architecture
//
// The package is built from four parts, leaves first:
//
//   - A listener registry, mapping event types to ordered listener records.
//   - [Events], which adds dispatch, removal and "has fired" memory on top of
//     the registry. Listeners may be registered with once, only and
//     call-immediate semantics (see [WithOnce], [WithOnly] and
//     [WithCallImmediate]).
//   - [Loader], which performs the single bootstrap of the platform. Concurrent
//     [Loader.Load] calls share one in-flight bootstrap and one
//     [eventloop.ChainedPromise]. The "ready" event is dispatched exactly once.
//   - [Gate], which waits on platform readiness, then constructs the native
//     handle and drains queued work in FIFO order.
//
// [Entity] composes one [Events] and one [Gate], and is the building block
// for concrete wrappers, such as the ones in the wasmplatform package.
//
// # Execution Model
//
// All loader settlement, gate transitions, native construction and queued work
// run on the goroutine of an [eventloop.Loop], provided via [WithLoop]. Public
// methods are safe to call from any goroutine. Work submitted from a single
// goroutine is replayed in submission order.
//
// # Failure
//
// A failed bootstrap rejects every promise that shared it, then resets the
// loader to [LoadUnstarted], so a later [Loader.Load] starts a fresh attempt.
// Work queued behind a failed bootstrap stays queued until a retry succeeds.
// Explicit retries may be throttled via [WithRetryRates].
package lazybind
