// Package wasmplatform is a lazybind platform backed by WebAssembly, using
// the wazero runtime.
//
// The platform is a set of libraries, each a compiled WebAssembly module,
// fetched from a [Source] and compiled once by the [Bootstrapper]. Native
// handles are module instances ([Instance]), and [Module] is the wrapper
// entity, usable before the platform has loaded.
//
// Guest modules raise events by importing a host function:
//
//	(import "lazybind" "emit" (func (param i32 i32 i64)))
//
// The parameters are the pointer and length of the event type, a UTF-8
// string in the guest's exported memory, and an arbitrary value, which is
// delivered to listeners as the "value" field of the event data.
package wasmplatform
