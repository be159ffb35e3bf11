package wasmplatform

import (
	"context"

	"github.com/joeycumines/go-lazybind"
)

// Module is an instance of a library, usable before the platform has
// loaded. Listener registrations and calls are replayed, in order, once the
// instance exists.
//
// Events emitted by the guest are dispatched to the module's listeners, with
// data containing "instance" and "value" fields.
type Module struct {
	*lazybind.Entity[*Platform, *Instance]
	library string
	name    string
}

// NewModule creates a [Module], which will instantiate library under the
// given name, once the loader's platform is ready.
func NewModule(loader *lazybind.Loader[*Platform], library, name string) *Module {
	return &Module{
		Entity:  lazybind.NewEntity[*Platform, *Instance](loader, moduleBinder{library: library, name: name}),
		library: library,
		name:    name,
	}
}

// Library returns the name of the library.
func (x *Module) Library() string {
	return x.library
}

// Name returns the name of the instance.
func (x *Module) Name() string {
	return x.name
}

type callResult struct {
	err    error
	values []uint64
}

// Call queues a call to an exported function, and waits for the result. It
// returns early if ctx is done, or the instance could not be created.
//
// Call must not be called from the loop goroutine.
func (x *Module) Call(ctx context.Context, fn string, params ...uint64) ([]uint64, error) {
	ch := make(chan callResult, 1)
	if err := x.Invoke(func(inst *Instance) {
		values, err := inst.Call(ctx, fn, params...)
		ch <- callResult{values: values, err: err}
	}); err != nil {
		return nil, err
	}

	bound := x.Gate().Bound()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			return res.values, res.err
		case <-bound:
			if err := x.Gate().Err(); err != nil {
				return nil, err
			}
			bound = nil
		}
	}
}

// Close removes every listener, then closes the instance, if it exists.
func (x *Module) Close(ctx context.Context) error {
	if err := x.Entity.Close(); err != nil {
		return err
	}
	inst, err := x.Native()
	if err != nil {
		return nil
	}
	return inst.Close(ctx)
}

type moduleBinder struct {
	library string
	name    string
}

func (x moduleBinder) Construct(platform *Platform) (*Instance, error) {
	return platform.Instantiate(context.Background(), x.library, x.name)
}

func (x moduleBinder) Listen(inst *Instance, eventType string, forward func(map[string]any)) (func(), error) {
	return inst.Listen(eventType, forward), nil
}
