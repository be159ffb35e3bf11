package wasmplatform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/joeycumines/go-lazybind"
	"github.com/joeycumines/logiface"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	hostModuleName = `lazybind`
	emitFuncName   = `emit`
)

var (
	// ErrUnknownLibrary indicates a library that was not loaded by the platform.
	ErrUnknownLibrary = errors.New("wasmplatform: unknown library")

	// ErrFunctionNotFound indicates an instance has no such exported function.
	ErrFunctionNotFound = errors.New("wasmplatform: function not found")

	// ErrClosed indicates use of a closed platform or instance.
	ErrClosed = errors.New("wasmplatform: closed")
)

// Option configures a [Bootstrapper].
type Option interface {
	apply(*Bootstrapper)
}

type optionFunc func(*Bootstrapper)

func (f optionFunc) apply(b *Bootstrapper) { f(b) }

// WithRuntimeConfig configures the wazero runtime. Defaults to
// [wazero.NewRuntimeConfig].
func WithRuntimeConfig(cfg wazero.RuntimeConfig) Option {
	return optionFunc(func(b *Bootstrapper) { b.runtimeConfig = cfg })
}

// WithLogger configures structured logging, for the bootstrap and for guest
// events that could not be delivered.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(b *Bootstrapper) { b.logger = logger })
}

// Bootstrapper loads a [Platform]. It implements
// [lazybind.Bootstrapper][*Platform].
type Bootstrapper struct {
	source        Source
	runtimeConfig wazero.RuntimeConfig
	logger        *logiface.Logger[logiface.Event]
}

var _ lazybind.Bootstrapper[*Platform] = (*Bootstrapper)(nil)

// NewBootstrapper creates a [Bootstrapper], fetching libraries from source.
func NewBootstrapper(source Source, opts ...Option) *Bootstrapper {
	if source == nil {
		panic("wasmplatform: source must not be nil")
	}
	b := &Bootstrapper{source: source}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(b)
		}
	}
	if b.runtimeConfig == nil {
		b.runtimeConfig = wazero.NewRuntimeConfig()
	}
	return b
}

// Bootstrap fetches and compiles every library in cfg, into a new runtime.
func (x *Bootstrapper) Bootstrap(ctx context.Context, cfg lazybind.Config) (*Platform, error) {
	binaries, err := x.source.Fetch(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("wasmplatform: fetch libraries: %w", err)
	}

	p := &Platform{
		runtime:   wazero.NewRuntimeWithConfig(ctx, x.runtimeConfig),
		compiled:  make(map[string]wazero.CompiledModule, len(binaries)),
		instances: make(map[string]*Instance),
		version:   cfg.Version,
		logger:    x.logger,
	}

	if err := p.init(ctx, binaries); err != nil {
		_ = p.runtime.Close(ctx)
		return nil, err
	}

	x.logger.Debug().
		Str(`version`, cfg.Version).
		Int(`libraries`, len(p.compiled)).
		Log(`wasmplatform: platform compiled`)

	return p, nil
}

// Platform is a wazero runtime, with every library compiled.
//
// Platform is safe for concurrent use.
type Platform struct {
	runtime   wazero.Runtime
	compiled  map[string]wazero.CompiledModule
	instances map[string]*Instance
	logger    *logiface.Logger[logiface.Event]
	version   string
	closed    bool
	mu        sync.Mutex
}

func (x *Platform) init(ctx context.Context, binaries map[string][]byte) error {
	_, err := x.runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(x.emit), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64}, nil).
		Export(emitFuncName).
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wasmplatform: instantiate host module: %w", err)
	}

	libraries := make([]string, 0, len(binaries))
	for library := range binaries {
		libraries = append(libraries, library)
	}
	sort.Strings(libraries)

	for _, library := range libraries {
		compiled, err := x.runtime.CompileModule(ctx, binaries[library])
		if err != nil {
			return fmt.Errorf("wasmplatform: compile %q: %w", library, err)
		}
		x.compiled[library] = compiled
	}

	return nil
}

// emit is the host function called by guests, see the package docs.
func (x *Platform) emit(_ context.Context, mod api.Module, stack []uint64) {
	ptr, size, value := api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), int64(stack[2])

	x.mu.Lock()
	inst := x.instances[mod.Name()]
	x.mu.Unlock()
	if inst == nil {
		return
	}

	var (
		b  []byte
		ok bool
	)
	if mem := mod.Memory(); mem != nil {
		b, ok = mem.Read(ptr, size)
	}
	if !ok {
		x.logger.Warning().
			Str(`instance`, inst.name).
			Log(`wasmplatform: dropped event with unreadable type`)
		return
	}

	inst.emit(string(b), value)
}

// Version returns the version the platform was loaded with.
func (x *Platform) Version() string {
	return x.version
}

// Libraries returns the names of the loaded libraries, sorted.
func (x *Platform) Libraries() []string {
	libraries := make([]string, 0, len(x.compiled))
	for library := range x.compiled {
		libraries = append(libraries, library)
	}
	sort.Strings(libraries)
	return libraries
}

// Instantiate creates an instance of a library. Instance names must be
// unique within the platform.
func (x *Platform) Instantiate(ctx context.Context, library, name string) (*Instance, error) {
	compiled, ok := x.compiled[library]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLibrary, library)
	}
	if name == `` {
		return nil, errors.New("wasmplatform: instance name must not be empty")
	}

	inst := &Instance{
		platform:  x,
		name:      name,
		library:   library,
		listeners: make(map[string]map[uint64]func(map[string]any)),
	}

	// registered first, so start functions may emit
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := x.instances[name]; ok || name == hostModuleName {
		x.mu.Unlock()
		return nil, fmt.Errorf("wasmplatform: duplicate instance name %q", name)
	}
	x.instances[name] = inst
	x.mu.Unlock()

	mod, err := x.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		x.mu.Lock()
		delete(x.instances, name)
		x.mu.Unlock()
		return nil, fmt.Errorf("wasmplatform: instantiate %q as %q: %w", library, name, err)
	}

	inst.mu.Lock()
	inst.module = mod
	inst.mu.Unlock()

	return inst, nil
}

// Close closes the runtime, and every instance.
func (x *Platform) Close(ctx context.Context) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.instances = make(map[string]*Instance)
	x.mu.Unlock()
	return x.runtime.Close(ctx)
}

func (x *Platform) release(inst *Instance) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.instances[inst.name] == inst {
		delete(x.instances, inst.name)
	}
}

// Instance is an instantiated library, the native handle of a [Module].
//
// Instance is safe for concurrent use, though calls into the guest are
// serialized by the runtime.
type Instance struct {
	platform  *Platform
	module    api.Module
	listeners map[string]map[uint64]func(map[string]any)
	name      string
	library   string
	nextID    uint64
	mu        sync.Mutex
}

// Name returns the unique name of the instance.
func (x *Instance) Name() string {
	return x.name
}

// Library returns the name of the library the instance was created from.
func (x *Instance) Library() string {
	return x.library
}

// Call calls an exported function, see [api.Function].
func (x *Instance) Call(ctx context.Context, fn string, params ...uint64) ([]uint64, error) {
	x.mu.Lock()
	mod := x.module
	x.mu.Unlock()
	if mod == nil || mod.IsClosed() {
		return nil, ErrClosed
	}
	f := mod.ExportedFunction(fn)
	if f == nil {
		return nil, fmt.Errorf("%w: %q in %q", ErrFunctionNotFound, fn, x.library)
	}
	return f.Call(ctx, params...)
}

// Listen subscribes fn to events of the given type, emitted by the guest,
// returning a function that removes the subscription.
func (x *Instance) Listen(eventType string, fn func(data map[string]any)) func() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextID++
	id := x.nextID
	listeners := x.listeners[eventType]
	if listeners == nil {
		listeners = make(map[uint64]func(map[string]any))
		x.listeners[eventType] = listeners
	}
	listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			x.mu.Lock()
			defer x.mu.Unlock()
			delete(x.listeners[eventType], id)
			if len(x.listeners[eventType]) == 0 {
				delete(x.listeners, eventType)
			}
		})
	}
}

func (x *Instance) emit(eventType string, value int64) {
	x.mu.Lock()
	listeners := make([]func(map[string]any), 0, len(x.listeners[eventType]))
	for _, fn := range x.listeners[eventType] {
		listeners = append(listeners, fn)
	}
	x.mu.Unlock()

	for _, fn := range listeners {
		fn(map[string]any{
			`instance`: x.name,
			`value`:    value,
		})
	}
}

// Close closes the guest module.
func (x *Instance) Close(ctx context.Context) error {
	x.platform.release(x)
	x.mu.Lock()
	mod := x.module
	x.listeners = make(map[string]map[uint64]func(map[string]any))
	x.mu.Unlock()
	if mod == nil {
		return nil
	}
	return mod.Close(ctx)
}
