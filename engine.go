package superres

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Engine runs a 2x super-resolution model.
//
// Run receives a [1, 3, H, W] tensor with values in [0,1] and must return a
// [1, 3, 2H, 2W] tensor. Calls are never issued concurrently by Upscaler.
type Engine interface {
	Run(ctx context.Context, in NCHW) (NCHW, error)
}

// ExecutionPreference names an engine backend candidate.
type ExecutionPreference string

const (
	// PreferCompiler selects an ahead-of-time compiled native backend.
	PreferCompiler ExecutionPreference = "compiler"
	// PreferInterpreter selects the portable backend that runs everywhere.
	PreferInterpreter ExecutionPreference = "interpreter"
)

// OrderPreferences returns the backends to attempt: the fastest available one
// first, with the portable backend always appended as a fallback.
func OrderPreferences(available []ExecutionPreference) []ExecutionPreference {
	if slices.Contains(available, PreferCompiler) {
		return []ExecutionPreference{PreferCompiler, PreferInterpreter}
	}
	return []ExecutionPreference{PreferInterpreter}
}

// Initializer loads a model and returns a ready engine.
// Implementations wrap failures with ErrEngineInit.
type Initializer func(ctx context.Context, modelPath string, prefs []ExecutionPreference) (Engine, error)

// EngineFuture resolves to an engine once the host provides it.
type EngineFuture struct {
	once   sync.Once
	done   chan struct{}
	engine Engine
	err    error
}

// NewEngineFuture returns an unresolved future.
func NewEngineFuture() *EngineFuture {
	return &EngineFuture{done: make(chan struct{})}
}

// ReadyEngine returns a future already resolved to e.
func ReadyEngine(e Engine) *EngineFuture {
	f := NewEngineFuture()
	f.Provide(e, nil)
	return f
}

// InitializeAsync starts init in a goroutine and returns a future for its result.
func InitializeAsync(ctx context.Context, init Initializer, modelPath string, prefs []ExecutionPreference) *EngineFuture {
	f := NewEngineFuture()
	go func() {
		e, err := init(ctx, modelPath, prefs)
		f.Provide(e, err)
	}()
	return f
}

// Provide resolves the future. Only the first call has effect.
func (f *EngineFuture) Provide(e Engine, err error) {
	f.once.Do(func() {
		if err == nil && e == nil {
			err = fmt.Errorf("%w: no engine provided", ErrEngineInit)
		}
		f.engine = e
		f.err = err
		close(f.done)
	})
}

// Ready reports whether the future is resolved.
func (f *EngineFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the engine is provided, timeout elapses or ctx is done.
// A non-positive timeout waits without a bound.
func (f *EngineFuture) Wait(ctx context.Context, timeout time.Duration) (Engine, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-f.done:
		return f.engine, f.err
	case <-expired:
		return nil, fmt.Errorf("%w: engine not ready after %s", ErrEngineInit, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, ctx.Err())
	}
}

// NearestEngine is a stand-in engine without a model: each output pixel repeats the
// nearest input pixel multiplied by Enhance.
type NearestEngine struct {
	Enhance float32
}

// Run implements Engine.
func (e NearestEngine) Run(_ context.Context, in NCHW) (NCHW, error) {
	if err := in.Validate(); err != nil {
		return NCHW{}, err
	}
	enhance := e.Enhance
	if enhance == 0 {
		enhance = 1
	}
	dw, dh := in.W*ScaleFactor, in.H*ScaleFactor
	out := NCHW{N: in.N, C: in.C, H: dh, W: dw, Data: make([]float32, 0, in.N*in.C*dh*dw)}
	plane := in.H * in.W
	for p := 0; p < in.N*in.C; p++ {
		scaled := scalePlaneNearest(in.Data[p*plane:(p+1)*plane], in.W, in.H, dw, dh)
		for i, v := range scaled {
			scaled[i] = clamp01(v * enhance)
		}
		out.Data = append(out.Data, scaled...)
	}
	return out, nil
}

// closeEngine releases engine resources when the engine supports it.
func closeEngine(ctx context.Context, e Engine) error {
	if c, ok := e.(interface{ Close(ctx context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}
