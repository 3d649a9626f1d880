// Package wasmengine runs upscaling models compiled to WebAssembly.
package wasmengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tetratelabs/wazero"
	"github.com/vearutop/superres"
)

// DefaultTimeout limits a single model call.
const DefaultTimeout = time.Minute

// Options configures the engine.
type Options struct {
	// Timeout limits a single upscale call, 0 disables the limit.
	Timeout time.Duration
}

// Engine is a compiled model. It is safe for concurrent use, every Run
// gets a fresh module instance.
type Engine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	pref     superres.ExecutionPreference
	opt      Options
}

var _ superres.Engine = (*Engine)(nil)

// Initialize loads a model for use with superres.InitializeAsync.
func Initialize(ctx context.Context, modelPath string, prefs []superres.ExecutionPreference) (superres.Engine, error) {
	e, err := Load(ctx, modelPath, prefs)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Load reads a model file, models with .zst extension are zstd-compressed.
func Load(ctx context.Context, modelPath string, prefs []superres.ExecutionPreference, opts ...func(o *Options)) (*Engine, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", superres.ErrEngineInit, err)
	}

	if strings.HasSuffix(modelPath, ".zst") {
		data, err = decodeZstd(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress %s: %w", superres.ErrEngineInit, modelPath, err)
		}
	}

	return New(ctx, data, prefs, opts...)
}

func decodeZstd(r io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return io.ReadAll(dec)
}

// New compiles a model with the first execution preference that succeeds.
func New(ctx context.Context, wasm []byte, prefs []superres.ExecutionPreference, opts ...func(o *Options)) (*Engine, error) {
	opt := Options{Timeout: DefaultTimeout}
	for _, applyOpt := range opts {
		applyOpt(&opt)
	}

	if len(wasm) == 0 {
		return nil, fmt.Errorf("%w: empty model", superres.ErrEngineInit)
	}
	if len(prefs) == 0 {
		prefs = superres.OrderPreferences(Available())
	}

	var errs []error
	for _, pref := range prefs {
		e, err := compile(ctx, wasm, pref, opt)
		if err == nil {
			return e, nil
		}
		// Export errors do not depend on the backend.
		if errors.Is(err, ErrMissingExport) {
			return nil, fmt.Errorf("%w: %w", superres.ErrEngineInit, err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", pref, err))
	}

	return nil, fmt.Errorf("%w: %w", superres.ErrEngineInit, errors.Join(errs...))
}

func compile(ctx context.Context, wasm []byte, pref superres.ExecutionPreference, opt Options) (*Engine, error) {
	rt, err := newRuntime(ctx, pref)
	if err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	if err := validateExports(compiled); err != nil {
		_ = compiled.Close(ctx)
		_ = rt.Close(ctx)
		return nil, err
	}

	return &Engine{
		runtime:  rt,
		compiled: compiled,
		pref:     pref,
		opt:      opt,
	}, nil
}

// Preference returns the backend the model was compiled with.
func (e *Engine) Preference() superres.ExecutionPreference {
	return e.pref
}

// Description is a human-readable label of the backend.
func (e *Engine) Description() string {
	return Describe(e.pref)
}

// Close releases the runtime.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil || e.runtime == nil {
		return nil
	}
	err := e.runtime.Close(ctx)
	e.runtime = nil
	e.compiled = nil
	return err
}

// Run upscales a [1, 3, H, W] tensor.
func (e *Engine) Run(ctx context.Context, in superres.NCHW) (superres.NCHW, error) {
	if e == nil || e.runtime == nil {
		return superres.NCHW{}, errors.New("engine is closed")
	}
	if err := in.Validate(); err != nil {
		return superres.NCHW{}, err
	}
	if in.N != 1 || in.C != 3 {
		return superres.NCHW{}, fmt.Errorf("unsupported input shape [%d %d %d %d]", in.N, in.C, in.H, in.W)
	}

	ctx, cancel := withExecutionTimeout(ctx, e.opt.Timeout)
	defer cancel()

	out, err := e.run(ctx, in)
	if err != nil {
		return superres.NCHW{}, humanizeExecutionError(ctx, err)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, in superres.NCHW) (superres.NCHW, error) {
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return superres.NCHW{}, fmt.Errorf("instantiate failed: %w", err)
	}
	defer mod.Close(ctx)

	mem := mod.ExportedMemory(ExportMemory)
	if mem == nil {
		return superres.NCHW{}, missingExportError(ExportMemory)
	}

	inputPtr, err := callI32(ctx, mod, ExportInputPtr)
	if err != nil {
		return superres.NCHW{}, err
	}
	inputCap, err := callI32(ctx, mod, ExportInputCap)
	if err != nil {
		return superres.NCHW{}, err
	}

	input := encodeFloats(in.Data)
	if inputCap < 0 || len(input) > int(inputCap) {
		return superres.NCHW{}, fmt.Errorf("%w: input=%d cap=%d", ErrInputTooLarge, len(input), inputCap)
	}
	if err := validateRegion(mem.Size(), inputPtr, uint64(len(input)), "input"); err != nil {
		return superres.NCHW{}, err
	}
	if !mem.Write(uint32(inputPtr), input) {
		return superres.NCHW{}, fmt.Errorf("%w: input write failed", ErrOutOfBounds)
	}

	n, err := callI32(ctx, mod, ExportUpscale, uint64(uint32(in.W)), uint64(uint32(in.H)))
	if err != nil {
		return superres.NCHW{}, err
	}
	if n < 0 {
		return superres.NCHW{}, fmt.Errorf("%w: upscale returned %d", ErrModel, n)
	}

	out := superres.NCHW{N: 1, C: 3, H: in.H * superres.ScaleFactor, W: in.W * superres.ScaleFactor}
	want := out.N * out.C * out.H * out.W * 4
	if int(n) != want {
		return superres.NCHW{}, fmt.Errorf("%w: upscale produced %d bytes, want %d", ErrModel, n, want)
	}

	outputPtr, err := callI32(ctx, mod, ExportOutputPtr)
	if err != nil {
		return superres.NCHW{}, err
	}
	outputCap, err := callI32(ctx, mod, ExportOutputCap)
	if err != nil {
		return superres.NCHW{}, err
	}
	if n > outputCap {
		return superres.NCHW{}, fmt.Errorf("%w: output=%d cap=%d", ErrOutOfBounds, n, outputCap)
	}
	if err := validateRegion(mem.Size(), outputPtr, uint64(n), "output"); err != nil {
		return superres.NCHW{}, err
	}

	raw, ok := mem.Read(uint32(outputPtr), uint32(n))
	if !ok {
		return superres.NCHW{}, fmt.Errorf("%w: output read failed", ErrOutOfBounds)
	}
	out.Data = decodeFloats(raw)

	return out, nil
}

func encodeFloats(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
