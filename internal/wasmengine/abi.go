package wasmengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Module exports of a model.
//
// The host writes the input tensor as little-endian float32 NCHW at input_ptr,
// calls upscale(width, height) and reads the returned number of bytes of the
// [1, 3, 2*height, 2*width] output tensor at output_ptr. A negative return is a
// model error code.
const (
	ExportMemory    = "memory"
	ExportInputPtr  = "input_ptr"
	ExportInputCap  = "input_cap"
	ExportOutputPtr = "output_ptr"
	ExportOutputCap = "output_cap"
	ExportUpscale   = "upscale"
)

var (
	ErrMissingExport = errors.New("missing export")
	ErrInputTooLarge = errors.New("input too large")
	ErrOutOfBounds   = errors.New("out of bounds")
	ErrModel         = errors.New("model error")
)

type functionSignature struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
}

func requiredFunctions() []functionSignature {
	i32 := api.ValueTypeI32
	noArgs := func(name string) functionSignature {
		return functionSignature{name: name, results: []api.ValueType{i32}}
	}

	return []functionSignature{
		noArgs(ExportInputPtr),
		noArgs(ExportInputCap),
		noArgs(ExportOutputPtr),
		noArgs(ExportOutputCap),
		{name: ExportUpscale, params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}},
	}
}

func missingExportError(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingExport, name)
}

func validateExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return missingExportError(ExportMemory)
	}

	funcs := compiled.ExportedFunctions()
	for _, sig := range requiredFunctions() {
		def, ok := funcs[sig.name]
		if !ok {
			return missingExportError(sig.name)
		}
		if !signatureMatches(def.ParamTypes(), sig.params) || !signatureMatches(def.ResultTypes(), sig.results) {
			return fmt.Errorf("%w: %s invalid signature want %s got %s", ErrMissingExport, sig.name,
				formatSignature(sig.params, sig.results), formatSignature(def.ParamTypes(), def.ResultTypes()))
		}
	}

	return nil
}

func callI32(ctx context.Context, mod api.Module, name string, args ...uint64) (int32, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, missingExportError(name)
	}
	result, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("%s call failed: %w", name, err)
	}
	if len(result) != 1 {
		return 0, fmt.Errorf("%w: %s returned %d values", ErrModel, name, len(result))
	}
	return api.DecodeI32(result[0]), nil
}

func validateRegion(memorySize uint32, ptr int32, length uint64, field string) error {
	if ptr < 0 {
		return fmt.Errorf("%w: %s_ptr=%d", ErrOutOfBounds, field, ptr)
	}

	start := uint64(ptr)
	end := start + length
	if end < start || end > uint64(memorySize) {
		return fmt.Errorf("%w: %s ptr=%d len=%d memory_size=%d", ErrOutOfBounds, field, ptr, length, memorySize)
	}
	return nil
}

func signatureMatches(actual, expected []api.ValueType) bool {
	if len(actual) != len(expected) {
		return false
	}
	for i := range actual {
		if actual[i] != expected[i] {
			return false
		}
	}
	return true
}

func formatSignature(params, results []api.ValueType) string {
	return fmt.Sprintf("(%s)->(%s)", formatTypes(params), formatTypes(results))
}

func formatTypes(types []api.ValueType) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += ","
		}
		out += api.ValueTypeName(t)
	}
	return out
}
