package wasmengine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/vearutop/superres"
	"golang.org/x/sys/cpu"
)

// compilerSupported reports whether wazero can compile to native code on this platform.
func compilerSupported() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
	default:
		return false
	}

	switch runtime.GOOS {
	case "linux", "darwin", "windows", "freebsd", "netbsd", "dragonfly", "solaris", "illumos":
		return true
	default:
		return false
	}
}

// Available lists the execution preferences usable on this machine.
func Available() []superres.ExecutionPreference {
	if compilerSupported() {
		return []superres.ExecutionPreference{superres.PreferCompiler, superres.PreferInterpreter}
	}
	return []superres.ExecutionPreference{superres.PreferInterpreter}
}

// newRuntime returns a runtime that terminates function execution when the call context is done.
func newRuntime(ctx context.Context, pref superres.ExecutionPreference) (wazero.Runtime, error) {
	var cfg wazero.RuntimeConfig

	switch pref {
	case superres.PreferCompiler:
		if !compilerSupported() {
			return nil, fmt.Errorf("compiler is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
		}
		cfg = wazero.NewRuntimeConfigCompiler()
	case superres.PreferInterpreter:
		cfg = wazero.NewRuntimeConfigInterpreter()
	default:
		return nil, fmt.Errorf("unknown execution preference %q", pref)
	}

	return wazero.NewRuntimeWithConfig(ctx, cfg.WithCloseOnContextDone(true)), nil
}

// Describe labels an execution preference for the capability line,
// e.g. "wazero compiler (amd64, AVX2)".
func Describe(pref superres.ExecutionPreference) string {
	if pref == superres.PreferInterpreter {
		return "wazero interpreter (portable)"
	}
	return fmt.Sprintf("wazero %s (%s, %s)", pref, runtime.GOARCH, simdLevel())
}

// simdLevel names the widest vector extension reported by the CPU.
func simdLevel() string {
	switch runtime.GOARCH {
	case "amd64":
		switch {
		case cpu.X86.HasAVX512F:
			return "AVX-512"
		case cpu.X86.HasAVX2:
			return "AVX2"
		case cpu.X86.HasSSE41:
			return "SSE4.1"
		}
	case "arm64":
		switch {
		case cpu.ARM64.HasSVE:
			return "SVE"
		case cpu.ARM64.HasASIMD:
			return "NEON"
		}
	}
	return "scalar"
}

type executionTimeoutKey struct{}

// withExecutionTimeout returns a context with timeout and attaches the duration
// so errors can report the configured limit.
func withExecutionTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	return context.WithValue(ctx, executionTimeoutKey{}, timeout), cancel
}

// humanizeExecutionError rewrites runtime cancellation and timeout errors
// into messages about model execution.
func humanizeExecutionError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	timeoutText := ""
	if timeout, ok := ctx.Value(executionTimeoutKey{}).(time.Duration); ok && timeout > 0 {
		timeoutText = " (" + timeout.String() + ")"
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Errorf("model exceeded the execution time limit%s: %w", timeoutText, context.DeadlineExceeded)
	}
	if errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "context canceled") {
		return fmt.Errorf("model execution was canceled: %w", context.Canceled)
	}
	return err
}
