package wasmengine

import (
	"bytes"
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vearutop/superres"
)

const (
	testInputCap  = 1024
	testOutputPtr = 1024
	testOutputCap = 4096
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, content ...[]byte) []byte {
	body := bytes.Join(content, nil)
	return append(append([]byte{id}, uleb(uint32(len(body)))...), body...)
}

func vec(items ...[]byte) []byte {
	return append(uleb(uint32(len(items))), bytes.Join(items, nil)...)
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func body(code ...byte) []byte {
	b := append([]byte{0x00}, code...) // no locals
	b = append(b, 0x0b)
	return append(uleb(uint32(len(b))), b...)
}

func constBody(v int32) []byte {
	return body(append([]byte{0x41}, sleb(v)...)...)
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// testModule builds a model with the full ABI, upscale is the body of upscale(width, height) -> i32.
// The output region is prefilled with outputFill float32 values of 1.0.
func testModule(upscale []byte, outputFill int) []byte {
	i32 := byte(0x7f)
	types := section(1, vec(
		[]byte{0x60, 0x00, 0x01, i32},
		[]byte{0x60, 0x02, i32, i32, 0x01, i32},
	))
	funcs := section(3, vec([]byte{0}, []byte{0}, []byte{0}, []byte{0}, []byte{1}))
	memory := section(5, vec([]byte{0x00, 0x01}))
	exports := section(7, vec(
		append(name(ExportMemory), 0x02, 0x00),
		append(name(ExportInputPtr), 0x00, 0x00),
		append(name(ExportInputCap), 0x00, 0x01),
		append(name(ExportOutputPtr), 0x00, 0x02),
		append(name(ExportOutputCap), 0x00, 0x03),
		append(name(ExportUpscale), 0x00, 0x04),
	))
	code := section(10, vec(
		constBody(0),
		constBody(testInputCap),
		constBody(testOutputPtr),
		constBody(testOutputCap),
		upscale,
	))

	m := bytes.Join([][]byte{wasmHeader, types, funcs, memory, exports, code}, nil)
	if outputFill > 0 {
		fill := bytes.Repeat([]byte{0x00, 0x00, 0x80, 0x3f}, outputFill)
		offset := append(append([]byte{0x41}, sleb(testOutputPtr)...), 0x0b)
		m = append(m, section(11, vec(bytes.Join([][]byte{{0x00}, offset, uleb(uint32(len(fill))), fill}, nil)))...)
	}
	return m
}

// sizeUpscale returns width*height*48, the byte size of a 2x RGB float32 output.
func sizeUpscale() []byte {
	return body(0x20, 0x00, 0x20, 0x01, 0x6c, 0x41, 0x30, 0x6c)
}

func testInput(w, h int) superres.NCHW {
	in := superres.NCHW{N: 1, C: 3, H: h, W: w, Data: make([]float32, 3*w*h)}
	for i := range in.Data {
		in.Data[i] = float32(i%7) / 7
	}
	return in
}

func interpreterOnly() []superres.ExecutionPreference {
	return []superres.ExecutionPreference{superres.PreferInterpreter}
}

func TestNew_missingExports(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, wasmHeader, interpreterOnly())
	require.ErrorIs(t, err, superres.ErrEngineInit)
	require.ErrorIs(t, err, ErrMissingExport)
	assert.Contains(t, err.Error(), ExportMemory)

	memoryOnly := bytes.Join([][]byte{
		wasmHeader,
		section(5, vec([]byte{0x00, 0x01})),
		section(7, vec(append(name(ExportMemory), 0x02, 0x00))),
	}, nil)

	_, err = New(ctx, memoryOnly, interpreterOnly())
	require.ErrorIs(t, err, ErrMissingExport)
	assert.Contains(t, err.Error(), ExportInputPtr)
}

func TestNew_invalid(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, nil, nil)
	require.ErrorIs(t, err, superres.ErrEngineInit)

	_, err = New(ctx, []byte("not a wasm module"), interpreterOnly())
	require.ErrorIs(t, err, superres.ErrEngineInit)
	assert.Contains(t, err.Error(), "compile failed")
}

func TestEngine_Run(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, testModule(sizeUpscale(), 3*4*4), interpreterOnly())
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close(ctx)) }()

	assert.Equal(t, superres.PreferInterpreter, e.Preference())
	assert.Contains(t, e.Description(), "interpreter")

	out, err := e.Run(ctx, testInput(2, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, out.N)
	assert.Equal(t, 3, out.C)
	assert.Equal(t, 4, out.H)
	assert.Equal(t, 4, out.W)
	require.Len(t, out.Data, 3*4*4)

	for i, v := range out.Data {
		require.InDelta(t, 1.0, v, 1e-6, "value %d", i)
	}

	// Every call gets a fresh instance, so repeated runs are independent.
	out2, err := e.Run(ctx, testInput(2, 2))
	require.NoError(t, err)
	assert.Equal(t, out.Data, out2.Data)
}

func TestEngine_Run_inputTooLarge(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, testModule(sizeUpscale(), 0), interpreterOnly())
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Run(ctx, testInput(10, 10))
	require.ErrorIs(t, err, ErrInputTooLarge)
}

func TestEngine_Run_modelError(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, testModule(constBody(-1), 0), interpreterOnly())
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Run(ctx, testInput(2, 2))
	require.ErrorIs(t, err, ErrModel)
	assert.Contains(t, err.Error(), "-1")
}

func TestEngine_Run_wrongSize(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, testModule(constBody(12), 0), interpreterOnly())
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Run(ctx, testInput(2, 2))
	require.ErrorIs(t, err, ErrModel)
	assert.Contains(t, err.Error(), "want 192")
}

func TestEngine_Run_timeout(t *testing.T) {
	ctx := context.Background()

	// loop forever: loop br 0 end, then an unreachable result.
	spin := body(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00)

	e, err := New(ctx, testModule(spin, 0), interpreterOnly(), func(o *Options) {
		o.Timeout = 50 * time.Millisecond
	})
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Run(ctx, testInput(1, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "50ms")
}

func TestEngine_Run_closed(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, testModule(sizeUpscale(), 0), interpreterOnly())
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	_, err = e.Run(ctx, testInput(1, 1))
	require.Error(t, err)
}

func TestLoad_zstd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(testModule(sizeUpscale(), 3*2*2))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	path := filepath.Join(dir, "model.wasm.zst")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	e, err := Initialize(ctx, path, interpreterOnly())
	require.NoError(t, err)
	defer closeEngine(t, e)

	out, err := e.Run(ctx, testInput(1, 1))
	require.NoError(t, err)
	assert.Len(t, out.Data, 12)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.wasm"), nil)
	require.ErrorIs(t, err, superres.ErrEngineInit)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "wazero interpreter (portable)", Describe(superres.PreferInterpreter))
	assert.True(t, strings.HasPrefix(Describe(superres.PreferCompiler), "wazero compiler ("))

	avail := Available()
	require.NotEmpty(t, avail)
	assert.Equal(t, superres.PreferInterpreter, avail[len(avail)-1])
}

func TestEngine_withUpscaler(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, testModule(sizeUpscale(), 3*4*4), interpreterOnly())
	require.NoError(t, err)

	u := superres.New(superres.ReadyEngine(e))
	defer func() { require.NoError(t, u.Close(ctx)) }()

	src := &superres.SourceImage{Width: 2, Height: 2, OriginalWidth: 2, OriginalHeight: 2}
	src.Bitmap = solidImage(2, 2)

	st, err := u.Upscale(ctx, src)
	require.NoError(t, err)
	assert.False(t, st.Degraded)
	assert.Equal(t, superres.PhaseDone, st.Phase)
	assert.Equal(t, 4, st.Result.Bounds().Dx())

	// Prefilled output is 1.0 in every channel, i.e. white.
	assert.Equal(t, uint8(255), st.Result.Pix[0])
	assert.Equal(t, uint8(255), st.Result.Pix[3])
}

func closeEngine(t *testing.T, e superres.Engine) {
	t.Helper()
	c, ok := e.(interface{ Close(ctx context.Context) error })
	require.True(t, ok)
	require.NoError(t, c.Close(context.Background()))
}

func solidImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = 10
		img.Pix[i+1] = 20
		img.Pix[i+2] = 30
		img.Pix[i+3] = 0xff
	}
	return img
}
