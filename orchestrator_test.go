package superres

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcEngine func(ctx context.Context, in NCHW) (NCHW, error)

func (f funcEngine) Run(ctx context.Context, in NCHW) (NCHW, error) {
	return f(ctx, in)
}

func testSource(w, h int) *SourceImage {
	return &SourceImage{
		Width:          w,
		Height:         h,
		Bitmap:         testImage(w, h),
		OriginalWidth:  w,
		OriginalHeight: h,
		File:           FileInfo{Name: "test.png", ContentType: "image/png"},
	}
}

func tileSize(size int) func(o *Options) {
	return func(o *Options) {
		o.TileSize = size
	}
}

// assertColor compares colour channels with a tolerance of one step.
func assertColor(t *testing.T, want, got color.NRGBA, msgAndArgs ...any) {
	t.Helper()

	assert.InDelta(t, want.R, got.R, 1, msgAndArgs...)
	assert.InDelta(t, want.G, got.G, 1, msgAndArgs...)
	assert.InDelta(t, want.B, got.B, 1, msgAndArgs...)
}

func TestUpscale_tiledMatchesWhole(t *testing.T) {
	ctx := context.Background()
	src := testSource(10, 6)

	tiled, err := New(ReadyEngine(NearestEngine{}), tileSize(4)).Upscale(ctx, src)
	require.NoError(t, err)

	whole, err := New(ReadyEngine(NearestEngine{}), tileSize(4), func(o *Options) {
		o.TileProcessing = false
	}).Upscale(ctx, src)
	require.NoError(t, err)

	assert.True(t, tiled.Tiled)
	assert.Equal(t, 6, tiled.TilesTotal)
	assert.Equal(t, 6, tiled.TilesDone)
	assert.False(t, whole.Tiled)
	assert.Equal(t, 1, whole.TilesTotal)

	require.Equal(t, image.Rect(0, 0, 20, 12), tiled.Result.Rect)
	require.Equal(t, tiled.Result.Rect, whole.Result.Rect)
	assert.Equal(t, whole.Result.Pix, tiled.Result.Pix, "tiled and whole results differ")
	assert.Equal(t, PhaseDone, tiled.Phase)
	assert.False(t, tiled.Degraded)

	// Nearest engine repeats every source pixel in a 2x2 block.
	assert.Equal(t, src.Bitmap.NRGBAAt(6, 2), tiled.Result.NRGBAAt(13, 5))
}

func TestUpscale_failedTile(t *testing.T) {
	var logs []string
	engine := funcEngine(func(ctx context.Context, in NCHW) (NCHW, error) {
		if in.W == 2 && in.H == 2 {
			return NCHW{}, errors.New("out of memory")
		}
		return NearestEngine{}.Run(ctx, in)
	})

	st, err := New(ReadyEngine(engine), tileSize(4), func(o *Options) {
		o.OnProgress = func(p Progress) { logs = append(logs, p.Message) }
	}).Upscale(context.Background(), testSource(10, 6))
	require.NoError(t, err)

	assert.False(t, st.Degraded, "run must complete without degradation")
	assert.Equal(t, PhaseDone, st.Phase)
	require.Len(t, st.TileFailures, 1)

	fail := st.TileFailures[0]
	assert.Equal(t, 2, fail.Tile.Col)
	assert.Equal(t, 1, fail.Tile.Row)
	assert.ErrorIs(t, fail, ErrInference)

	assert.Equal(t, uint8(0), st.Result.NRGBAAt(16, 8).A, "failed tile region must be transparent")
	assert.Equal(t, uint8(255), st.Result.NRGBAAt(15, 8).A, "neighbour tile must be opaque")
	assert.Equal(t, "Upscaling complete", logs[len(logs)-1])
}

func TestUpscale_allTilesFailed(t *testing.T) {
	engine := funcEngine(func(context.Context, NCHW) (NCHW, error) {
		return NCHW{}, errors.New("broken model")
	})

	st, err := New(ReadyEngine(engine), tileSize(4)).Upscale(context.Background(), testSource(10, 6))
	require.NoError(t, err)

	assert.True(t, st.Degraded)
	assert.ErrorIs(t, st.Cause, ErrInference)
	assert.Len(t, st.TileFailures, 6)
	assert.Equal(t, image.Rect(0, 0, 20, 12), st.Result.Rect)
}

func TestUpscale_wrongOutputShape(t *testing.T) {
	engine := funcEngine(func(_ context.Context, in NCHW) (NCHW, error) {
		return in, nil
	})

	st, err := New(ReadyEngine(engine)).Upscale(context.Background(), testSource(3, 3))
	require.NoError(t, err)

	assert.True(t, st.Degraded)
	assert.ErrorIs(t, st.Cause, ErrInference)
}

func TestUpscale_engineUnavailable(t *testing.T) {
	src := testSource(5, 4)

	f := NewEngineFuture()
	f.Provide(nil, errors.New("no accelerator"))

	st, err := New(f).Upscale(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, st.Degraded)
	assert.Error(t, st.Cause)
	assert.Equal(t, PhaseDone, st.Phase)
	require.Equal(t, image.Rect(0, 0, 10, 8), st.Result.Rect)

	for _, p := range []image.Point{{0, 0}, {3, 2}, {9, 7}} {
		assertColor(t, src.Bitmap.NRGBAAt(p.X/2, p.Y/2), st.Result.NRGBAAt(p.X, p.Y), "pixel %v", p)
	}
}

func TestUpscale_engineUnavailableAlpha(t *testing.T) {
	src := testSource(4, 4)
	src.Bitmap.SetNRGBA(1, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 0})
	src.Bitmap.SetNRGBA(2, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 77})

	for _, tc := range []struct {
		preserve          bool
		transparent, semi uint8
	}{
		{false, 255, 255},
		{true, 0, 77},
	} {
		st, err := New(nil, func(o *Options) {
			o.PreserveTransparency = tc.preserve
		}).Upscale(context.Background(), src)
		require.NoError(t, err)
		require.True(t, st.Degraded)

		assert.Equal(t, tc.transparent, st.Result.NRGBAAt(3, 3).A, "preserve %v", tc.preserve)
		assert.Equal(t, tc.semi, st.Result.NRGBAAt(4, 2).A, "preserve %v", tc.preserve)
		assert.Equal(t, uint8(255), st.Result.NRGBAAt(0, 0).A, "preserve %v", tc.preserve)

		if !tc.preserve {
			// Dropping alpha keeps the colour, as the model path does.
			assertColor(t, color.NRGBA{R: 200, G: 100, B: 50}, st.Result.NRGBAAt(3, 3))
			assertColor(t, color.NRGBA{R: 200, G: 100, B: 50}, st.Result.NRGBAAt(4, 2))
		}
	}

	// Source is not modified.
	assert.Equal(t, uint8(77), src.Bitmap.NRGBAAt(2, 1).A)
}

func TestUpscale_engineTimeout(t *testing.T) {
	st, err := New(NewEngineFuture(), func(o *Options) {
		o.EngineWait = 10 * time.Millisecond
	}).Upscale(context.Background(), testSource(2, 2))
	require.NoError(t, err)

	assert.True(t, st.Degraded)
	assert.ErrorIs(t, st.Cause, ErrEngineInit)
}

func TestUpscale_disableFallback(t *testing.T) {
	st, err := New(nil, func(o *Options) {
		o.DisableFallback = true
	}).Upscale(context.Background(), testSource(2, 2))
	require.ErrorIs(t, err, ErrEngineInit)

	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Nil(t, st.Result)
}

func TestUpscale_progress(t *testing.T) {
	clock := time.Unix(0, 0)
	var events []Progress

	u := New(ReadyEngine(NearestEngine{}), tileSize(4), func(o *Options) {
		o.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
		o.OnProgress = func(p Progress) { events = append(events, p) }
	})

	st, err := u.Upscale(context.Background(), testSource(10, 6))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(events), 6+4)
	assert.Equal(t, float64(percentEngineWait), events[0].Percent)
	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent, "progress decreased at %d", i)
		require.GreaterOrEqual(t, int64(events[i].Elapsed), int64(events[i-1].Elapsed), "elapsed decreased at %d", i)
	}

	last := events[len(events)-1]
	assert.Equal(t, float64(100), last.Percent)
	assert.Equal(t, PhaseDone, last.Phase)
	assert.True(t, last.RemainingKnown)
	assert.Zero(t, last.Remaining)
	assert.Equal(t, last.Elapsed, st.Elapsed)

	var tileEvents int
	for _, p := range events {
		if p.Phase == PhaseInferring && p.TilesDone > 0 {
			tileEvents++
			assert.Equal(t, inferPercent(p.TilesDone, 6), p.Percent, "tile %d", p.TilesDone)
		}
	}
	assert.Equal(t, 6, tileEvents)
}

func TestUpscale_busy(t *testing.T) {
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	engine := funcEngine(func(ctx context.Context, in NCHW) (NCHW, error) {
		once.Do(func() { close(entered) })
		<-release
		return NearestEngine{}.Run(ctx, in)
	})

	u := New(ReadyEngine(engine))

	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err = u.Upscale(context.Background(), testSource(2, 2))
	}()

	<-entered
	st, busyErr := u.Upscale(context.Background(), testSource(2, 2))
	assert.ErrorIs(t, busyErr, ErrBusy)
	assert.Equal(t, PhaseIdle, st.Phase, "busy call must not change state")
	assert.Nil(t, st.Result)

	close(release)
	wg.Wait()
	require.NoError(t, err)

	// The guard is released after completion.
	_, err = u.Upscale(context.Background(), testSource(2, 2))
	assert.NoError(t, err)
}

func TestUpscale_canceledBetweenTiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	engine := funcEngine(func(ctx context.Context, in NCHW) (NCHW, error) {
		calls++
		cancel()
		return NearestEngine{}.Run(ctx, in)
	})

	st, err := New(ReadyEngine(engine), tileSize(4)).Upscale(ctx, testSource(10, 6))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, calls)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, 1, st.TilesDone)
}

func TestUpscale_canceledWholeImage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := funcEngine(func(ctx context.Context, _ NCHW) (NCHW, error) {
		cancel()
		return NCHW{}, ctx.Err()
	})

	st, err := New(ReadyEngine(engine)).Upscale(ctx, testSource(8, 8))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, PhaseFailed, st.Phase)
	assert.False(t, st.Degraded, "canceled run must not fall back")
	assert.Nil(t, st.Result)
}

func TestUpscale_canceledWaitingForEngine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st, err := New(NewEngineFuture(), func(o *Options) {
		o.EngineWait = time.Minute
	}).Upscale(ctx, testSource(8, 8))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, PhaseFailed, st.Phase)
	assert.False(t, st.Degraded, "canceled run must not fall back")
	assert.Nil(t, st.Result)
}

func TestUpscale_preserveTransparency(t *testing.T) {
	src := testSource(4, 4)
	src.Bitmap.SetNRGBA(1, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 0})
	src.Bitmap.SetNRGBA(2, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 77})

	st, err := New(ReadyEngine(NearestEngine{}), func(o *Options) {
		o.PreserveTransparency = true
	}).Upscale(context.Background(), src)
	require.NoError(t, err)

	for _, tc := range []struct {
		x, y int
		a    uint8
	}{{2, 2, 0}, {3, 3, 0}, {4, 2, 77}, {5, 3, 77}, {0, 0, 255}} {
		assert.Equal(t, tc.a, st.Result.NRGBAAt(tc.x, tc.y).A, "alpha at %d,%d", tc.x, tc.y)
	}

	st, err = New(ReadyEngine(NearestEngine{})).Upscale(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), st.Result.NRGBAAt(2, 2).A, "alpha must be opaque without transparency")
}

func TestUpscale_noImage(t *testing.T) {
	_, err := New(nil).Upscale(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestUpscaleBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(8, 6)))

	var events []Progress
	u := New(ReadyEngine(ResampleEngine{Interpolation: InterpolationBilinear}), func(o *Options) {
		o.OnProgress = func(p Progress) { events = append(events, p) }
	})

	st, err := u.UpscaleBytes(context.Background(), buf.Bytes(), FileInfo{Name: "in.png", ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), st.Source.File.Size)
	assert.Equal(t, image.Rect(0, 0, 16, 12), st.Result.Rect)
	assert.Equal(t, float64(0), events[0].Percent)
	assert.Equal(t, PhaseLoading, events[0].Phase)

	events = nil
	st, err = u.UpscaleBytes(context.Background(), []byte("hello"), FileInfo{Name: "in.txt", ContentType: "text/plain"})
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Nil(t, st.Source, "validation must abort before processing")
	assert.Len(t, events, 1)
}
