package superres

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nfnt/resize"
	"golang.org/x/sync/semaphore"
)

// Options controls the Upscaler.
type Options struct {
	// TileProcessing enables splitting images larger than TileSize.
	TileProcessing       bool
	TileSize             int
	PreserveTransparency bool
	// EngineWait bounds the wait for the engine future, 0 waits until ctx is done.
	EngineWait time.Duration
	// DisableFallback makes engine failures fatal instead of producing a basic upscale.
	DisableFallback bool
	Logger          *log.Logger
	OnProgress      func(p Progress)
	Now             func() time.Time
}

// DefaultOptions returns the default Upscaler options.
func DefaultOptions() Options {
	return Options{
		TileProcessing: true,
		TileSize:       DefaultTileSize,
		EngineWait:     DefaultEngineWait,
	}
}

// Upscaler runs upscale requests one at a time against an engine.
type Upscaler struct {
	engine *EngineFuture
	opt    Options
	sem    *semaphore.Weighted
	log    *log.Logger
}

// New creates an Upscaler. A nil engine future makes every request degrade
// to a geometric upscale.
func New(engine *EngineFuture, opts ...func(o *Options)) *Upscaler {
	opt := DefaultOptions()
	for _, applyOpt := range opts {
		applyOpt(&opt)
	}
	if opt.Logger == nil {
		opt.Logger = log.New(io.Discard)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if engine == nil {
		engine = NewEngineFuture()
		engine.Provide(nil, fmt.Errorf("%w: no engine configured", ErrEngineInit))
	}
	return &Upscaler{
		engine: engine,
		opt:    opt,
		sem:    semaphore.NewWeighted(1),
		log:    opt.Logger,
	}
}

// Close releases the engine if it was provided.
func (u *Upscaler) Close(ctx context.Context) error {
	if !u.engine.Ready() {
		return nil
	}
	e, err := u.engine.Wait(ctx, 0)
	if err != nil {
		return nil
	}
	return closeEngine(ctx, e)
}

// UpscaleBytes loads an image file and upscales it.
// Validation errors abort before any processing.
func (u *Upscaler) UpscaleBytes(ctx context.Context, data []byte, file FileInfo, loadOpts ...func(o *LoadOptions)) (SessionState, error) {
	if !u.sem.TryAcquire(1) {
		return SessionState{}, ErrBusy
	}
	defer u.sem.Release(1)

	pt := newProgressTracker(u.opt.Now, u.opt.OnProgress)
	state := SessionState{StartedAt: pt.start}.to(PhaseLoading)
	pt.report(Progress{Phase: PhaseLoading, Percent: percentLoadStart, Message: "Loading image"})

	src, err := Load(data, file, loadOpts...)
	if err != nil {
		return u.fail(state, err)
	}
	state.Source = src

	return u.run(ctx, state, pt)
}

// Upscale produces a 2x version of src.
//
// Only one request runs at a time, a concurrent call returns ErrBusy without
// side effects. Tiles that fail inference are recorded in SessionState.TileFailures
// and left transparent. If the engine is unavailable or the whole image fails,
// the result is a geometric upscale and SessionState.Degraded is set.
func (u *Upscaler) Upscale(ctx context.Context, src *SourceImage) (SessionState, error) {
	if src == nil || src.Bitmap == nil {
		return SessionState{}, ErrNoImage
	}
	if !u.sem.TryAcquire(1) {
		return SessionState{}, ErrBusy
	}
	defer u.sem.Release(1)

	pt := newProgressTracker(u.opt.Now, u.opt.OnProgress)
	state := SessionState{Source: src, StartedAt: pt.start}.to(PhaseLoading)

	return u.run(ctx, state, pt)
}

func (u *Upscaler) run(ctx context.Context, state SessionState, pt *progressTracker) (SessionState, error) {
	src := state.Source
	u.log.Debug("upscale started", "name", src.File.Name, "width", src.Width, "height", src.Height,
		"tiles", u.opt.TileProcessing, "alpha", u.opt.PreserveTransparency)

	pt.report(Progress{Phase: PhaseLoading, Percent: percentEngineWait, Message: "Waiting for engine"})
	engine, err := u.engine.Wait(ctx, u.opt.EngineWait)
	if err != nil {
		return u.degrade(ctx, state, pt, err)
	}

	state = state.to(PhaseConverting)
	pt.report(Progress{Phase: PhaseConverting, Percent: percentConvert, Message: "Converting image"})
	tensor := ToTensor(src.Bitmap, u.opt.PreserveTransparency)

	tiles := []Tile{{Width: src.Width, Height: src.Height}}
	if ShouldTile(src.Width, src.Height, u.opt.TileSize, u.opt.TileProcessing) {
		state = state.to(PhaseTiling)
		state.Tiled = true
		tiles = PlanTiles(src.Width, src.Height, u.opt.TileSize)
		u.log.Debug("processing tiles", "count", len(tiles), "tileSize", u.opt.TileSize)
	}
	state.TilesTotal = len(tiles)

	state = state.to(PhaseInferring)
	pt.report(Progress{Phase: PhaseInferring, Percent: percentInferStart, Message: "Upscaling", TilesTotal: len(tiles)})

	canvas := image.NewNRGBA(image.Rect(0, 0, src.Width*ScaleFactor, src.Height*ScaleFactor))
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return u.fail(state, err)
		}

		in := tensor
		if state.Tiled {
			in = tensor.Extract(tile)
		}

		out, err := u.infer(ctx, engine, in)
		switch {
		case err != nil && !state.Tiled:
			return u.degrade(ctx, state, pt, err)
		case err != nil:
			u.log.Warn("tile failed", "col", tile.Col, "row", tile.Row, "err", err)
			state.TileFailures = append(state.TileFailures, TileError{Tile: tile, Err: err})
		default:
			compositeTile(canvas, tile, out)
		}

		state.TilesDone++
		pt.report(Progress{
			Phase:      PhaseInferring,
			Percent:    inferPercent(state.TilesDone, state.TilesTotal),
			Message:    "Upscaling",
			TilesDone:  state.TilesDone,
			TilesTotal: state.TilesTotal,
		})
	}

	if err := ctx.Err(); err != nil {
		return u.fail(state, err)
	}

	if n := len(state.TileFailures); n > 0 && n == len(tiles) {
		return u.degrade(ctx, state, pt, fmt.Errorf("all %d tiles failed: %w", n, state.TileFailures[0].Err))
	}

	state = state.to(PhaseCompositing)
	pt.report(Progress{Phase: PhaseCompositing, Percent: percentFinalize, Message: "Finalizing", TilesDone: state.TilesDone, TilesTotal: state.TilesTotal})
	state.Result = canvas

	return u.done(state, pt), nil
}

// infer runs one tensor through the engine and renders the output.
// The alpha plane does not go through the model, it is scaled geometrically.
func (u *Upscaler) infer(ctx context.Context, engine Engine, t *Tensor) (*image.NRGBA, error) {
	in := t.NCHW()
	out, err := engine.Run(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if out.N != 1 || out.C != 3 || out.H != in.H*ScaleFactor || out.W != in.W*ScaleFactor {
		return nil, fmt.Errorf("%w: output shape [%d %d %d %d], want [1 3 %d %d]",
			ErrInference, out.N, out.C, out.H, out.W, in.H*ScaleFactor, in.W*ScaleFactor)
	}
	res, err := TensorFromNCHW(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if t.A != nil {
		res.A = scalePlaneNearest(t.A, t.Width, t.Height, out.W, out.H)
	}
	return FromTensor(res, out.W, out.H, 1), nil
}

func (u *Upscaler) degrade(ctx context.Context, state SessionState, pt *progressTracker, cause error) (SessionState, error) {
	// A canceled caller gets no fallback result.
	if err := ctx.Err(); err != nil {
		return u.fail(state, err)
	}

	u.log.Warn("AI upscale unavailable", "err", cause)
	if u.opt.DisableFallback {
		return u.fail(state, cause)
	}

	state = state.to(PhaseCompositing)
	state.Degraded = true
	state.Cause = cause
	pt.report(Progress{Phase: PhaseCompositing, Percent: percentFinalize, Message: "Applying basic upscale"})
	src := state.Source.Bitmap
	if !u.opt.PreserveTransparency {
		src = opaque(src)
	}
	state.Result = geometricUpscale(src)

	return u.done(state, pt), nil
}

func (u *Upscaler) done(state SessionState, pt *progressTracker) SessionState {
	state = state.to(PhaseDone)
	p := pt.report(Progress{Phase: PhaseDone, Percent: percentDone, Message: "Upscaling complete",
		TilesDone: state.TilesDone, TilesTotal: state.TilesTotal})
	state.Elapsed = p.Elapsed

	b := state.Result.Bounds()
	u.log.Info("upscale complete", "size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"degraded", state.Degraded, "failedTiles", len(state.TileFailures),
		"elapsed", state.Elapsed.Round(time.Millisecond))

	return state
}

func (u *Upscaler) fail(state SessionState, err error) (SessionState, error) {
	state = state.to(PhaseFailed)
	state.Elapsed = u.opt.Now().Sub(state.StartedAt)
	u.log.Error("upscale failed", "phase", state.Phase, "err", err)
	return state, err
}

// geometricUpscale doubles img with nearest-neighbor sampling, without a model.
func geometricUpscale(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	out := resize.Resize(uint(b.Dx()*ScaleFactor), uint(b.Dy()*ScaleFactor), img, resize.NearestNeighbor)
	return toNRGBA(out)
}

// opaque returns a copy of img with every alpha value set to 0xff, keeping colors intact.
func opaque(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	res := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := res.Pix[y*res.Stride : y*res.Stride+b.Dx()*4]
		copy(row, img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):])
		for x := 3; x < len(row); x += 4 {
			row[x] = 0xff
		}
	}
	return res
}
