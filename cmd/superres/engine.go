package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vearutop/superres"
	"github.com/vearutop/superres/internal/logging"
	"github.com/vearutop/superres/internal/wasmengine"
)

const (
	engineAuto     = "auto"
	engineWasm     = "wasm"
	engineResample = "resample"
	enginePreview  = "preview"
)

// upscalerFlags are shared by commands that run upscales.
type upscalerFlags struct {
	engine    string
	model     string
	interp    string
	wait      time.Duration
	tiles     bool
	tileSize  int
	alpha     bool
	strict    bool
	maxSize   int
	maxBytes  int64
	modelTime time.Duration
}

func (c *upscalerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.engine, "engine", engineAuto, "engine: auto, wasm, resample or preview")
	fs.StringVar(&c.model, "model", "", "WebAssembly model file, .zst compressed models are accepted")
	fs.StringVar(&c.interp, "interp", "bicubic", "interpolation for resample engine and downsampling")
	fs.DurationVar(&c.wait, "wait", superres.DefaultEngineWait, "maximum wait for the engine to become ready")
	fs.DurationVar(&c.modelTime, "model-timeout", wasmengine.DefaultTimeout, "time limit of a single model call")
	fs.BoolVar(&c.tiles, "tiles", true, "process large images in tiles")
	fs.IntVar(&c.tileSize, "tile-size", superres.DefaultTileSize, "tile edge length")
	fs.BoolVar(&c.alpha, "alpha", false, "preserve transparency")
	fs.BoolVar(&c.strict, "strict", false, "fail instead of applying a basic upscale when the model fails")
	fs.IntVar(&c.maxSize, "max-size", superres.DefaultMaxDimension, "maximum input width and height, larger inputs are downsampled")
	fs.Int64Var(&c.maxBytes, "max-bytes", superres.DefaultMaxFileSize, "maximum input file size")
}

func (c *upscalerFlags) loadOptions(o *superres.LoadOptions) {
	o.MaxDimension = c.maxSize
	o.MaxFileSize = c.maxBytes
	if interp, err := superres.ParseInterpolation(c.interp); err == nil {
		o.Interpolation = interp
	}
}

// newEngine starts engine initialization and returns the readiness future with
// a capability label for the "Running on" line.
func (c *upscalerFlags) newEngine(ctx context.Context) (*superres.EngineFuture, string, error) {
	interp, err := superres.ParseInterpolation(c.interp)
	if err != nil {
		return nil, "", err
	}

	kind := c.engine
	if kind == engineAuto || kind == "" {
		kind = engineResample
		if c.model != "" {
			kind = engineWasm
		}
	}

	switch kind {
	case engineWasm:
		if c.model == "" {
			return nil, "", errors.New("wasm engine needs -model")
		}
		prefs := superres.OrderPreferences(wasmengine.Available())
		init := func(ctx context.Context, modelPath string, prefs []superres.ExecutionPreference) (superres.Engine, error) {
			e, err := wasmengine.Load(ctx, modelPath, prefs, func(o *wasmengine.Options) {
				o.Timeout = c.modelTime
			})
			if err != nil {
				return nil, err
			}
			return e, nil
		}
		return superres.InitializeAsync(ctx, init, c.model, prefs), wasmengine.Describe(prefs[0]), nil
	case engineResample:
		return superres.ReadyEngine(superres.ResampleEngine{Interpolation: interp}), "resampler (" + c.interp + ")", nil
	case enginePreview:
		return superres.ReadyEngine(superres.NearestEngine{Enhance: superres.PlaceholderEnhance}), "preview", nil
	default:
		return nil, "", errors.New("unknown engine " + c.engine)
	}
}

// newUpscaler returns an upscaler and the capability label of its engine.
func (c *upscalerFlags) newUpscaler(ctx context.Context, logger *log.Logger, onProgress func(p superres.Progress)) (*superres.Upscaler, string, error) {
	engine, capability, err := c.newEngine(ctx)
	if err != nil {
		return nil, "", err
	}
	logger.Info("Running on " + capability)

	return superres.New(engine, func(o *superres.Options) {
		o.TileProcessing = c.tiles
		o.TileSize = c.tileSize
		o.PreserveTransparency = c.alpha
		o.EngineWait = c.wait
		o.DisableFallback = c.strict
		o.Logger = logger
		o.OnProgress = onProgress
	}), capability, nil
}

func newLogger(verbose bool) *log.Logger {
	return logging.New(os.Stderr, verbose)
}
