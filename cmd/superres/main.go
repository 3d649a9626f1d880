package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vearutop/superres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "upscale":
		err = runUpscale(ctx, os.Args[2:])
	case "plan":
		err = runPlan(os.Args[2:], os.Stdout)
	case "detect":
		err = runDetect(os.Args[2:], os.Stdout)
	case "serve":
		err = runServe(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: superres <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  upscale -in input.png [-out dir|file] [-format png|jpg|webp] [-q 95] [-tiles=true] [-tile-size 512] [-alpha]")
	fmt.Fprintln(os.Stderr, "          [-engine auto|wasm|resample|preview] [-model model.wasm[.zst]] [-interp bicubic] [-wait 10s] [-strict] [-progress=true] [-v]")
	fmt.Fprintln(os.Stderr, "  plan    -w 1000 -h 600 [-tile-size 512] [-tiles=true]")
	fmt.Fprintln(os.Stderr, "  detect  -in input.jpg")
	fmt.Fprintln(os.Stderr, "  serve   [-addr :8080] [engine flags]")
}

func runUpscale(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upscale", flag.ContinueOnError)
	inPath := fs.String("in", "", "input image (JPG, PNG or WebP)")
	outPath := fs.String("out", ".", "output directory or file, a file extension selects the format")
	format := fs.String("format", string(superres.FormatPNG), "output format: png, jpg or webp")
	q := fs.Int("q", int(superres.DefaultQuality*100), "JPEG quality, 0-100")
	showProgress := fs.Bool("progress", true, "show progress bar")
	verbose := fs.Bool("v", false, "verbose logging")
	var cfg upscalerFlags
	cfg.register(fs)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}

	formatSet := false
	fs.Visit(func(fl *flag.Flag) {
		formatSet = formatSet || fl.Name == "format"
	})
	path, f, err := resolveOutput(*outPath, *format, formatSet)
	if err != nil {
		return err
	}
	quality, err := superres.QualityFromPercent(*q)
	if err != nil {
		return err
	}

	logger := newLogger(*verbose)

	src, err := superres.LoadFile(*inPath, cfg.loadOptions)
	if err != nil {
		return err
	}
	if src.Downsampled() {
		logger.Info("image downsampled", "from", fmt.Sprintf("%dx%d", src.OriginalWidth, src.OriginalHeight),
			"to", fmt.Sprintf("%dx%d", src.Width, src.Height))
	}

	var st superres.SessionState
	if *showProgress {
		st, err = runWithProgress(ctx, func(ctx context.Context, onProgress func(p superres.Progress)) (superres.SessionState, error) {
			return upscaleSource(ctx, &cfg, logger, src, onProgress)
		})
	} else {
		st, err = upscaleSource(ctx, &cfg, logger, src, func(p superres.Progress) {
			logger.Info(p.String())
		})
	}
	if err != nil {
		return err
	}

	reportResult(logger, st)

	data, err := superres.Export(st.Result, f, quality)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	b := st.Result.Bounds()
	logger.Info("saved", "path", path, "size", superres.FormatBytes(int64(len(data))),
		"dimensions", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()))

	return nil
}

// resolveOutput returns the output file path and format.
// A file name with an extension implies the format, an explicit -format must agree with it.
func resolveOutput(out, format string, formatSet bool) (string, superres.Format, error) {
	f, err := superres.ParseFormat(format)
	if err != nil {
		return "", "", err
	}

	path := filepath.Clean(out)
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return filepath.Join(path, superres.DownloadName(f)), f, nil
	}

	ext := filepath.Ext(path)
	if ext == "" {
		return filepath.Join(path, superres.DownloadName(f)), f, nil
	}

	byExt, err := superres.ParseFormat(ext)
	if err != nil {
		return "", "", fmt.Errorf("output %s: %w", path, err)
	}
	if formatSet && byExt != f {
		return "", "", fmt.Errorf("output %s does not match format %s", path, f)
	}

	return path, byExt, nil
}

func upscaleSource(ctx context.Context, cfg *upscalerFlags, logger *log.Logger, src *superres.SourceImage, onProgress func(p superres.Progress)) (superres.SessionState, error) {
	u, _, err := cfg.newUpscaler(ctx, logger, onProgress)
	if err != nil {
		return superres.SessionState{}, err
	}
	defer u.Close(context.WithoutCancel(ctx))

	return u.Upscale(ctx, src)
}

func reportResult(logger *log.Logger, st superres.SessionState) {
	if st.Degraded {
		logger.Warn("AI model unavailable, basic upscale applied", "cause", st.Cause)
	}
	if n := len(st.TileFailures); n > 0 {
		logger.Warn("some tiles failed and were left transparent", "failed", n, "total", st.TilesTotal)
	}
	logger.Info("upscale complete", "elapsed", st.Elapsed.Round(time.Millisecond))
}

func runPlan(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	width := fs.Int("w", 0, "image width")
	height := fs.Int("h", 0, "image height")
	tileSize := fs.Int("tile-size", superres.DefaultTileSize, "tile edge length")
	tiles := fs.Bool("tiles", true, "enable tile processing")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *width <= 0 || *height <= 0 {
		return errors.New("missing required arguments")
	}

	fmt.Fprintf(out, "output: %dx%d\n", *width*superres.ScaleFactor, *height*superres.ScaleFactor)
	if !superres.ShouldTile(*width, *height, *tileSize, *tiles) {
		fmt.Fprintln(out, "tiles: 1 (whole image)")
		return nil
	}

	plan := superres.PlanTiles(*width, *height, *tileSize)
	last := plan[len(plan)-1]
	fmt.Fprintf(out, "tiles: %d (%d cols x %d rows)\n", len(plan), last.Col+1, last.Row+1)
	for _, t := range plan {
		d := t.Dest()
		fmt.Fprintf(out, "  %d,%d at %d,%d size %dx%d -> %d,%d\n", t.Col, t.Row, t.X, t.Y, t.Width, t.Height, d.Min.X, d.Min.Y)
	}
	return nil
}

func runDetect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	inPath := fs.String("in", "", "input image")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}
	f, err := os.Open(filepath.Clean(*inPath))
	if err != nil {
		return err
	}
	defer f.Close()

	ct, err := superres.DetectContentType(f)
	if err != nil {
		return err
	}
	status := "unsupported"
	if err := superres.ValidateFile(superres.FileInfo{ContentType: ct}, 0); err == nil {
		status = "supported"
	}
	fmt.Fprintln(out, strings.Join([]string{ct, status}, " "))
	return nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
