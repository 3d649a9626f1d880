package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vearutop/superres"
)

// formOverhead is the allowance for multipart framing on top of the image size.
const formOverhead = 1 << 20

type server struct {
	upscaler   *superres.Upscaler
	cfg        *upscalerFlags
	capability string
	logger     *log.Logger
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "listen address")
	verbose := fs.Bool("v", false, "verbose logging")
	var cfg upscalerFlags
	cfg.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)

	s, err := newServer(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer s.upscaler.Close(context.WithoutCancel(ctx))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newServer(ctx context.Context, cfg *upscalerFlags, logger *log.Logger) (*server, error) {
	u, capability, err := cfg.newUpscaler(ctx, logger, nil)
	if err != nil {
		return nil, err
	}
	return &server{upscaler: u, cfg: cfg, capability: capability, logger: logger}, nil
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.health)
	mux.HandleFunc("POST /upscale", s.upscale)
	return mux
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "superres ok\nRunning on %s\n", s.capability)
}

func (s *server) upscale(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.maxBytes+formOverhead)

	f, err := superres.ParseFormat(valueOr(r.URL.Query().Get("format"), string(superres.FormatPNG)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	quality := superres.DefaultQuality
	if q := r.URL.Query().Get("quality"); q != "" {
		v, err := strconv.Atoi(q)
		if err == nil {
			quality, err = superres.QualityFromPercent(v)
		}
		if err != nil {
			http.Error(w, "invalid quality: "+q, http.StatusBadRequest)
			return
		}
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, superres.ErrFileTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "missing image field: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info := superres.FileInfo{Name: header.Filename, ContentType: header.Header.Get("Content-Type")}
	if info.ContentType == "" || info.ContentType == "application/octet-stream" {
		info.ContentType = superres.DeclaredContentType(header.Filename, data)
	}

	st, err := s.upscaler.UpscaleBytes(r.Context(), data, info, s.cfg.loadOptions)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	out, err := superres.Export(st.Result, f, quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", f.MIMEType())
	h.Set("Content-Disposition", `attachment; filename="`+superres.DownloadName(f)+`"`)
	h.Set("Content-Length", strconv.Itoa(len(out)))
	h.Set("X-Upscale-Degraded", strconv.FormatBool(st.Degraded))
	h.Set("X-Upscale-Failed-Tiles", strconv.Itoa(len(st.TileFailures)))
	if _, err := w.Write(out); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, superres.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, superres.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, superres.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, superres.ErrDecodeFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
