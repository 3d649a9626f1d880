package superres

import (
	"image"
	"time"
)

// FileInfo describes the file an image was loaded from.
type FileInfo struct {
	Name        string
	Size        int64
	ContentType string // declared MIME type
}

// SourceImage is a decoded input bitmap, it is not modified after Load.
type SourceImage struct {
	Width  int
	Height int
	Bitmap *image.NRGBA
	File   FileInfo
	// OriginalWidth and OriginalHeight are the decoded dimensions before downsampling.
	OriginalWidth  int
	OriginalHeight int
}

// Downsampled reports whether the bitmap was reduced to fit the maximum dimension.
func (s *SourceImage) Downsampled() bool {
	return s.Width != s.OriginalWidth || s.Height != s.OriginalHeight
}

// Tensor stores an image as planar channels normalized to [0,1].
// Each plane is indexed by y*Width+x. A is nil unless transparency is preserved.
type Tensor struct {
	Width  int
	Height int
	R      []float32
	G      []float32
	B      []float32
	A      []float32
}

// NCHW is a dense float32 tensor laid out as [batch, channel, height, width].
type NCHW struct {
	N, C, H, W int
	Data       []float32
}

// Tile is a rectangular region of a source image.
type Tile struct {
	Col, Row int // grid position
	X, Y     int // origin in source pixels
	Width    int
	Height   int
}

// Rect returns the tile rectangle in source coordinates.
func (t Tile) Rect() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height)
}

// Dest returns the tile rectangle on the upscaled canvas.
func (t Tile) Dest() image.Rectangle {
	return image.Rect(t.X*ScaleFactor, t.Y*ScaleFactor, (t.X+t.Width)*ScaleFactor, (t.Y+t.Height)*ScaleFactor)
}

// Phase identifies a step of an upscale request.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseConverting
	PhaseTiling
	PhaseInferring
	PhaseCompositing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseConverting:
		return "converting"
	case PhaseTiling:
		return "tiling"
	case PhaseInferring:
		return "inferring"
	case PhaseCompositing:
		return "compositing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionState is the state of one upscale request.
type SessionState struct {
	Phase  Phase
	Source *SourceImage
	Result *image.NRGBA
	// Degraded is set when Result is a geometric upscale produced without the engine.
	Degraded bool
	// Cause is the error that triggered degraded mode.
	Cause        error
	Tiled        bool
	TilesTotal   int
	TilesDone    int
	TileFailures []TileError
	StartedAt    time.Time
	Elapsed      time.Duration
}

// to returns a copy of s in phase p.
func (s SessionState) to(p Phase) SessionState {
	s.Phase = p
	return s
}
