package superres

import "time"

// ScaleFactor is the fixed upscale multiplier of the pipeline.
const ScaleFactor = 2

const (
	// DefaultMaxFileSize is the largest accepted input, in bytes.
	DefaultMaxFileSize int64 = 10 * 1024 * 1024
	// DefaultMaxDimension caps input width and height, larger inputs are downsampled.
	DefaultMaxDimension = 2048
	// DefaultTileSize is the edge length of inference tiles.
	DefaultTileSize = 512
	// DefaultEngineWait bounds how long an upscale waits for the engine to become ready.
	DefaultEngineWait = 10 * time.Second
	// DefaultQuality is the export quality for lossy formats, in [0,1].
	DefaultQuality = 0.95
)

// PlaceholderEnhance is the brightness gain applied by NearestEngine.
const PlaceholderEnhance float32 = 1.1

const (
	mimeJPEG    = "image/jpeg"
	mimePNG     = "image/png"
	mimeWebP    = "image/webp"
	mimeUnknown = "application/octet-stream"
)

// SupportedContentTypes lists the accepted input content types.
func SupportedContentTypes() []string {
	return []string{mimeJPEG, mimePNG, mimeWebP}
}

const (
	percentLoadStart  = 0
	percentEngineWait = 10
	percentConvert    = 20
	percentInferStart = 30
	percentInferEnd   = 90
	percentFinalize   = 90
	percentDone       = 100
	etaMinPercent     = 5
)

const (
	downloadNamePrefix = "upscaled-image-2x"
	minJPEGQuality     = 1
	maxJPEGQuality     = 100
)
