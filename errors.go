package superres

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned for content types outside of SupportedContentTypes.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrFileTooLarge is returned when input exceeds the configured byte ceiling.
	ErrFileTooLarge = errors.New("file too large")
	// ErrDecodeFailure is returned when an accepted input can not be decoded.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrEngineInit is returned when the inference engine is unavailable or failed to load.
	ErrEngineInit = errors.New("engine init failed")
	// ErrInference is returned when an engine call fails or returns a malformed tensor.
	ErrInference = errors.New("inference failed")
	// ErrExport is returned when the result can not be encoded.
	ErrExport = errors.New("export failed")
	// ErrBusy is returned when an upscale is already in flight.
	ErrBusy = errors.New("upscale already in progress")
	// ErrNoImage is returned when an upscale is requested without a loaded image.
	ErrNoImage = errors.New("no image loaded")
)

// TileError describes a tile that failed inference and was left blank.
type TileError struct {
	Tile Tile
	Err  error
}

func (e TileError) Error() string {
	return fmt.Sprintf("tile %d,%d: %v", e.Tile.Col, e.Tile.Row, e.Err)
}

func (e TileError) Unwrap() error {
	return e.Err
}
