// Package superres provides a 2x image super-resolution pipeline.
//
// Images are validated and decoded by Load, converted into planar float32 tensors,
// optionally split into fixed-size tiles and passed to an external inference Engine.
// Engine outputs are composited onto a canvas twice the source size. When no engine
// is available the Upscaler falls back to a plain geometric upscale.
package superres
