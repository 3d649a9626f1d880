package superres

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG decoder.
	_ "image/png"  // Register PNG decoder.
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/gift"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder.
)

// LoadOptions controls input validation and downsampling.
type LoadOptions struct {
	MaxFileSize  int64
	MaxDimension int
	// Interpolation is used when the input is downsampled to MaxDimension.
	Interpolation Interpolation
}

func defaultLoadOptions() LoadOptions {
	return LoadOptions{
		MaxFileSize:   DefaultMaxFileSize,
		MaxDimension:  DefaultMaxDimension,
		Interpolation: InterpolationBicubic,
	}
}

// Load validates and decodes an image file.
//
// The declared content type is checked first, then the byte length, and only then
// the data is decoded. Inputs larger than LoadOptions.MaxDimension on either side
// are downsampled once, preserving the aspect ratio.
func Load(data []byte, file FileInfo, opts ...func(o *LoadOptions)) (*SourceImage, error) {
	opt := defaultLoadOptions()
	for _, applyOpt := range opts {
		applyOpt(&opt)
	}

	file.Size = int64(len(data))
	if err := ValidateFile(file, opt.MaxFileSize); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecodeFailure)
	}

	src := &SourceImage{
		File:           file,
		OriginalWidth:  b.Dx(),
		OriginalHeight: b.Dy(),
	}
	if w, h, ok := fitDimensions(b.Dx(), b.Dy(), opt.MaxDimension); ok {
		src.Bitmap = downsample(img, w, h, opt.Interpolation)
	} else {
		src.Bitmap = toNRGBA(img)
	}
	src.Width = src.Bitmap.Rect.Dx()
	src.Height = src.Bitmap.Rect.Dy()

	return src, nil
}

// LoadFile reads an image from path and loads it.
func LoadFile(path string, opts ...func(o *LoadOptions)) (*SourceImage, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Load(data, FileInfo{Name: filepath.Base(path), ContentType: DeclaredContentType(path, data)}, opts...)
}

// DeclaredContentType derives the content type of a file from its name extension,
// or sniffs it from data if the extension is unknown.
func DeclaredContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return sniffContentType(data[:min(len(data), sniffLen)])
}

// ValidateFile checks the declared content type and size of a file.
func ValidateFile(file FileInfo, maxSize int64) error {
	ct := normalizeContentType(file.ContentType)
	supported := false
	for _, t := range SupportedContentTypes() {
		if ct == t {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("%w: %q, use JPG, PNG or WebP", ErrUnsupportedFormat, file.ContentType)
	}
	if maxSize > 0 && file.Size > maxSize {
		return fmt.Errorf("%w: %d bytes, maximum is %s", ErrFileTooLarge, file.Size, FormatBytes(maxSize))
	}
	return nil
}

func normalizeContentType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// fitDimensions returns the downsampled size of a w x h image so that the larger side
// equals maxDim, ok is false when the image already fits.
func fitDimensions(w, h, maxDim int) (int, int, bool) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h, false
	}
	scale := math.Min(float64(maxDim)/float64(w), float64(maxDim)/float64(h))
	nw := int(math.Floor(float64(w) * scale))
	nh := int(math.Floor(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh, true
}

func downsample(img image.Image, w, h int, interp Interpolation) *image.NRGBA {
	g := gift.New(gift.Resize(w, h, giftResampling(interp)))
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

func giftResampling(interp Interpolation) gift.Resampling {
	switch interp {
	case InterpolationNearest:
		return gift.NearestNeighborResampling
	case InterpolationBilinear:
		return gift.LinearResampling
	case InterpolationLanczos2, InterpolationLanczos3:
		return gift.LanczosResampling
	default:
		return gift.CubicResampling
	}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}
