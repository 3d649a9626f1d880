package superres

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
)

// Format is an export image format.
type Format string

// Export formats.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpg"
	FormatWebP Format = "webp"
)

// ParseFormat resolves a format name, "jpeg" is accepted as an alias of "jpg".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrExport, s)
	}
}

// MIMEType returns the content type of the format.
func (f Format) MIMEType() string {
	switch f.normalize() {
	case FormatJPEG:
		return mimeJPEG
	case FormatWebP:
		return mimeWebP
	default:
		return mimePNG
	}
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	return string(f.normalize())
}

// normalize maps the zero value to png.
func (f Format) normalize() Format {
	if f == "" {
		return FormatPNG
	}
	return f
}

// Export encodes img in the given format.
// Quality is in [0,1] and only affects JPEG, values out of range are clamped.
func Export(img image.Image, f Format, quality float64) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrExport)
	}

	var buf bytes.Buffer
	var err error

	switch f.normalize() {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(quality)})
	case FormatWebP:
		err = nativewebp.Encode(&buf, img, nil)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrExport, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrExport, f.Extension(), err)
	}

	return buf.Bytes(), nil
}

func jpegQuality(q float64) int {
	if math.IsNaN(q) {
		q = DefaultQuality
	}
	v := int(math.Round(q * 100))
	return min(max(v, minJPEGQuality), maxJPEGQuality)
}

// QualityFromPercent converts a download quality in [0,100] to the [0,1] scale of Export.
func QualityFromPercent(p int) (float64, error) {
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: quality %d out of range [0,100]", ErrExport, p)
	}
	return float64(p) / 100, nil
}

// DownloadName is the suggested file name of an exported result.
func DownloadName(f Format) string {
	return downloadNamePrefix + "." + f.Extension()
}

// SaveExport encodes img and writes it to dir under DownloadName.
func SaveExport(dir string, img image.Image, f Format, quality float64) (string, error) {
	data, err := Export(img, f, quality)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, DownloadName(f))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExport, err)
	}

	return path, nil
}
