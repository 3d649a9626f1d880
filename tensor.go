package superres

import (
	"fmt"
	"image"
)

// NewTensor allocates a zeroed w x h tensor, with an alpha plane when withAlpha is set.
func NewTensor(w, h int, withAlpha bool) *Tensor {
	n := w * h
	t := &Tensor{
		Width:  w,
		Height: h,
		R:      make([]float32, n),
		G:      make([]float32, n),
		B:      make([]float32, n),
	}
	if withAlpha {
		t.A = make([]float32, n)
	}
	return t
}

// Validate checks that all planes hold exactly Width*Height values.
func (t *Tensor) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("invalid tensor dimensions %dx%d", t.Width, t.Height)
	}
	n := t.Width * t.Height
	if len(t.R) != n || len(t.G) != n || len(t.B) != n {
		return fmt.Errorf("tensor planes must have %d values, R=%d G=%d B=%d", n, len(t.R), len(t.G), len(t.B))
	}
	if t.A != nil && len(t.A) != n {
		return fmt.Errorf("tensor alpha plane must have %d values, got %d", n, len(t.A))
	}
	return nil
}

// ToTensor converts img into a tensor, dividing each 8-bit channel by 255.
// Colour values are taken non-premultiplied.
func ToTensor(img image.Image, includeAlpha bool) *Tensor {
	src := toNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	t := NewTensor(w, h, includeAlpha)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			off := x * 4
			i := y*w + x
			t.R[i] = float32(row[off+0]) / 255
			t.G[i] = float32(row[off+1]) / 255
			t.B[i] = float32(row[off+2]) / 255
			if includeAlpha {
				t.A[i] = float32(row[off+3]) / 255
			}
		}
	}
	return t
}

// FromTensor renders t into a width x height bitmap.
//
// Destination pixel (x,y) samples source pixel (floor(x/scaleX), floor(y/scaleY)) where
// scaleX = width/t.Width. Colour channels are multiplied by enhance and clamped to [0,255].
// Alpha is opaque when t has no alpha plane.
func FromTensor(t *Tensor, width, height int, enhance float32) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if t.Width <= 0 || t.Height <= 0 {
		return dst
	}
	for y := 0; y < height; y++ {
		sy := y * t.Height / height
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < width; x++ {
			sx := x * t.Width / width
			i := sy*t.Width + sx
			off := x * 4
			row[off+0] = clampToByte(t.R[i] * 255 * enhance)
			row[off+1] = clampToByte(t.G[i] * 255 * enhance)
			row[off+2] = clampToByte(t.B[i] * 255 * enhance)
			if t.A != nil {
				row[off+3] = clampToByte(t.A[i] * 255)
			} else {
				row[off+3] = 0xFF
			}
		}
	}
	return dst
}

// NCHW packs the colour planes into a [1, 3, Height, Width] tensor.
// The alpha plane is not part of the model input.
func (t *Tensor) NCHW() NCHW {
	plane := t.Width * t.Height
	data := make([]float32, 3*plane)
	copy(data[0*plane:], t.R)
	copy(data[1*plane:], t.G)
	copy(data[2*plane:], t.B)
	return NCHW{N: 1, C: 3, H: t.Height, W: t.Width, Data: data}
}

// Validate checks that the shape matches the data length.
func (n NCHW) Validate() error {
	if n.N <= 0 || n.C <= 0 || n.H <= 0 || n.W <= 0 {
		return fmt.Errorf("invalid shape [%d %d %d %d]", n.N, n.C, n.H, n.W)
	}
	if want := n.N * n.C * n.H * n.W; len(n.Data) != want {
		return fmt.Errorf("shape [%d %d %d %d] needs %d values, got %d", n.N, n.C, n.H, n.W, want, len(n.Data))
	}
	return nil
}

// TensorFromNCHW unpacks a [1, 3, H, W] tensor into colour planes.
func TensorFromNCHW(n NCHW) (*Tensor, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.N != 1 || n.C != 3 {
		return nil, fmt.Errorf("expected [1 3 H W] tensor, got [%d %d %d %d]", n.N, n.C, n.H, n.W)
	}
	plane := n.H * n.W
	return &Tensor{
		Width:  n.W,
		Height: n.H,
		R:      n.Data[0*plane : 1*plane],
		G:      n.Data[1*plane : 2*plane],
		B:      n.Data[2*plane : 3*plane],
	}, nil
}

// scalePlaneNearest maps a w x h plane onto dw x dh by nearest source sampling.
func scalePlaneNearest(src []float32, w, h, dw, dh int) []float32 {
	out := make([]float32, dw*dh)
	for y := 0; y < dh; y++ {
		sy := y * h / dh
		for x := 0; x < dw; x++ {
			out[y*dw+x] = src[sy*w+x*w/dw]
		}
	}
	return out
}
