package superres

import (
	"image"

	"golang.org/x/image/draw"
)

// ShouldTile reports whether a width x height image is processed in tiles.
func ShouldTile(width, height, tileSize int, enabled bool) bool {
	return enabled && tileSize > 0 && (width > tileSize || height > tileSize)
}

// PlanTiles partitions [0,width) x [0,height) into a row-major grid of tiles.
//
// The grid has ceil(width/tileSize) columns and ceil(height/tileSize) rows. Tiles of
// the last row and column are clipped to the image, never padded. A non-positive
// tileSize yields a single tile covering the whole image.
func PlanTiles(width, height, tileSize int) []Tile {
	if width <= 0 || height <= 0 {
		return nil
	}
	if tileSize <= 0 {
		return []Tile{{Width: width, Height: height}}
	}
	cols := (width + tileSize - 1) / tileSize
	rows := (height + tileSize - 1) / tileSize
	tiles := make([]Tile, 0, cols*rows)
	for ty := 0; ty < rows; ty++ {
		y0 := ty * tileSize
		y1 := min(y0+tileSize, height)
		for tx := 0; tx < cols; tx++ {
			x0 := tx * tileSize
			x1 := min(x0+tileSize, width)
			tiles = append(tiles, Tile{
				Col:    tx,
				Row:    ty,
				X:      x0,
				Y:      y0,
				Width:  x1 - x0,
				Height: y1 - y0,
			})
		}
	}
	return tiles
}

// Extract copies the tile region of t into a new tensor.
func (t *Tensor) Extract(tile Tile) *Tensor {
	out := NewTensor(tile.Width, tile.Height, t.A != nil)
	for y := 0; y < tile.Height; y++ {
		src := (tile.Y+y)*t.Width + tile.X
		dst := y * tile.Width
		copy(out.R[dst:dst+tile.Width], t.R[src:src+tile.Width])
		copy(out.G[dst:dst+tile.Width], t.G[src:src+tile.Width])
		copy(out.B[dst:dst+tile.Width], t.B[src:src+tile.Width])
		if t.A != nil {
			copy(out.A[dst:dst+tile.Width], t.A[src:src+tile.Width])
		}
	}
	return out
}

// compositeTile draws an upscaled tile onto canvas at the scaled tile origin.
func compositeTile(canvas *image.NRGBA, tile Tile, img image.Image) {
	dst := tile.Dest()
	draw.Draw(canvas, dst, img, img.Bounds().Min, draw.Src)
}
