// Package network builds a configurable volumetric encoder-decoder for
// semantic segmentation. The depth of the network is driven entirely by the
// channel/stride/kernel configuration lists; the deepest stage is refined by
// a self-attention bottleneck, and the decoder stages can be gated by
// spatial attention whose maps are returned alongside the logits.
package network

import (
	"fmt"

	"vsseg3d/internal/models"
)

// Grid is a 4D feature grid of shape (channels, H, W, D) stored as a flat
// slice in row-major order with D varying fastest:
// index = ((c*H + h)*W + w)*D + d.
//
// The (H, W, D) ordering of the spatial axes is load-bearing: the token
// flattening in the transformer block and the positional encoder both
// assume it, and a mismatch degrades refinement silently rather than
// raising a shape error.
type Grid struct {
	Data     []float64
	Channels int
	H, W, D  int
}

// NewGrid allocates a zero-filled grid.
func NewGrid(channels, h, w, d int) *Grid {
	return &Grid{
		Data:     make([]float64, channels*h*w*d),
		Channels: channels,
		H:        h,
		W:        w,
		D:        d,
	}
}

// SpatialSize returns the number of voxels per channel.
func (g *Grid) SpatialSize() int {
	return g.H * g.W * g.D
}

// Index returns the flat index of element (c, h, w, d).
func (g *Grid) Index(c, h, w, d int) int {
	return ((c*g.H+h)*g.W+w)*g.D + d
}

// At returns the element at (c, h, w, d).
func (g *Grid) At(c, h, w, d int) float64 {
	return g.Data[g.Index(c, h, w, d)]
}

// Set assigns the element at (c, h, w, d).
func (g *Grid) Set(c, h, w, d int, value float64) {
	g.Data[g.Index(c, h, w, d)] = value
}

// Channel returns the data slice of a single channel.
func (g *Grid) Channel(c int) []float64 {
	n := g.SpatialSize()
	return g.Data[c*n : (c+1)*n]
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	out := NewGrid(g.Channels, g.H, g.W, g.D)
	copy(out.Data, g.Data)
	return out
}

// sameSpatial reports whether two grids share spatial extents.
func (g *Grid) sameSpatial(other *Grid) bool {
	return g.H == other.H && g.W == other.W && g.D == other.D
}

// GridFromVolume converts a single-channel volume into a feature grid,
// mapping the volume's (x, y, z) axes onto the grid's (h=y, w=x, d=z)
// layout used by the network.
func GridFromVolume(v *models.Volume) *Grid {
	g := NewGrid(1, v.Height, v.Width, v.Depth)
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				g.Set(0, y, x, z, v.At(x, y, z))
			}
		}
	}
	return g
}

// ChannelToVolume converts one channel of a grid back into a volume using
// the inverse axis mapping of GridFromVolume.
func ChannelToVolume(g *Grid, c int) (*models.Volume, error) {
	if c < 0 || c >= g.Channels {
		return nil, fmt.Errorf("channel %d out of range for grid with %d channels", c, g.Channels)
	}
	v := models.NewVolume(g.W, g.H, g.D)
	for z := 0; z < g.D; z++ {
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				v.Set(x, y, z, g.At(c, y, x, z))
			}
		}
	}
	return v, nil
}

// concatChannels concatenates two grids along the channel axis. The skip
// features come first, matching the decoder's expectation that the first
// half of the concatenated channels carries encoder detail.
func concatChannels(skip, x *Grid) (*Grid, error) {
	if !skip.sameSpatial(x) {
		return nil, fmt.Errorf(
			"skip connection spatial mismatch: encoder features %dx%dx%d vs decoder features %dx%dx%d (input extents must be divisible by the cumulative stride)",
			skip.H, skip.W, skip.D, x.H, x.W, x.D)
	}
	out := NewGrid(skip.Channels+x.Channels, x.H, x.W, x.D)
	copy(out.Data[:len(skip.Data)], skip.Data)
	copy(out.Data[len(skip.Data):], x.Data)
	return out, nil
}
