// Package inference runs the segmentation network over full-resolution
// volumes that exceed the network's working window. The volume is tiled
// into overlapping region-of-interest crops, each tile is evaluated
// independently, and the tile outputs are blended into a full-extent
// prediction with a Gaussian centre-weighted kernel so that tile seams do
// not imprint on the result.
package inference

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vsseg3d/internal/models"
	"vsseg3d/pkg/network"
)

// Options controls the sliding-window pass.
type Options struct {
	// ROI is the tile size per axis in (X, Y, Z) order. Volumes shorter
	// than the ROI on an axis are zero-padded up to it, so every tile the
	// network sees has the full, stride-compatible ROI extent.
	ROI [3]int

	// Overlap is the fraction of the ROI shared by neighbouring tiles.
	Overlap float64

	// SigmaScale sets the width of the Gaussian blending kernel relative
	// to the tile size.
	SigmaScale float64

	// Workers is the tile batch width: how many tiles evaluate
	// concurrently. Tiles are independent, so ordering does not matter.
	Workers int
}

// DefaultOptions mirrors the reference inference configuration: a
// (384, 384, 64) window with 25% overlap and Gaussian blending.
func DefaultOptions() Options {
	return Options{
		ROI:        [3]int{384, 384, 64},
		Overlap:    0.25,
		SigmaScale: 0.125,
		Workers:    1,
	}
}

// SlidingWindow evaluates net over vol tile by tile and reassembles a
// full-extent prediction, one volume per segmentation channel. Attention
// maps produced inside each tile are evaluation-scoped and are not blended
// across tiles; only the logits contribute to the output.
func SlidingWindow(vol *models.Volume, net *network.Net, opts Options, log *zap.SugaredLogger) ([]*models.Volume, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Overlap < 0 || opts.Overlap >= 1 {
		return nil, fmt.Errorf("tile overlap %v must lie in [0, 1)", opts.Overlap)
	}
	if opts.SigmaScale <= 0 {
		opts.SigmaScale = 0.125
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	tile := opts.ROI
	extents := [3]int{vol.Width, vol.Height, vol.Depth}
	for a := 0; a < 3; a++ {
		if tile[a] < 1 {
			return nil, fmt.Errorf("ROI size %v must be positive on every axis", opts.ROI)
		}
		// Pad short axes up to the tile instead of shrinking the tile:
		// the network only accepts extents divisible by its cumulative
		// stride, and the configured ROI is the extent known to satisfy
		// that.
		if extents[a] < tile[a] {
			extents[a] = tile[a]
		}
	}
	work := vol
	if extents != [3]int{vol.Width, vol.Height, vol.Depth} {
		work = padVolume(vol, extents)
	}

	starts := make([][]int, 3)
	for a := 0; a < 3; a++ {
		starts[a] = tileStarts(extents[a], tile[a], opts.Overlap)
	}
	numTiles := len(starts[0]) * len(starts[1]) * len(starts[2])
	log.Debugw("sliding window plan",
		"volume", []int{vol.Width, vol.Height, vol.Depth},
		"padded", extents, "tile", tile, "tiles", numTiles, "workers", opts.Workers)

	weights := [3][]float64{
		gaussianWeights(tile[0], opts.SigmaScale),
		gaussianWeights(tile[1], opts.SigmaScale),
		gaussianWeights(tile[2], opts.SigmaScale),
	}

	outChannels := net.Options().OutChannels
	accum := make([][]float64, outChannels)
	for c := range accum {
		accum[c] = make([]float64, len(work.Data))
	}
	norm := make([]float64, len(work.Data))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(opts.Workers)

	for _, sx := range starts[0] {
		for _, sy := range starts[1] {
			for _, sz := range starts[2] {
				sx, sy, sz := sx, sy, sz
				bounds := models.Bounds{
					{Start: sx, End: sx + tile[0] - 1},
					{Start: sy, End: sy + tile[1] - 1},
					{Start: sz, End: sz + tile[2] - 1},
				}
				g.Go(func() error {
					crop, err := work.Extract(bounds)
					if err != nil {
						return fmt.Errorf("tile at %v: %w", bounds, err)
					}
					logits, _, err := net.Forward(network.GridFromVolume(crop))
					if err != nil {
						return fmt.Errorf("tile at %v: %w", bounds, err)
					}
					if logits.H != tile[1] || logits.W != tile[0] || logits.D != tile[2] {
						return fmt.Errorf("tile at %v: network output %dx%dx%d does not match tile size",
							bounds, logits.W, logits.H, logits.D)
					}

					mu.Lock()
					defer mu.Unlock()
					for c := 0; c < outChannels; c++ {
						for z := 0; z < tile[2]; z++ {
							for y := 0; y < tile[1]; y++ {
								for x := 0; x < tile[0]; x++ {
									w := weights[0][x] * weights[1][y] * weights[2][z]
									idx := work.Index(sx+x, sy+y, sz+z)
									accum[c][idx] += w * logits.At(c, y, x, z)
									if c == 0 {
										norm[idx] += w
									}
								}
							}
						}
					}
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Crop the blended prediction back to the input extents, discarding
	// any padding margin.
	out := make([]*models.Volume, outChannels)
	for c := 0; c < outChannels; c++ {
		ov := models.NewVolume(vol.Width, vol.Height, vol.Depth)
		if vol.Affine != nil {
			ov.Affine = append([]float64(nil), vol.Affine...)
		}
		for z := 0; z < ov.Depth; z++ {
			for y := 0; y < ov.Height; y++ {
				for x := 0; x < ov.Width; x++ {
					idx := work.Index(x, y, z)
					ov.Set(x, y, z, accum[c][idx]/norm[idx])
				}
			}
		}
		out[c] = ov
	}
	return out, nil
}

// padVolume returns a zero-padded copy of v with the given extents, the
// source data in the low corner.
func padVolume(v *models.Volume, extents [3]int) *models.Volume {
	out := models.NewVolume(extents[0], extents[1], extents[2])
	if v.Affine != nil {
		out.Affine = append([]float64(nil), v.Affine...)
	}
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				out.Set(x, y, z, v.At(x, y, z))
			}
		}
	}
	return out
}

// tileStarts returns the tile start offsets covering an axis: evenly
// stepped by the non-overlapping fraction of the tile, with a final tile
// pulled back so the axis end is always covered.
func tileStarts(extent, tile int, overlap float64) []int {
	if tile >= extent {
		return []int{0}
	}
	step := int(float64(tile) * (1 - overlap))
	if step < 1 {
		step = 1
	}
	var starts []int
	for s := 0; ; s += step {
		if s+tile >= extent {
			starts = append(starts, extent-tile)
			break
		}
		starts = append(starts, s)
	}
	return starts
}

// gaussianWeights is the per-axis blending profile: tiles contribute most
// at their centre and taper toward their edges.
func gaussianWeights(size int, sigmaScale float64) []float64 {
	w := make([]float64, size)
	center := float64(size-1) / 2
	sigma := sigmaScale * float64(size)
	for i := range w {
		d := (float64(i) - center) / sigma
		w[i] = math.Exp(-0.5 * d * d)
		// Keep every voxel weight strictly positive so the
		// normalization never divides by zero at tile corners.
		if w[i] < 1e-8 {
			w[i] = 1e-8
		}
	}
	return w
}
