// Package patchex locates the structure of interest in a full-volume
// prediction and extracts a fixed-size, boundary-clamped 3D window around
// it, reproducibly for the prediction, the ground-truth label, and any
// co-registered second-modality volume via the returned bounds.
package patchex

import (
	"fmt"

	"vsseg3d/internal/models"
)

// DefaultWindowSize is the extracted patch extent per axis.
const DefaultWindowSize = 96

// PeakCoordinate finds the voxel of peak response in a foreground response
// map: first the depth slice with the largest aggregate response, then the
// maximum within that slice. Negative responses are ignored, and ties are
// broken by first occurrence in row-major scan order. An all-zero map
// yields (0, 0, 0), which is still a valid in-range coordinate.
func PeakCoordinate(pred *models.Volume) (x, y, z int) {
	bestSlice := 0
	bestMass := -1.0
	for zz := 0; zz < pred.Depth; zz++ {
		mass := 0.0
		for yy := 0; yy < pred.Height; yy++ {
			for xx := 0; xx < pred.Width; xx++ {
				if v := pred.At(xx, yy, zz); v > 0 {
					mass += v
				}
			}
		}
		if mass > bestMass {
			bestMass = mass
			bestSlice = zz
		}
	}

	bestX, bestY := 0, 0
	bestVal := pred.At(0, 0, bestSlice)
	for yy := 0; yy < pred.Height; yy++ {
		for xx := 0; xx < pred.Width; xx++ {
			if v := pred.At(xx, yy, bestSlice); v > bestVal {
				bestVal = v
				bestX, bestY = xx, yy
			}
		}
	}
	return bestX, bestY, bestSlice
}

// SafeBounds derives the inclusive window bounds along one axis: the
// window is centred on center, shifted left if it runs past the axis end,
// and clamped to start at zero. When the axis is shorter than the window
// the bounds saturate to the whole axis, so the extracted patch is
// truncated rather than padded; callers needing a fixed extent must pad
// downstream.
func SafeBounds(center, window, extent int) models.AxisBounds {
	if window >= extent {
		return models.AxisBounds{Start: 0, End: extent - 1}
	}
	start := center - window/2
	if start < 0 {
		start = 0
	}
	if start+window > extent {
		start = extent - window
	}
	return models.AxisBounds{Start: start, End: start + window - 1}
}

// WindowAround builds the full bounds triple of a window-sized region
// centred at (x, y, z) inside a volume of the given extents.
func WindowAround(x, y, z, window, width, height, depth int) models.Bounds {
	return models.Bounds{
		SafeBounds(x, window, width),
		SafeBounds(y, window, height),
		SafeBounds(z, window, depth),
	}
}

// Result carries the matched prediction and label patches together with
// the bounds that produced them. Applying Bounds to a co-registered
// second-modality volume reproduces the identical crop.
type Result struct {
	Prediction *models.Volume
	Label      *models.Volume
	Bounds     models.Bounds
	Peak       [3]int
}

// Extract clamps the prediction's negative responses to zero, locates the
// peak-response coordinate, and extracts identically bounded window-sized
// patches from the prediction and the label volume.
func Extract(pred, label *models.Volume, window int) (*Result, error) {
	if window < 1 {
		return nil, fmt.Errorf("patch window size %d must be positive", window)
	}
	if !pred.SameShape(label) {
		return nil, fmt.Errorf("prediction %dx%dx%d and label %dx%dx%d volumes must share extents",
			pred.Width, pred.Height, pred.Depth, label.Width, label.Height, label.Depth)
	}

	clamped := pred.Clone()
	for i, v := range clamped.Data {
		if v < 0 {
			clamped.Data[i] = 0
		}
	}

	x, y, z := PeakCoordinate(clamped)
	bounds := WindowAround(x, y, z, window, pred.Width, pred.Height, pred.Depth)

	predPatch, err := clamped.Extract(bounds)
	if err != nil {
		return nil, fmt.Errorf("extracting prediction patch: %w", err)
	}
	labelPatch, err := label.Extract(bounds)
	if err != nil {
		return nil, fmt.Errorf("extracting label patch: %w", err)
	}
	return &Result{
		Prediction: predPatch,
		Label:      labelPatch,
		Bounds:     bounds,
		Peak:       [3]int{x, y, z},
	}, nil
}

// CenterOfMassSlice returns the depth index whose slice lies closest to
// the label's centre of mass along the depth axis. An all-zero label
// weights every slice equally instead of failing, which lands on the
// middle of the volume.
func CenterOfMassSlice(label *models.Volume) int {
	masses := make([]float64, label.Depth)
	total := 0.0
	for z := 0; z < label.Depth; z++ {
		for y := 0; y < label.Height; y++ {
			for x := 0; x < label.Width; x++ {
				masses[z] += label.At(x, y, z)
			}
		}
		total += masses[z]
	}

	center := 0.0
	if total == 0 {
		uniform := 1.0 / float64(label.Depth)
		for z := range masses {
			center += uniform * float64(z)
		}
	} else {
		for z := range masses {
			center += masses[z] / total * float64(z)
		}
	}
	slice := int(center + 0.5)
	if slice >= label.Depth {
		slice = label.Depth - 1
	}
	return slice
}
