package models

import "fmt"

// Volume represents a single-channel 3D image volume
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order,
	// indexed as z*Width*Height + y*Width + x
	Data []float64

	// Width is the extent of the volume along the X axis in voxels
	Width int

	// Height is the extent of the volume along the Y axis in voxels
	Height int

	// Depth is the extent of the volume along the Z axis in voxels
	Depth int

	// Affine is an optional orientation matrix carried through from the
	// source file. The core never interprets it; it is passed along so
	// that exported patches and masks can keep their spatial reference.
	Affine []float64
}

// NewVolume allocates a zero-filled volume with the given extents.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Index returns the flat index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume, including the affine.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:   make([]float64, len(v.Data)),
		Width:  v.Width,
		Height: v.Height,
		Depth:  v.Depth,
	}
	copy(out.Data, v.Data)
	if v.Affine != nil {
		out.Affine = make([]float64, len(v.Affine))
		copy(out.Affine, v.Affine)
	}
	return out
}

// SameShape reports whether two volumes have identical extents.
func (v *Volume) SameShape(other *Volume) bool {
	return v.Width == other.Width && v.Height == other.Height && v.Depth == other.Depth
}

// AxisBounds is an inclusive (start, end) index pair along one axis.
type AxisBounds struct {
	Start int
	End   int
}

// Size returns the number of voxels covered by the bounds.
func (b AxisBounds) Size() int {
	return b.End - b.Start + 1
}

// Bounds is a triple of inclusive per-axis bounds in (X, Y, Z) order.
// It identifies a rectangular sub-region of a volume and can be reused
// to apply the identical crop to a co-registered second-modality volume.
type Bounds [3]AxisBounds

// Validate checks that the bounds lie inside a volume with the given
// extents and that start does not exceed end on any axis.
func (b Bounds) Validate(width, height, depth int) error {
	extents := [3]int{width, height, depth}
	names := [3]string{"x", "y", "z"}
	for i, ab := range b {
		if ab.Start < 0 || ab.End >= extents[i] || ab.Start > ab.End {
			return fmt.Errorf("bounds [%d, %d] invalid for %s axis of extent %d",
				ab.Start, ab.End, names[i], extents[i])
		}
	}
	return nil
}

// Extract returns the sub-volume covered by bounds b. The result is a new
// volume; the source is never mutated. The source affine is carried over.
func (v *Volume) Extract(b Bounds) (*Volume, error) {
	if err := b.Validate(v.Width, v.Height, v.Depth); err != nil {
		return nil, err
	}
	out := NewVolume(b[0].Size(), b[1].Size(), b[2].Size())
	if v.Affine != nil {
		out.Affine = make([]float64, len(v.Affine))
		copy(out.Affine, v.Affine)
	}
	for z := 0; z < out.Depth; z++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, z, v.At(b[0].Start+x, b[1].Start+y, b[2].Start+z))
			}
		}
	}
	return out, nil
}

// Case pairs an image volume with its ground-truth label volume.
type Case struct {
	// ID identifies the case for logging and output file naming
	ID string

	// Image is the intensity volume handed to the network
	Image *Volume

	// Label is the ground-truth segmentation volume
	Label *Volume
}
