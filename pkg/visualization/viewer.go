// Package visualization renders greyscale slice images from volumes so
// predictions and labels can be eyeballed without a medical image viewer.
// It is the interface boundary toward plotting proper, which stays outside
// the core.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"vsseg3d/internal/models"
	"vsseg3d/pkg/patchex"
)

// Viewer extracts 2D slice images from a volume. Intensities are mapped
// to the 16-bit grey range by the volume's own minimum and maximum, so
// raw logits render as usefully as binary masks.
type Viewer struct {
	volume   *models.Volume
	min, max float64
}

// NewViewer creates a viewer over a volume.
func NewViewer(volume *models.Volume) *Viewer {
	v := &Viewer{volume: volume}
	v.min, v.max = v.volume.Data[0], v.volume.Data[0]
	for _, val := range v.volume.Data {
		if val < v.min {
			v.min = val
		}
		if val > v.max {
			v.max = val
		}
	}
	return v
}

func (v *Viewer) grey(val float64) color.Gray16 {
	if v.max == v.min {
		return color.Gray16{}
	}
	norm := (val - v.min) / (v.max - v.min)
	return color.Gray16{Y: uint16(norm * 65535)}
}

// ExtractSlice extracts a 2D slice image along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	switch axis {
	case "x", "X":
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.grey(vol.At(position, y, z)))
			}
		}
		return img, nil

	case "y", "Y":
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.grey(vol.At(x, position, z)))
			}
		}
		return img, nil

	case "z", "Z":
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.grey(vol.At(x, y, position)))
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveCenterOfMassSlice renders the depth slice closest to the label's
// centre of mass, the slice most likely to show the structure of
// interest. The label steers the slice choice; the viewer's own volume
// provides the pixels, so the same slice index can be rendered from the
// image, the label and the prediction for side-by-side inspection.
func (v *Viewer) SaveCenterOfMassSlice(label *models.Volume, filename string) (int, error) {
	slice := patchex.CenterOfMassSlice(label)
	img, err := v.ExtractSlice("z", slice)
	if err != nil {
		return 0, err
	}
	return slice, v.SaveSlice(img, filename)
}

// SaveSliceSequence extracts and saves every slice along the given axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
