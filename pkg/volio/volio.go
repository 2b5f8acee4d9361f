// Package volio reads and writes volumes in a minimal raw container
// format so predictions and patches can round-trip to disk. It is the
// interface boundary toward the medical image formats proper (NIfTI,
// DICOM), whose parsing stays outside the core: converters are expected
// to produce this container.
//
// Layout, all little-endian: 4-byte magic "VSV1", three uint32 extents
// (width, height, depth), a uint32 affine length followed by that many
// float64 affine entries, then width*height*depth float64 voxels in
// row-major (z, y, x) order.
package volio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"vsseg3d/internal/models"
)

var magic = [4]byte{'V', 'S', 'V', '1'}

// Save writes a volume to path, creating parent directories as needed.
func Save(path string, v *models.Volume) error {
	if len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("volume data length %d does not match extents %dx%dx%d",
			len(v.Data), v.Width, v.Height, v.Depth)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating volume file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	header := []uint32{uint32(v.Width), uint32(v.Height), uint32(v.Depth), uint32(len(v.Affine))}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return err
		}
	}
	if len(v.Affine) > 0 {
		if err := binary.Write(w, binary.LittleEndian, v.Affine); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, v.Data); err != nil {
		return err
	}
	return w.Flush()
}

// Load reads a volume from path.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening volume file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("error reading magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("%s is not a volume container (bad magic %q)", path, got[:])
	}

	var width, height, depth, affineLen uint32
	for _, dst := range []*uint32{&width, &height, &depth, &affineLen} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("error reading header: %w", err)
		}
	}

	v := models.NewVolume(int(width), int(height), int(depth))
	if affineLen > 0 {
		v.Affine = make([]float64, affineLen)
		if err := binary.Read(r, binary.LittleEndian, v.Affine); err != nil {
			return nil, fmt.Errorf("error reading affine: %w", err)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("error reading voxel data: %w", err)
	}
	return v, nil
}
