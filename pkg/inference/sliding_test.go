package inference

import (
	"math"
	"testing"

	"vsseg3d/internal/models"
	"vsseg3d/pkg/network"
)

func testNet(t *testing.T) *network.Net {
	t.Helper()
	net, err := network.New(network.Options{
		InChannels:        1,
		OutChannels:       2,
		Channels:          []int{12, 16},
		Strides:           [][3]int{{2, 2, 2}},
		KernelSizes:       [][3]int{{3, 3, 3}, {3, 3, 3}},
		SampleKernelSizes: [][3]int{{3, 3, 3}},
		NumResUnits:       1,
		Norm:              network.NormBatch,
		Act:               network.ActPReLU,
		Attention:         true,
		NumHeads:          4,
		HiddenMult:        2,
		Seed:              11,
	})
	if err != nil {
		t.Fatalf("network.New failed: %v", err)
	}
	return net
}

func testVolume(w, h, d int) *models.Volume {
	vol := models.NewVolume(w, h, d)
	for i := range vol.Data {
		vol.Data[i] = math.Sin(float64(i) * 0.37)
	}
	return vol
}

// TestTileStarts checks the start offsets for a known axis and the
// pulled-back final tile
func TestTileStarts(t *testing.T) {
	tests := []struct {
		extent, tile int
		overlap      float64
		want         []int
	}{
		{8, 4, 0.25, []int{0, 3, 4}},
		{4, 4, 0.25, []int{0}},
		{3, 8, 0.25, []int{0}},
		{10, 4, 0.5, []int{0, 2, 4, 6}},
	}
	for _, tc := range tests {
		got := tileStarts(tc.extent, tc.tile, tc.overlap)
		if len(got) != len(tc.want) {
			t.Errorf("tileStarts(%d, %d, %v): expected %v, got %v", tc.extent, tc.tile, tc.overlap, tc.want, got)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("tileStarts(%d, %d, %v): expected %v, got %v", tc.extent, tc.tile, tc.overlap, tc.want, got)
				break
			}
		}
	}
}

// TestTileStartsCoverage verifies the last tile always reaches the axis
// end and no start leaves a gap larger than the tile
func TestTileStartsCoverage(t *testing.T) {
	for _, extent := range []int{5, 17, 64, 100} {
		for _, tile := range []int{3, 8, 16} {
			starts := tileStarts(extent, tile, 0.25)
			last := starts[len(starts)-1]
			cover := last + tile
			if tile < extent && cover != extent {
				t.Errorf("extent=%d tile=%d: last tile covers up to %d", extent, tile, cover)
			}
			for i := 1; i < len(starts); i++ {
				if starts[i] <= starts[i-1] {
					t.Errorf("extent=%d tile=%d: starts not increasing: %v", extent, tile, starts)
				}
				if starts[i]-starts[i-1] > tile {
					t.Errorf("extent=%d tile=%d: gap between tiles: %v", extent, tile, starts)
				}
			}
		}
	}
}

// TestGaussianWeights checks positivity, symmetry and the centre peak
func TestGaussianWeights(t *testing.T) {
	w := gaussianWeights(9, 0.125)
	for i, v := range w {
		if v <= 0 {
			t.Errorf("Weight %d not positive: %v", i, v)
		}
	}
	for i := range w {
		j := len(w) - 1 - i
		if math.Abs(w[i]-w[j]) > 1e-12 {
			t.Errorf("Weights not symmetric at %d/%d: %v vs %v", i, j, w[i], w[j])
		}
	}
	center := len(w) / 2
	for i, v := range w {
		if i != center && v > w[center] {
			t.Errorf("Weight %d exceeds centre weight: %v > %v", i, v, w[center])
		}
	}
}

// TestSlidingWindowSingleTile uses an ROI matching the volume extents, so
// the single tile must reproduce a direct evaluation exactly
func TestSlidingWindowSingleTile(t *testing.T) {
	net := testNet(t)
	vol := testVolume(6, 6, 6)

	opts := Options{ROI: [3]int{6, 6, 6}, Overlap: 0.25, SigmaScale: 0.125, Workers: 1}
	blended, err := SlidingWindow(vol, net, opts, nil)
	if err != nil {
		t.Fatalf("SlidingWindow failed: %v", err)
	}
	if len(blended) != 2 {
		t.Fatalf("Expected 2 channel volumes, got %d", len(blended))
	}

	direct, _, err := net.Forward(network.GridFromVolume(vol))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for c := 0; c < 2; c++ {
		ch, err := network.ChannelToVolume(direct, c)
		if err != nil {
			t.Fatalf("ChannelToVolume failed: %v", err)
		}
		for i := range ch.Data {
			if math.Abs(blended[c].Data[i]-ch.Data[i]) > 1e-12 {
				t.Fatalf("Channel %d element %d: blended %v differs from direct %v", c, i, blended[c].Data[i], ch.Data[i])
			}
		}
	}
}

// TestSlidingWindowPadsShortAxes runs a volume that is shorter than the
// ROI on one axis. The short axis must be padded up to the tile so the
// network keeps its stride-compatible input, and the prediction must be
// cropped back to the original extents
func TestSlidingWindowPadsShortAxes(t *testing.T) {
	net := testNet(t)
	vol := testVolume(7, 8, 8)

	opts := Options{ROI: [3]int{8, 8, 8}, Overlap: 0.25, SigmaScale: 0.125, Workers: 1}
	out, err := SlidingWindow(vol, net, opts, nil)
	if err != nil {
		t.Fatalf("SlidingWindow failed on a volume shorter than the ROI: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 channel volumes, got %d", len(out))
	}
	for c, ov := range out {
		if !ov.SameShape(vol) {
			t.Errorf("Channel %d output shape (%d, %d, %d) differs from input", c, ov.Width, ov.Height, ov.Depth)
		}
		for i, v := range ov.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("Channel %d element %d not finite: %v", c, i, v)
			}
		}
	}
}

// TestPadVolumePreservesVoxels checks the padded copy keeps the source
// values at their coordinates and zero-fills the margin
func TestPadVolumePreservesVoxels(t *testing.T) {
	vol := testVolume(3, 4, 2)
	vol.Affine = []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

	padded := padVolume(vol, [3]int{5, 4, 3})
	if padded.Width != 5 || padded.Height != 4 || padded.Depth != 3 {
		t.Fatalf("Expected padded extents (5, 4, 3), got (%d, %d, %d)", padded.Width, padded.Height, padded.Depth)
	}
	if len(padded.Affine) != len(vol.Affine) {
		t.Fatalf("Affine not carried over")
	}
	for z := 0; z < padded.Depth; z++ {
		for y := 0; y < padded.Height; y++ {
			for x := 0; x < padded.Width; x++ {
				got := padded.At(x, y, z)
				if x < vol.Width && y < vol.Height && z < vol.Depth {
					if got != vol.At(x, y, z) {
						t.Fatalf("Voxel (%d, %d, %d): expected %v, got %v", x, y, z, vol.At(x, y, z), got)
					}
				} else if got != 0 {
					t.Fatalf("Margin voxel (%d, %d, %d) not zero: %v", x, y, z, got)
				}
			}
		}
	}
}

// TestSlidingWindowTiled covers a volume with overlapping tiles and
// checks the reassembled extents and value sanity
func TestSlidingWindowTiled(t *testing.T) {
	net := testNet(t)
	vol := testVolume(8, 8, 8)

	opts := Options{ROI: [3]int{4, 4, 4}, Overlap: 0.25, SigmaScale: 0.125, Workers: 1}
	out, err := SlidingWindow(vol, net, opts, nil)
	if err != nil {
		t.Fatalf("SlidingWindow failed: %v", err)
	}
	for c, ov := range out {
		if !ov.SameShape(vol) {
			t.Errorf("Channel %d output shape (%d, %d, %d) differs from input", c, ov.Width, ov.Height, ov.Depth)
		}
		for i, v := range ov.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("Channel %d element %d not finite: %v", c, i, v)
			}
		}
	}
}

// TestSlidingWindowWorkersAgree runs the same pass serially and with a
// worker pool; tile order must not change the blended result beyond
// floating point reassociation
func TestSlidingWindowWorkersAgree(t *testing.T) {
	net := testNet(t)
	vol := testVolume(8, 8, 6)

	serial, err := SlidingWindow(vol, net, Options{ROI: [3]int{4, 4, 4}, Overlap: 0.25, SigmaScale: 0.125, Workers: 1}, nil)
	if err != nil {
		t.Fatalf("SlidingWindow (serial) failed: %v", err)
	}
	parallel, err := SlidingWindow(vol, net, Options{ROI: [3]int{4, 4, 4}, Overlap: 0.25, SigmaScale: 0.125, Workers: 4}, nil)
	if err != nil {
		t.Fatalf("SlidingWindow (parallel) failed: %v", err)
	}
	for c := range serial {
		for i := range serial[c].Data {
			if math.Abs(serial[c].Data[i]-parallel[c].Data[i]) > 1e-9 {
				t.Fatalf("Channel %d element %d: serial %v vs parallel %v", c, i, serial[c].Data[i], parallel[c].Data[i])
			}
		}
	}
}

// TestSlidingWindowBadOptions rejects invalid overlap and ROI values
func TestSlidingWindowBadOptions(t *testing.T) {
	net := testNet(t)
	vol := testVolume(8, 8, 8)

	if _, err := SlidingWindow(vol, net, Options{ROI: [3]int{4, 4, 4}, Overlap: 1.0, Workers: 1}, nil); err == nil {
		t.Errorf("Expected error for overlap of 1")
	}
	if _, err := SlidingWindow(vol, net, Options{ROI: [3]int{0, 4, 4}, Overlap: 0.25, Workers: 1}, nil); err == nil {
		t.Errorf("Expected error for non-positive ROI axis")
	}
}
