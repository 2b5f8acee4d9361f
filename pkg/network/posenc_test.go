package network

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// TestPositionalEncodingShape verifies the token-sequence shape of the
// embedding
func TestPositionalEncodingShape(t *testing.T) {
	pe, err := PositionalEncoding(2, 3, 4, 12)
	if err != nil {
		t.Fatalf("PositionalEncoding failed: %v", err)
	}

	rows, cols := pe.Dims()
	if rows != 2*3*4 {
		t.Errorf("Expected %d tokens, got %d", 2*3*4, rows)
	}
	if cols != 12 {
		t.Errorf("Expected embedding dimension 12, got %d", cols)
	}
}

// TestPositionalEncodingDivisibility ensures the 3-axis split is enforced
func TestPositionalEncodingDivisibility(t *testing.T) {
	if _, err := PositionalEncoding(2, 2, 2, 10); err == nil {
		t.Errorf("Expected error for embedding dimension not divisible by 3")
	}
}

// TestPositionalEncodingDeterministic checks that two calls with the same
// extents produce bit-identical output
func TestPositionalEncodingDeterministic(t *testing.T) {
	first, err := PositionalEncoding(3, 4, 5, 18)
	if err != nil {
		t.Fatalf("PositionalEncoding failed: %v", err)
	}
	second, err := PositionalEncoding(3, 4, 5, 18)
	if err != nil {
		t.Fatalf("PositionalEncoding failed: %v", err)
	}

	a := first.RawMatrix().Data
	b := second.RawMatrix().Data
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Encodings differ at element %d: %v vs %v", i, a[i], b[i])
		}
	}
}

// TestPositionalEncodingValues spot-checks the sinusoidal scheme against
// the closed form: within each axis's slot group, even slots hold
// sin(coord * freq_j) and odd slots cos(coord * freq_j) with
// freq_j = 10000^(-2j/slotsPerAxis)
func TestPositionalEncodingValues(t *testing.T) {
	h, w, d, embed := 2, 3, 4, 12
	dimEach := embed / 3
	pe, err := PositionalEncoding(h, w, d, embed)
	if err != nil {
		t.Fatalf("PositionalEncoding failed: %v", err)
	}

	// Token order is row-major over (H, W, D)
	hh, ww, dd := 1, 2, 3
	token := hh*w*d + ww*d + dd
	coords := []float64{float64(hh), float64(ww), float64(dd)}

	for axis := 0; axis < 3; axis++ {
		for j := 0; 2*j < dimEach; j++ {
			freq := math.Exp(float64(2*j) * (-math.Log(10000.0) / float64(dimEach)))
			angle := coords[axis] * freq

			got := pe.At(token, axis*dimEach+2*j)
			if math.Abs(got-math.Sin(angle)) > 1e-12 {
				t.Errorf("axis %d slot %d: expected sin=%v, got %v", axis, 2*j, math.Sin(angle), got)
			}
			if 2*j+1 < dimEach {
				got = pe.At(token, axis*dimEach+2*j+1)
				if math.Abs(got-math.Cos(angle)) > 1e-12 {
					t.Errorf("axis %d slot %d: expected cos=%v, got %v", axis, 2*j+1, math.Cos(angle), got)
				}
			}
		}
	}
}

// TestPositionalEncodingTokenOrderMatchesFlatten guards the shared
// row-major (H, W, D) ordering assumption of the encoder and the token
// flattening: a marked voxel must land on the token row the encoder
// assigns to its coordinates
func TestPositionalEncodingTokenOrderMatchesFlatten(t *testing.T) {
	g := NewGrid(1, 2, 3, 4)
	hh, ww, dd := 1, 1, 2
	g.Set(0, hh, ww, dd, 7.5)

	tokens := flattenTokens(g)
	expectedRow := hh*g.W*g.D + ww*g.D + dd
	if tokens.At(expectedRow, 0) != 7.5 {
		t.Errorf("Expected marked voxel at token row %d, found %v", expectedRow, mat.Col(nil, 0, tokens))
	}
}
