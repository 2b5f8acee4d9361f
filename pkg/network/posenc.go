package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PositionalEncoding produces the fixed 3D sinusoidal position embedding
// for a token sequence flattened from an (H, W, D) grid, as an N x E dense
// matrix with N = H*W*D. The embedding dimension is split evenly across the
// three spatial axes; within each axis's slot group, even slots hold the
// sine and odd slots the cosine of the coordinate scaled by a geometrically
// decreasing frequency with base 10000.
//
// The function is a pure deterministic transform: the same extents always
// yield bit-identical output. Token order is row-major over (H, W, D),
// which must match the flattening order used by the transformer block.
func PositionalEncoding(h, w, d, embedDim int) (*mat.Dense, error) {
	if embedDim%3 != 0 {
		return nil, fmt.Errorf("embedding dimension %d is not divisible by the 3 spatial axes", embedDim)
	}
	n := h * w * d
	dimEach := embedDim / 3

	// Per-slot inverse frequencies, shared by all three axes.
	numFreq := (dimEach + 1) / 2
	invFreq := make([]float64, numFreq)
	for j := 0; j < numFreq; j++ {
		invFreq[j] = math.Exp(float64(2*j) * (-math.Log(10000.0) / float64(dimEach)))
	}

	pe := mat.NewDense(n, embedDim, nil)
	token := 0
	for hh := 0; hh < h; hh++ {
		for ww := 0; ww < w; ww++ {
			for dd := 0; dd < d; dd++ {
				coords := [3]float64{float64(hh), float64(ww), float64(dd)}
				for axis := 0; axis < 3; axis++ {
					base := axis * dimEach
					for j := 0; j < numFreq; j++ {
						angle := coords[axis] * invFreq[j]
						pe.Set(token, base+2*j, math.Sin(angle))
						if 2*j+1 < dimEach {
							pe.Set(token, base+2*j+1, math.Cos(angle))
						}
					}
				}
				token++
			}
		}
	}
	return pe, nil
}
