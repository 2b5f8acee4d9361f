package network

import (
	"math"
	"testing"
)

// TestTransformerBlockShape verifies the block preserves both channel
// count and spatial extents
func TestTransformerBlockShape(t *testing.T) {
	tb, err := newTransformerBlock(5, 12, 4, 24, testInitializer())
	if err != nil {
		t.Fatalf("newTransformerBlock failed: %v", err)
	}

	in := NewGrid(5, 2, 3, 2)
	for i := range in.Data {
		in.Data[i] = math.Sin(float64(i))
	}
	out, err := tb.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Channels != 5 || out.H != 2 || out.W != 3 || out.D != 2 {
		t.Errorf("Expected shape (5, 2, 3, 2), got (%d, %d, %d, %d)", out.Channels, out.H, out.W, out.D)
	}
}

// TestTransformerBlockGammaZeroIsIdentity checks the residual blend: with
// gamma fixed at zero the refined branch contributes nothing and the
// output equals the input exactly
func TestTransformerBlockGammaZeroIsIdentity(t *testing.T) {
	tb, err := newTransformerBlock(3, 6, 2, 12, testInitializer())
	if err != nil {
		t.Fatalf("newTransformerBlock failed: %v", err)
	}
	tb.Gamma[0] = 0

	in := NewGrid(3, 2, 2, 2)
	for i := range in.Data {
		in.Data[i] = float64(i)*0.3 - 1
	}
	out, err := tb.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range in.Data {
		if out.Data[i] != in.Data[i] {
			t.Errorf("Element %d: expected identity output %v, got %v", i, in.Data[i], out.Data[i])
		}
	}
}

// TestTransformerBlockGammaDefault ensures a new block starts with the
// blend weight at 0.1
func TestTransformerBlockGammaDefault(t *testing.T) {
	tb, err := newTransformerBlock(3, 6, 2, 12, testInitializer())
	if err != nil {
		t.Fatalf("newTransformerBlock failed: %v", err)
	}
	if tb.Gamma[0] != 0.1 {
		t.Errorf("Expected default gamma 0.1, got %v", tb.Gamma[0])
	}
}

// TestTransformerBlockDimensionChecks rejects embedding dimensions not
// divisible by 3 or by the head count
func TestTransformerBlockDimensionChecks(t *testing.T) {
	if _, err := newTransformerBlock(4, 8, 2, 16, testInitializer()); err == nil {
		t.Errorf("Expected error for embedding dimension not divisible by 3")
	}
	if _, err := newTransformerBlock(4, 9, 4, 16, testInitializer()); err == nil {
		t.Errorf("Expected error for embedding dimension not divisible by head count")
	}
}

// TestTransformerBlockChannelMismatch ensures the input check fires
func TestTransformerBlockChannelMismatch(t *testing.T) {
	tb, err := newTransformerBlock(4, 12, 4, 16, testInitializer())
	if err != nil {
		t.Fatalf("newTransformerBlock failed: %v", err)
	}
	if _, err := tb.Forward(NewGrid(3, 2, 2, 2)); err == nil {
		t.Errorf("Expected error for mismatched input channels")
	}
}

// TestFlattenTokensRoundTrip checks that flatten and unflatten are exact
// inverses for an arbitrary grid
func TestFlattenTokensRoundTrip(t *testing.T) {
	g := NewGrid(3, 2, 4, 3)
	for i := range g.Data {
		g.Data[i] = float64(i) * 0.7
	}
	back := unflattenTokens(flattenTokens(g), g.H, g.W, g.D)
	if back.Channels != g.Channels || back.H != g.H || back.W != g.W || back.D != g.D {
		t.Fatalf("Round trip changed shape to (%d, %d, %d, %d)", back.Channels, back.H, back.W, back.D)
	}
	for i := range g.Data {
		if back.Data[i] != g.Data[i] {
			t.Errorf("Element %d: expected %v, got %v", i, g.Data[i], back.Data[i])
		}
	}
}

// TestSoftmaxRow checks normalization and invariance under a constant
// shift of the scores
func TestSoftmaxRow(t *testing.T) {
	row := []float64{1, 2, 3}
	shifted := []float64{101, 102, 103}
	softmaxRow(row)
	softmaxRow(shifted)

	var sum float64
	for _, v := range row {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("Expected softmax to sum to 1, got %v", sum)
	}
	for i := range row {
		if math.Abs(row[i]-shifted[i]) > 1e-12 {
			t.Errorf("Element %d: expected shift invariance, got %v vs %v", i, row[i], shifted[i])
		}
	}
	if !(row[2] > row[1] && row[1] > row[0]) {
		t.Errorf("Expected monotone softmax over increasing scores, got %v", row)
	}
}
