package network

import "testing"

// TestAttentionGateShapes checks the stage-two channel mapping and the
// single-channel attention map at input resolution
func TestAttentionGateShapes(t *testing.T) {
	gate, err := newAttentionGate(4, 2, [3]int{3, 3, 3}, 0, ActPReLU, testInitializer())
	if err != nil {
		t.Fatalf("newAttentionGate failed: %v", err)
	}

	in := NewGrid(4, 3, 3, 2)
	for i := range in.Data {
		in.Data[i] = float64(i%7) - 3
	}
	out, att, err := gate.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.Channels != 2 || out.H != 3 || out.W != 3 || out.D != 2 {
		t.Errorf("Expected output shape (2, 3, 3, 2), got (%d, %d, %d, %d)", out.Channels, out.H, out.W, out.D)
	}
	if att.Channels != 1 {
		t.Errorf("Expected single-channel attention map, got %d channels", att.Channels)
	}
	if att.H != in.H || att.W != in.W || att.D != in.D {
		t.Errorf("Attention map must be at input resolution, got (%d, %d, %d)", att.H, att.W, att.D)
	}
}

// TestAttentionGateMapRange ensures the sigmoid keeps every attention
// value strictly inside (0, 1)
func TestAttentionGateMapRange(t *testing.T) {
	gate, err := newAttentionGate(2, 2, [3]int{3, 3, 3}, 0, ActPReLU, testInitializer())
	if err != nil {
		t.Fatalf("newAttentionGate failed: %v", err)
	}

	in := NewGrid(2, 4, 4, 4)
	for i := range in.Data {
		in.Data[i] = float64(i)*0.5 - 30
	}
	_, att, err := gate.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i, v := range att.Data {
		if v <= 0 || v >= 1 {
			t.Fatalf("Attention value %d out of (0, 1): %v", i, v)
		}
	}
}

// TestAttentionGateChannelMismatch ensures the input check fires before
// any stage runs
func TestAttentionGateChannelMismatch(t *testing.T) {
	gate, err := newAttentionGate(4, 2, [3]int{3, 3, 3}, 0, ActPReLU, testInitializer())
	if err != nil {
		t.Fatalf("newAttentionGate failed: %v", err)
	}
	if _, _, err := gate.Forward(NewGrid(3, 2, 2, 2)); err == nil {
		t.Errorf("Expected error for mismatched input channels")
	}
}

// TestAttentionGateBadChannels rejects non-positive channel counts at
// construction time
func TestAttentionGateBadChannels(t *testing.T) {
	if _, err := newAttentionGate(0, 2, [3]int{3, 3, 3}, 0, ActPReLU, testInitializer()); err == nil {
		t.Errorf("Expected error for zero input channels")
	}
	if _, err := newAttentionGate(2, 0, [3]int{3, 3, 3}, 0, ActPReLU, testInitializer()); err == nil {
		t.Errorf("Expected error for zero output channels")
	}
}

// TestAttentionGateGatesInput verifies the gating arithmetic: with a
// saturated map the stage-two input equals the raw input, so forcing the
// stage-one path toward large positives must not change the result the
// refine block sees. A fully closed gate zeroes everything instead.
func TestAttentionGateGatesInput(t *testing.T) {
	gate, err := newAttentionGate(1, 1, [3]int{1, 1, 1}, 0, ActNone, testInitializer())
	if err != nil {
		t.Fatalf("newAttentionGate failed: %v", err)
	}
	// Drive the map conv to a huge negative bias so sigmoid ~ 0, and make
	// stage two the identity.
	fill(gate.mapConv.Weight, 0)
	gate.mapConv.Bias[0] = -1e3
	fill(gate.refine.Conv.Weight, 0)
	gate.refine.Conv.Weight[0] = 1
	gate.refine.Conv.Bias[0] = 0

	in := NewGrid(1, 2, 2, 2)
	for i := range in.Data {
		in.Data[i] = float64(i + 1)
	}
	out, att, err := gate.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i, v := range out.Data {
		if v > 1e-9 {
			t.Errorf("Element %d: expected closed gate to zero features, got %v (map %v)", i, v, att.Data[i])
		}
	}
}
