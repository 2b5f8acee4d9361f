package network

import (
	"fmt"
	"math"
)

// AttentionGate is the two-stage spatial gating module used at the
// bottleneck and in the decoder. Stage one derives a single-channel
// attention map from the input features and gates the input with it;
// stage two transforms the gated features at the same resolution, mapping
// the configured input channel count to the configured output count.
//
// The attention map is returned alongside the gated output so the caller
// can accumulate one map per gate per evaluation; the gate itself keeps no
// state between calls.
type AttentionGate struct {
	InChannels  int
	OutChannels int

	features *ConvBlock // InChannels -> InChannels, caller-supplied kernel
	mapConv  *Conv      // InChannels -> 1, pointwise
	refine   *ConvBlock // InChannels -> OutChannels, stage two
}

func newAttentionGate(inC, outC int, kernel [3]int, dropout float64, stage2Act string, ini *initializer) (*AttentionGate, error) {
	if inC < 1 || outC < 1 {
		return nil, fmt.Errorf("attention gate channel counts must be positive, got in=%d out=%d", inC, outC)
	}
	// Stage one and two run without normalization, matching the gate's
	// role of reweighting rather than re-scaling features.
	stage1, err := newConvBlock(inC, inC, kernel, [3]int{1, 1, 1}, false,
		blockOpts{norm: NormNone, act: ActPReLU, dropout: dropout}, ini)
	if err != nil {
		return nil, err
	}
	stage2, err := newConvBlock(inC, outC, kernel, [3]int{1, 1, 1}, false,
		blockOpts{norm: NormNone, act: stage2Act, dropout: dropout}, ini)
	if err != nil {
		return nil, err
	}
	return &AttentionGate{
		InChannels:  inC,
		OutChannels: outC,
		features:    stage1,
		mapConv:     newConv(inC, 1, [3]int{1, 1, 1}, [3]int{1, 1, 1}, false, ini),
		refine:      stage2,
	}, nil
}

// Forward returns the stage-two output and the stage-one attention map.
func (g *AttentionGate) Forward(x *Grid) (*Grid, *Grid, error) {
	if x.Channels != g.InChannels {
		return nil, nil, fmt.Errorf("attention gate configured for %d input channels, got %d", g.InChannels, x.Channels)
	}
	feats, err := g.features.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	raw, err := g.mapConv.Forward(feats)
	if err != nil {
		return nil, nil, err
	}
	att := raw.Clone()
	for i, v := range att.Data {
		att.Data[i] = 1.0 / (1.0 + math.Exp(-v))
	}

	// Gate every channel of the input with the shared spatial map.
	gated := x.Clone()
	spatial := att.Channel(0)
	for c := 0; c < gated.Channels; c++ {
		ch := gated.Channel(c)
		for i := range ch {
			ch[i] *= spatial[i]
		}
	}

	out, err := g.refine.Forward(gated)
	if err != nil {
		return nil, nil, err
	}
	return out, att, nil
}

func (g *AttentionGate) parameters(prefix string) []Tensor {
	params := g.features.parameters(prefix + ".stage1")
	params = append(params, g.mapConv.parameters(prefix+".map")...)
	params = append(params, g.refine.parameters(prefix+".stage2")...)
	return params
}
