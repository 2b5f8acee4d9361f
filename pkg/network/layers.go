package network

import (
	"fmt"
	"math"
)

// Layer is a single forward transform over a feature grid. Layers return
// new grids and never mutate their input.
type Layer interface {
	Forward(x *Grid) (*Grid, error)
	parameters(prefix string) []Tensor
}

// Conv is a 3D convolution, optionally transposed for decoder upsampling.
// Weights are laid out as [outC][inC][kh][kw][kd]. Padding is always
// (kernel-1)/2 per axis, so a unit-stride convolution preserves spatial
// extents, a strided one produces ceil(extent/stride), and a transposed
// one produces extent*stride.
type Conv struct {
	InChannels  int
	OutChannels int
	Kernel      [3]int
	Stride      [3]int
	Transposed  bool
	Weight      []float64
	Bias        []float64
}

func newConv(inC, outC int, kernel, stride [3]int, transposed bool, ini *initializer) *Conv {
	c := &Conv{
		InChannels:  inC,
		OutChannels: outC,
		Kernel:      kernel,
		Stride:      stride,
		Transposed:  transposed,
		Weight:      make([]float64, outC*inC*kernel[0]*kernel[1]*kernel[2]),
		Bias:        make([]float64, outC),
	}
	fanIn := inC * kernel[0] * kernel[1] * kernel[2]
	ini.kaiming(fanIn, c.Weight)
	ini.kaiming(fanIn, c.Bias)
	return c
}

// OutputShape returns the spatial extents produced for a given input.
func (c *Conv) OutputShape(h, w, d int) (int, int, int) {
	in := [3]int{h, w, d}
	var out [3]int
	for a := 0; a < 3; a++ {
		if c.Transposed {
			out[a] = in[a] * c.Stride[a]
		} else {
			p := (c.Kernel[a] - 1) / 2
			out[a] = (in[a]+2*p-c.Kernel[a])/c.Stride[a] + 1
		}
	}
	return out[0], out[1], out[2]
}

func (c *Conv) weightIndex(oc, ic, kh, kw, kd int) int {
	return (((oc*c.InChannels+ic)*c.Kernel[0]+kh)*c.Kernel[1]+kw)*c.Kernel[2] + kd
}

// Forward applies the convolution to a grid.
func (c *Conv) Forward(x *Grid) (*Grid, error) {
	if x.Channels != c.InChannels {
		return nil, fmt.Errorf("convolution expects %d input channels, got %d", c.InChannels, x.Channels)
	}
	oh, ow, od := c.OutputShape(x.H, x.W, x.D)
	out := NewGrid(c.OutChannels, oh, ow, od)
	ph := (c.Kernel[0] - 1) / 2
	pw := (c.Kernel[1] - 1) / 2
	pd := (c.Kernel[2] - 1) / 2

	if c.Transposed {
		// Scatter each input voxel into the output through the kernel.
		for ic := 0; ic < c.InChannels; ic++ {
			for h := 0; h < x.H; h++ {
				for w := 0; w < x.W; w++ {
					for d := 0; d < x.D; d++ {
						v := x.At(ic, h, w, d)
						if v == 0 {
							continue
						}
						for oc := 0; oc < c.OutChannels; oc++ {
							for kh := 0; kh < c.Kernel[0]; kh++ {
								th := h*c.Stride[0] + kh - ph
								if th < 0 || th >= oh {
									continue
								}
								for kw := 0; kw < c.Kernel[1]; kw++ {
									tw := w*c.Stride[1] + kw - pw
									if tw < 0 || tw >= ow {
										continue
									}
									for kd := 0; kd < c.Kernel[2]; kd++ {
										td := d*c.Stride[2] + kd - pd
										if td < 0 || td >= od {
											continue
										}
										out.Data[out.Index(oc, th, tw, td)] += v * c.Weight[c.weightIndex(oc, ic, kh, kw, kd)]
									}
								}
							}
						}
					}
				}
			}
		}
		for oc := 0; oc < c.OutChannels; oc++ {
			ch := out.Channel(oc)
			for i := range ch {
				ch[i] += c.Bias[oc]
			}
		}
		return out, nil
	}

	for oc := 0; oc < c.OutChannels; oc++ {
		for h := 0; h < oh; h++ {
			for w := 0; w < ow; w++ {
				for d := 0; d < od; d++ {
					sum := c.Bias[oc]
					for ic := 0; ic < c.InChannels; ic++ {
						for kh := 0; kh < c.Kernel[0]; kh++ {
							sh := h*c.Stride[0] + kh - ph
							if sh < 0 || sh >= x.H {
								continue
							}
							for kw := 0; kw < c.Kernel[1]; kw++ {
								sw := w*c.Stride[1] + kw - pw
								if sw < 0 || sw >= x.W {
									continue
								}
								for kd := 0; kd < c.Kernel[2]; kd++ {
									sd := d*c.Stride[2] + kd - pd
									if sd < 0 || sd >= x.D {
										continue
									}
									sum += x.At(ic, sh, sw, sd) * c.Weight[c.weightIndex(oc, ic, kh, kw, kd)]
								}
							}
						}
					}
					out.Set(oc, h, w, d, sum)
				}
			}
		}
	}
	return out, nil
}

func (c *Conv) parameters(prefix string) []Tensor {
	return []Tensor{
		{Name: prefix + ".weight", Shape: []int{c.OutChannels, c.InChannels, c.Kernel[0], c.Kernel[1], c.Kernel[2]}, Data: c.Weight},
		{Name: prefix + ".bias", Shape: []int{c.OutChannels}, Data: c.Bias},
	}
}

// Normalization and activation choices, selected by name in the
// configuration the way the original model selected Norm/Act factories.
const (
	NormBatch    = "batch"
	NormInstance = "instance"
	NormNone     = "none"

	ActPReLU = "prelu"
	ActReLU  = "relu"
	ActNone  = "none"
)

// batchNorm applies per-channel affine normalization using stored running
// statistics, which is the evaluation-time behaviour of batch norm.
type batchNorm struct {
	Gamma, Beta []float64
	Mean, Var   []float64
	eps         float64
}

func newBatchNorm(channels int) *batchNorm {
	bn := &batchNorm{
		Gamma: make([]float64, channels),
		Beta:  make([]float64, channels),
		Mean:  make([]float64, channels),
		Var:   make([]float64, channels),
		eps:   1e-5,
	}
	fill(bn.Gamma, 1)
	fill(bn.Var, 1)
	return bn
}

func (bn *batchNorm) apply(x *Grid) *Grid {
	out := x.Clone()
	for c := 0; c < x.Channels; c++ {
		scale := bn.Gamma[c] / math.Sqrt(bn.Var[c]+bn.eps)
		shift := bn.Beta[c] - bn.Mean[c]*scale
		ch := out.Channel(c)
		for i := range ch {
			ch[i] = ch[i]*scale + shift
		}
	}
	return out
}

func (bn *batchNorm) parameters(prefix string) []Tensor {
	n := len(bn.Gamma)
	return []Tensor{
		{Name: prefix + ".gamma", Shape: []int{n}, Data: bn.Gamma},
		{Name: prefix + ".beta", Shape: []int{n}, Data: bn.Beta},
		{Name: prefix + ".running_mean", Shape: []int{n}, Data: bn.Mean},
		{Name: prefix + ".running_var", Shape: []int{n}, Data: bn.Var},
	}
}

// instanceNorm normalizes each channel over its own spatial extent.
type instanceNorm struct {
	Gamma, Beta []float64
	eps         float64
}

func newInstanceNorm(channels int) *instanceNorm {
	in := &instanceNorm{
		Gamma: make([]float64, channels),
		Beta:  make([]float64, channels),
		eps:   1e-5,
	}
	fill(in.Gamma, 1)
	return in
}

func (in *instanceNorm) apply(x *Grid) *Grid {
	out := x.Clone()
	n := float64(x.SpatialSize())
	for c := 0; c < x.Channels; c++ {
		ch := out.Channel(c)
		var mean float64
		for _, v := range ch {
			mean += v
		}
		mean /= n
		var variance float64
		for _, v := range ch {
			diff := v - mean
			variance += diff * diff
		}
		variance /= n
		scale := in.Gamma[c] / math.Sqrt(variance+in.eps)
		for i := range ch {
			ch[i] = (ch[i]-mean)*scale + in.Beta[c]
		}
	}
	return out
}

func (in *instanceNorm) parameters(prefix string) []Tensor {
	n := len(in.Gamma)
	return []Tensor{
		{Name: prefix + ".gamma", Shape: []int{n}, Data: in.Gamma},
		{Name: prefix + ".beta", Shape: []int{n}, Data: in.Beta},
	}
}

// prelu is a per-channel parametric ReLU.
type prelu struct {
	Slope []float64
}

func newPReLU(channels int) *prelu {
	p := &prelu{Slope: make([]float64, channels)}
	fill(p.Slope, 0.25)
	return p
}

func (p *prelu) apply(x *Grid) *Grid {
	out := x.Clone()
	for c := 0; c < x.Channels; c++ {
		ch := out.Channel(c)
		slope := p.Slope[c]
		for i, v := range ch {
			if v < 0 {
				ch[i] = v * slope
			}
		}
	}
	return out
}

func (p *prelu) parameters(prefix string) []Tensor {
	return []Tensor{{Name: prefix + ".slope", Shape: []int{len(p.Slope)}, Data: p.Slope}}
}

func reluGrid(x *Grid) *Grid {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

// ConvBlock is a convolution followed by optional normalization and
// activation, the basic building unit of every stage. Dropout is carried
// as configuration but is inert here: the forward pass is evaluation-only.
type ConvBlock struct {
	Conv    *Conv
	BN      *batchNorm
	IN      *instanceNorm
	PReLU   *prelu
	ReLU    bool
	Dropout float64
}

type blockOpts struct {
	norm    string
	act     string
	dropout float64
}

func newConvBlock(inC, outC int, kernel, stride [3]int, transposed bool, opts blockOpts, ini *initializer) (*ConvBlock, error) {
	b := &ConvBlock{
		Conv:    newConv(inC, outC, kernel, stride, transposed, ini),
		Dropout: opts.dropout,
	}
	switch opts.norm {
	case NormBatch:
		b.BN = newBatchNorm(outC)
	case NormInstance:
		b.IN = newInstanceNorm(outC)
	case NormNone, "":
	default:
		return nil, fmt.Errorf("unsupported normalization %q", opts.norm)
	}
	switch opts.act {
	case ActPReLU:
		b.PReLU = newPReLU(outC)
	case ActReLU:
		b.ReLU = true
	case ActNone, "":
	default:
		return nil, fmt.Errorf("unsupported activation %q", opts.act)
	}
	return b, nil
}

func (b *ConvBlock) Forward(x *Grid) (*Grid, error) {
	out, err := b.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if b.BN != nil {
		out = b.BN.apply(out)
	}
	if b.IN != nil {
		out = b.IN.apply(out)
	}
	if b.PReLU != nil {
		out = b.PReLU.apply(out)
	}
	if b.ReLU {
		out = reluGrid(out)
	}
	return out, nil
}

func (b *ConvBlock) parameters(prefix string) []Tensor {
	params := b.Conv.parameters(prefix + ".conv")
	if b.BN != nil {
		params = append(params, b.BN.parameters(prefix+".norm")...)
	}
	if b.IN != nil {
		params = append(params, b.IN.parameters(prefix+".norm")...)
	}
	if b.PReLU != nil {
		params = append(params, b.PReLU.parameters(prefix+".act")...)
	}
	return params
}

// ResidualUnit chains unit-stride conv blocks and adds a shortcut around
// them. The shortcut is the identity when channel counts agree and a 1x1
// convolution otherwise.
type ResidualUnit struct {
	Units    []*ConvBlock
	Shortcut *Conv
}

func newResidualUnit(inC, outC int, kernel [3]int, subunits int, opts blockOpts, lastConvOnly bool, ini *initializer) (*ResidualUnit, error) {
	if subunits < 1 {
		subunits = 1
	}
	ru := &ResidualUnit{}
	cin := inC
	for i := 0; i < subunits; i++ {
		unitOpts := opts
		if lastConvOnly && i == subunits-1 {
			unitOpts.norm = NormNone
			unitOpts.act = ActNone
		}
		unit, err := newConvBlock(cin, outC, kernel, [3]int{1, 1, 1}, false, unitOpts, ini)
		if err != nil {
			return nil, err
		}
		ru.Units = append(ru.Units, unit)
		cin = outC
	}
	if inC != outC {
		ru.Shortcut = newConv(inC, outC, [3]int{1, 1, 1}, [3]int{1, 1, 1}, false, ini)
	}
	return ru, nil
}

func (ru *ResidualUnit) Forward(x *Grid) (*Grid, error) {
	res := x
	var err error
	if ru.Shortcut != nil {
		res, err = ru.Shortcut.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	out := x
	for _, unit := range ru.Units {
		out, err = unit.Forward(out)
		if err != nil {
			return nil, err
		}
	}
	sum := out.Clone()
	for i := range sum.Data {
		sum.Data[i] += res.Data[i]
	}
	return sum, nil
}

func (ru *ResidualUnit) parameters(prefix string) []Tensor {
	var params []Tensor
	for i, unit := range ru.Units {
		params = append(params, unit.parameters(fmt.Sprintf("%s.unit%d", prefix, i))...)
	}
	if ru.Shortcut != nil {
		params = append(params, ru.Shortcut.parameters(prefix+".shortcut")...)
	}
	return params
}

// identity is the structural no-op used when a decoder stage has neither
// gating nor residual units and the channel counts already agree.
type identity struct{}

func (identity) Forward(x *Grid) (*Grid, error) { return x, nil }
func (identity) parameters(string) []Tensor     { return nil }
