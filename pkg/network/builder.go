package network

import "fmt"

// Options describes the full encoder-decoder to build. The four
// configuration lists obey
//
//	len(Channels) == len(KernelSizes) == len(Strides)+1 == len(SampleKernelSizes)+1
//
// which Validate checks before any construction happens.
type Options struct {
	// InChannels is the number of channels of the input volume
	InChannels int

	// OutChannels is the number of segmentation classes in the output logits
	OutChannels int

	// Channels holds the feature channel count of every depth, shallowest first
	Channels []int

	// Strides holds the resampling stride between consecutive depths
	Strides [][3]int

	// KernelSizes holds the convolution kernel extents per depth
	KernelSizes [][3]int

	// SampleKernelSizes holds the kernel extents of the strided resamplers
	SampleKernelSizes [][3]int

	// NumResUnits enables residual units in the down and up blocks when > 0
	NumResUnits int

	// Norm selects the normalization layer: "batch", "instance" or "none"
	Norm string

	// Act selects the activation: "prelu", "relu" or "none"
	Act string

	// Dropout is the dropout rate carried by every conv block
	Dropout float64

	// Attention enables the spatial attention gates at the bottleneck and
	// in every decoder stage
	Attention bool

	// NumHeads is the self-attention head count of the bottleneck block
	NumHeads int

	// HiddenMult scales the bottleneck feed-forward width relative to the
	// embedding dimension
	HiddenMult int

	// Seed drives the deterministic parameter initialization
	Seed uint64
}

// DefaultOptions returns the configuration of the reference model:
// six depths from 16 to 96 channels, five anisotropic-to-isotropic
// resampling stages, two residual units and attention gating.
func DefaultOptions() Options {
	return Options{
		InChannels:  1,
		OutChannels: 2,
		Channels:    []int{16, 32, 48, 64, 80, 96},
		Strides: [][3]int{
			{2, 2, 1}, {2, 2, 1}, {2, 2, 2}, {2, 2, 2}, {2, 2, 2},
		},
		KernelSizes: [][3]int{
			{3, 3, 1}, {3, 3, 1}, {3, 3, 3}, {3, 3, 3}, {3, 3, 3}, {3, 3, 3},
		},
		SampleKernelSizes: [][3]int{
			{3, 3, 1}, {3, 3, 1}, {3, 3, 3}, {3, 3, 3}, {3, 3, 3},
		},
		NumResUnits: 2,
		Norm:        NormBatch,
		Act:         ActPReLU,
		Dropout:     0.1,
		Attention:   true,
		NumHeads:    4,
		HiddenMult:  2,
		Seed:        1,
	}
}

// Validate checks the configuration-list-length invariant and the basic
// sanity of the channel counts. Violations are configuration errors and
// name the mismatched lists.
func (o Options) Validate() error {
	n := len(o.Channels)
	if n < 2 {
		return fmt.Errorf("channels list needs at least 2 entries, got %d", n)
	}
	if len(o.KernelSizes) != n {
		return fmt.Errorf("configuration mismatch: len(kernel_sizes)=%d must equal len(channels)=%d",
			len(o.KernelSizes), n)
	}
	if len(o.Strides) != n-1 {
		return fmt.Errorf("configuration mismatch: len(strides)=%d must equal len(channels)-1=%d",
			len(o.Strides), n-1)
	}
	if len(o.SampleKernelSizes) != n-1 {
		return fmt.Errorf("configuration mismatch: len(sample_kernel_sizes)=%d must equal len(channels)-1=%d",
			len(o.SampleKernelSizes), n-1)
	}
	if o.InChannels < 1 || o.OutChannels < 1 {
		return fmt.Errorf("in/out channel counts must be positive, got in=%d out=%d", o.InChannels, o.OutChannels)
	}
	for i, c := range o.Channels {
		if c < 1 {
			return fmt.Errorf("channels[%d]=%d must be positive", i, c)
		}
	}
	return nil
}

// upKind tags the four behaviourally distinct decoder block variants. The
// variant is chosen once at construction and stored as data instead of
// being re-derived from flags on every forward pass.
type upKind int

const (
	upIdentity upKind = iota
	upGateOnly
	upResidualOnly
	upGateResidual
)

// stage holds the layers of one encoder/decoder depth. The encoder side
// runs down then downsample; the decoder side runs upsample, concatenates
// the skip features, and applies the up block.
type stage struct {
	down       Layer
	downsample *ConvBlock
	upsample   *ConvBlock

	upKind  upKind
	upGate  *AttentionGate
	upBlock Layer
}

// Net is the assembled encoder-decoder. Forward evaluation is synchronous
// and stateless: attention maps travel through an explicit accumulator
// rather than shared registries, so concurrent evaluations never
// interleave.
type Net struct {
	opts Options

	stages     []*stage
	bottomGate *AttentionGate
	bottleneck *TransformerBlock
	bottomConv Layer
}

// bottleneckEmbedDim rounds the deepest channel count down to a multiple
// of both the 3-axis positional split and the head count.
func bottleneckEmbedDim(deepest, numHeads int) (int, error) {
	step := lcm(3, numHeads)
	embed := deepest - deepest%step
	if embed < step {
		return 0, fmt.Errorf("deepest channel count %d too small for an embedding divisible by 3 and by %d heads", deepest, numHeads)
	}
	return embed, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}

// New builds the network described by opts. All configuration errors
// surface here, before any volume is processed.
func New(opts Options) (*Net, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.NumHeads < 1 {
		opts.NumHeads = 4
	}
	if opts.HiddenMult < 1 {
		opts.HiddenMult = 2
	}
	ini := newInitializer(opts.Seed)
	n := &Net{opts: opts}

	stdOpts := blockOpts{norm: opts.Norm, act: opts.Act, dropout: opts.Dropout}

	// One stage per resampling step; the configuration suffix that the
	// original recursion consumed is walked here as an explicit index.
	numStages := len(opts.Channels) - 1
	for i := 0; i < numStages; i++ {
		inC := opts.InChannels
		if i > 0 {
			inC = opts.Channels[i-1]
		}
		c := opts.Channels[i]
		// A non-top stage hands its own channel count up to the parent,
		// whose upsample conv was built to consume it; only the top stage
		// maps to the segmentation classes.
		outC := opts.OutChannels
		if i > 0 {
			outC = c
		}
		childC := opts.Channels[i+1]
		isTop := i == 0

		st := &stage{}

		var err error
		if opts.NumResUnits > 0 {
			st.down, err = newResidualUnit(inC, c, opts.KernelSizes[i], opts.NumResUnits, stdOpts, false, ini)
		} else {
			st.down, err = newConvBlock(inC, c, opts.KernelSizes[i], [3]int{1, 1, 1}, false, stdOpts, ini)
		}
		if err != nil {
			return nil, err
		}

		st.downsample, err = newConvBlock(c, c, opts.SampleKernelSizes[i], opts.Strides[i], false, stdOpts, ini)
		if err != nil {
			return nil, err
		}
		st.upsample, err = newConvBlock(childC, c, opts.SampleKernelSizes[i], opts.Strides[i], true, stdOpts, ini)
		if err != nil {
			return nil, err
		}

		if err := n.buildUpBlock(st, 2*c, outC, opts.KernelSizes[i], isTop, ini); err != nil {
			return nil, err
		}
		n.stages = append(n.stages, st)
	}

	if err := n.buildBottom(ini); err != nil {
		return nil, err
	}
	return n, nil
}

// buildUpBlock selects and constructs the tagged decoder variant for one
// stage. inC is the concatenated channel count (twice the stage's own).
func (n *Net) buildUpBlock(st *stage, inC, outC int, kernel [3]int, isTop bool, ini *initializer) error {
	opts := n.opts
	stdOpts := blockOpts{norm: opts.Norm, act: opts.Act, dropout: opts.Dropout}

	switch {
	case opts.Attention && opts.NumResUnits > 0:
		st.upKind = upGateResidual
		gate, err := newAttentionGate(inC, inC, kernel, opts.Dropout, ActPReLU, ini)
		if err != nil {
			return err
		}
		// A single residual subunit on the up path, regardless of the
		// encoder's residual depth.
		ru, err := newResidualUnit(inC, outC, kernel, 1, stdOpts, isTop, ini)
		if err != nil {
			return err
		}
		st.upGate = gate
		st.upBlock = ru

	case opts.Attention:
		st.upKind = upGateOnly
		stage2Act := ActPReLU
		if isTop {
			stage2Act = ActNone
		}
		gate, err := newAttentionGate(inC, outC, kernel, opts.Dropout, stage2Act, ini)
		if err != nil {
			return err
		}
		st.upGate = gate

	case opts.NumResUnits > 0:
		st.upKind = upResidualOnly
		ru, err := newResidualUnit(inC, outC, kernel, 1, stdOpts, isTop, ini)
		if err != nil {
			return err
		}
		st.upBlock = ru

	default:
		st.upKind = upIdentity
		if inC == outC {
			st.upBlock = identity{}
		} else {
			// Pure pass-through cannot change the channel count, so the
			// structural no-op degrades to a pointwise projection.
			st.upBlock = newConv(inC, outC, [3]int{1, 1, 1}, [3]int{1, 1, 1}, false, ini)
		}
	}
	return nil
}

// buildBottom constructs the bottleneck: optional gate, transformer
// refinement block, final conv block to the deepest channel count.
func (n *Net) buildBottom(ini *initializer) error {
	opts := n.opts
	stdOpts := blockOpts{norm: opts.Norm, act: opts.Act, dropout: opts.Dropout}

	depth := len(opts.Channels) - 2
	inC := opts.Channels[depth]
	outC := opts.Channels[depth+1]
	kernel := opts.KernelSizes[depth+1]

	if opts.Attention {
		gate, err := newAttentionGate(inC, inC, kernel, opts.Dropout, ActPReLU, ini)
		if err != nil {
			return err
		}
		n.bottomGate = gate
	}

	embed, err := bottleneckEmbedDim(inC, opts.NumHeads)
	if err != nil {
		return err
	}
	n.bottleneck, err = newTransformerBlock(inC, embed, opts.NumHeads, opts.HiddenMult*embed, ini)
	if err != nil {
		return err
	}

	if opts.NumResUnits > 0 {
		n.bottomConv, err = newResidualUnit(inC, outC, kernel, opts.NumResUnits, stdOpts, false, ini)
	} else {
		n.bottomConv, err = newConvBlock(inC, outC, kernel, [3]int{1, 1, 1}, false, stdOpts, ini)
	}
	return err
}

// Options returns the configuration the network was built from.
func (n *Net) Options() Options {
	return n.opts
}

// NumStages returns the number of resampling stages.
func (n *Net) NumStages() int {
	return len(n.stages)
}

// ExpectedAttentionMaps returns the number of attention maps one forward
// evaluation yields: one per decoder gate plus the bottleneck gate, which
// equals len(channels) when attention is enabled, and zero otherwise.
func (n *Net) ExpectedAttentionMaps() int {
	if !n.opts.Attention {
		return 0
	}
	return len(n.opts.Channels)
}

// Parameters returns named views of every learnable tensor in stable
// traversal order.
func (n *Net) Parameters() []Tensor {
	var params []Tensor
	for i, st := range n.stages {
		prefix := fmt.Sprintf("stage%d", i)
		params = append(params, st.down.parameters(prefix+".down")...)
		params = append(params, st.downsample.parameters(prefix+".downsample")...)
		params = append(params, st.upsample.parameters(prefix+".upsample")...)
		if st.upGate != nil {
			params = append(params, st.upGate.parameters(prefix+".up.gate")...)
		}
		if st.upBlock != nil {
			params = append(params, st.upBlock.parameters(prefix+".up.block")...)
		}
	}
	if n.bottomGate != nil {
		params = append(params, n.bottomGate.parameters("bottom.gate")...)
	}
	params = append(params, n.bottleneck.parameters("bottom.transformer")...)
	params = append(params, n.bottomConv.parameters("bottom.conv")...)
	return params
}
