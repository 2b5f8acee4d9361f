package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// linear is a position-wise fully connected layer over a token sequence.
// Weights are stored [in][out] so that Y = X*W + b maps an N x In matrix
// to N x Out.
type linear struct {
	In, Out int
	Weight  []float64
	Bias    []float64
}

func newLinear(in, out int, ini *initializer) *linear {
	l := &linear{
		In:     in,
		Out:    out,
		Weight: make([]float64, in*out),
		Bias:   make([]float64, out),
	}
	ini.kaiming(in, l.Weight)
	ini.kaiming(in, l.Bias)
	return l
}

func (l *linear) apply(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(n, l.Out, nil)
	out.Mul(x, mat.NewDense(l.In, l.Out, l.Weight))
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		floats.Add(row, l.Bias)
	}
	return out
}

func (l *linear) parameters(prefix string) []Tensor {
	return []Tensor{
		{Name: prefix + ".weight", Shape: []int{l.In, l.Out}, Data: l.Weight},
		{Name: prefix + ".bias", Shape: []int{l.Out}, Data: l.Bias},
	}
}

// TransformerBlock refines the deepest feature grid with one pass of
// global self-attention. The grid is projected to the embedding dimension,
// flattened to a token sequence in row-major (H, W, D) order, offset by
// the sinusoidal positional encoding, run through self-attention and a
// feed-forward network with residual adds, reprojected to the input
// channel count, and blended back into the input through a learnable
// scalar:
//
//	out = x + gamma * refined(x)
//
// Gamma starts at 0.1 so the block is near-identity until training decides
// how much global context to inject.
type TransformerBlock struct {
	InChannels int
	EmbedDim   int
	NumHeads   int
	HiddenDim  int

	proj    *linear
	query   *linear
	key     *linear
	value   *linear
	attnOut *linear
	ffn1    *linear
	ffn2    *linear
	deproj  *linear
	Gamma   []float64
}

func newTransformerBlock(inC, embedDim, numHeads, hiddenDim int, ini *initializer) (*TransformerBlock, error) {
	if embedDim%3 != 0 {
		return nil, fmt.Errorf("transformer embedding dimension %d must be divisible by 3 for the axis-split positional encoding", embedDim)
	}
	if embedDim%numHeads != 0 {
		return nil, fmt.Errorf("transformer embedding dimension %d must be divisible by %d heads", embedDim, numHeads)
	}
	tb := &TransformerBlock{
		InChannels: inC,
		EmbedDim:   embedDim,
		NumHeads:   numHeads,
		HiddenDim:  hiddenDim,
		proj:       newLinear(inC, embedDim, ini),
		query:      newLinear(embedDim, embedDim, ini),
		key:        newLinear(embedDim, embedDim, ini),
		value:      newLinear(embedDim, embedDim, ini),
		attnOut:    newLinear(embedDim, embedDim, ini),
		ffn1:       newLinear(embedDim, hiddenDim, ini),
		ffn2:       newLinear(hiddenDim, embedDim, ini),
		deproj:     newLinear(embedDim, inC, ini),
		Gamma:      []float64{0.1},
	}
	return tb, nil
}

// flattenTokens reshapes a grid into an N x C token matrix. Token order is
// row-major over (H, W, D) and matches PositionalEncoding exactly.
func flattenTokens(x *Grid) *mat.Dense {
	n := x.SpatialSize()
	tokens := mat.NewDense(n, x.Channels, nil)
	for c := 0; c < x.Channels; c++ {
		ch := x.Channel(c)
		for i := 0; i < n; i++ {
			tokens.Set(i, c, ch[i])
		}
	}
	return tokens
}

// unflattenTokens is the inverse of flattenTokens for the given extents.
func unflattenTokens(tokens *mat.Dense, h, w, d int) *Grid {
	n, channels := tokens.Dims()
	g := NewGrid(channels, h, w, d)
	for c := 0; c < channels; c++ {
		ch := g.Channel(c)
		for i := 0; i < n; i++ {
			ch[i] = tokens.At(i, c)
		}
	}
	return g
}

// selfAttention runs one multi-head self-attention pass with queries,
// keys and values all taken from the token sequence.
func (tb *TransformerBlock) selfAttention(tokens *mat.Dense) *mat.Dense {
	n, _ := tokens.Dims()
	q := tb.query.apply(tokens)
	k := tb.key.apply(tokens)
	v := tb.value.apply(tokens)

	headDim := tb.EmbedDim / tb.NumHeads
	scale := 1.0 / math.Sqrt(float64(headDim))
	ctx := mat.NewDense(n, tb.EmbedDim, nil)

	for head := 0; head < tb.NumHeads; head++ {
		lo := head * headDim
		hi := lo + headDim
		qh := q.Slice(0, n, lo, hi)
		kh := k.Slice(0, n, lo, hi)
		vh := v.Slice(0, n, lo, hi)

		scores := mat.NewDense(n, n, nil)
		scores.Mul(qh, kh.T())
		scores.Scale(scale, scores)
		for i := 0; i < n; i++ {
			softmaxRow(scores.RawRowView(i))
		}

		headCtx := ctx.Slice(0, n, lo, hi).(*mat.Dense)
		headCtx.Mul(scores, vh)
	}
	return tb.attnOut.apply(ctx)
}

// softmaxRow normalizes a score row in place with the usual max shift.
func softmaxRow(row []float64) {
	max := floats.Max(row)
	for i, v := range row {
		row[i] = math.Exp(v - max)
	}
	sum := floats.Sum(row)
	floats.Scale(1.0/sum, row)
}

// Forward applies the refinement block to a feature grid.
func (tb *TransformerBlock) Forward(x *Grid) (*Grid, error) {
	if x.Channels != tb.InChannels {
		return nil, fmt.Errorf("transformer block configured for %d input channels, got %d", tb.InChannels, x.Channels)
	}

	tokens := tb.proj.apply(flattenTokens(x))
	pe, err := PositionalEncoding(x.H, x.W, x.D, tb.EmbedDim)
	if err != nil {
		return nil, err
	}
	tokens.Add(tokens, pe)

	attended := tb.selfAttention(tokens)
	tokens.Add(tokens, attended)

	hidden := tb.ffn1.apply(tokens)
	hdata := hidden.RawMatrix().Data
	for i, v := range hdata {
		if v < 0 {
			hdata[i] = 0
		}
	}
	tokens.Add(tokens, tb.ffn2.apply(hidden))

	refined := unflattenTokens(tb.deproj.apply(tokens), x.H, x.W, x.D)

	out := x.Clone()
	gamma := tb.Gamma[0]
	for i := range out.Data {
		out.Data[i] += gamma * refined.Data[i]
	}
	return out, nil
}

func (tb *TransformerBlock) parameters(prefix string) []Tensor {
	var params []Tensor
	params = append(params, tb.proj.parameters(prefix+".proj")...)
	params = append(params, tb.query.parameters(prefix+".attn.q")...)
	params = append(params, tb.key.parameters(prefix+".attn.k")...)
	params = append(params, tb.value.parameters(prefix+".attn.v")...)
	params = append(params, tb.attnOut.parameters(prefix+".attn.out")...)
	params = append(params, tb.ffn1.parameters(prefix+".ffn.0")...)
	params = append(params, tb.ffn2.parameters(prefix+".ffn.1")...)
	params = append(params, tb.deproj.parameters(prefix+".deproj")...)
	params = append(params, Tensor{Name: prefix + ".gamma", Shape: []int{1}, Data: tb.Gamma})
	return params
}
