package network

import "fmt"

// Forward evaluates the network on a feature grid and returns the
// segmentation logits together with the attention maps captured during
// this evaluation, in execution order: the bottleneck gate first, then the
// decoder gates from the deepest stage to the top. The slice is empty when
// attention gating is disabled.
//
// The accumulator is local to the call, so independent evaluations can run
// concurrently over the same (read-only) parameters.
func (n *Net) Forward(x *Grid) (*Grid, []*Grid, error) {
	if x.Channels != n.opts.InChannels {
		return nil, nil, fmt.Errorf("network expects %d input channels, got %d", n.opts.InChannels, x.Channels)
	}

	maps := make([]*Grid, 0, n.ExpectedAttentionMaps())
	skips := make([]*Grid, len(n.stages))

	// Encoder: down block, remember the skip features, resample down.
	cur := x
	var err error
	for i, st := range n.stages {
		cur, err = st.down.Forward(cur)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d down block: %w", i, err)
		}
		skips[i] = cur
		cur, err = st.downsample.Forward(cur)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d downsample: %w", i, err)
		}
	}

	// Bottleneck: optional gate, transformer refinement, final conv.
	if n.bottomGate != nil {
		var att *Grid
		cur, att, err = n.bottomGate.Forward(cur)
		if err != nil {
			return nil, nil, fmt.Errorf("bottleneck gate: %w", err)
		}
		maps = append(maps, att)
	}
	cur, err = n.bottleneck.Forward(cur)
	if err != nil {
		return nil, nil, fmt.Errorf("bottleneck transformer: %w", err)
	}
	cur, err = n.bottomConv.Forward(cur)
	if err != nil {
		return nil, nil, fmt.Errorf("bottleneck conv: %w", err)
	}

	// Decoder: resample up, concatenate the skip, apply the up variant.
	for i := len(n.stages) - 1; i >= 0; i-- {
		st := n.stages[i]
		cur, err = st.upsample.Forward(cur)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d upsample: %w", i, err)
		}
		cur, err = concatChannels(skips[i], cur)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d: %w", i, err)
		}

		switch st.upKind {
		case upGateResidual:
			var att *Grid
			cur, att, err = st.upGate.Forward(cur)
			if err != nil {
				return nil, nil, fmt.Errorf("stage %d up gate: %w", i, err)
			}
			maps = append(maps, att)
			cur, err = st.upBlock.Forward(cur)
		case upGateOnly:
			var att *Grid
			cur, att, err = st.upGate.Forward(cur)
			if err != nil {
				return nil, nil, fmt.Errorf("stage %d up gate: %w", i, err)
			}
			maps = append(maps, att)
		case upResidualOnly, upIdentity:
			cur, err = st.upBlock.Forward(cur)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d up block: %w", i, err)
		}
	}

	if cur.Channels != n.opts.OutChannels {
		return nil, nil, fmt.Errorf("decoder produced %d channels, expected %d segmentation channels", cur.Channels, n.opts.OutChannels)
	}
	return cur, maps, nil
}
