package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Tensor is a named view of one learnable parameter. Data aliases the live
// parameter storage, so copying into it updates the network in place.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Numel returns the number of elements implied by the tensor shape.
func (t Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// initializer hands out deterministic Kaiming-style uniform draws so two
// networks built from the same configuration and seed start identical.
type initializer struct {
	uniform distuv.Uniform
}

func newInitializer(seed uint64) *initializer {
	return &initializer{
		uniform: distuv.Uniform{Min: -1, Max: 1, Src: rand.NewSource(seed)},
	}
}

// kaiming fills data with uniform draws bounded by sqrt(6/fanIn).
func (ini *initializer) kaiming(fanIn int, data []float64) {
	bound := math.Sqrt(6.0 / float64(fanIn))
	for i := range data {
		data[i] = ini.uniform.Rand() * bound
	}
}

// fill sets every element of data to value.
func fill(data []float64, value float64) {
	for i := range data {
		data[i] = value
	}
}

// LoadState assigns saved parameter tensors into the network. In strict
// mode every network parameter must be present in the state with a
// matching shape and every state tensor must belong to the network; the
// best-effort mode (strict=false) skips absent names on either side but
// still treats a shape mismatch on a shared name as a hard failure.
func (n *Net) LoadState(state map[string]Tensor, strict bool) error {
	params := n.Parameters()
	byName := make(map[string]Tensor, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	if strict {
		for name := range state {
			if _, ok := byName[name]; !ok {
				return fmt.Errorf("state tensor %q has no matching network parameter", name)
			}
		}
	}
	for _, p := range params {
		saved, ok := state[p.Name]
		if !ok {
			if strict {
				return fmt.Errorf("network parameter %q missing from state", p.Name)
			}
			continue
		}
		if len(saved.Data) != len(p.Data) {
			return fmt.Errorf("parameter %q shape mismatch: network has %v (%d values), state has %v (%d values)",
				p.Name, p.Shape, len(p.Data), saved.Shape, len(saved.Data))
		}
		copy(p.Data, saved.Data)
	}
	return nil
}
