// Package checkpoint persists and restores trained network parameters in
// the safetensors container format: an 8-byte little-endian header length,
// a JSON header mapping tensor names to dtype/shape/offsets, and the raw
// tensor payload. Only F64 tensors are produced; F64 and F32 are accepted
// on load.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"vsseg3d/pkg/network"
)

// tensorInfo is the per-tensor header entry of the safetensors format.
type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// Save writes the network's parameters to path.
func Save(path string, net *network.Net) error {
	params := net.Parameters()

	// Stable name order keeps the file reproducible across runs.
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	header := make(map[string]tensorInfo, len(params))
	offset := 0
	for _, p := range params {
		size := len(p.Data) * 8
		header[p.Name] = tensorInfo{
			DType:   "F64",
			Shape:   p.Shape,
			Offsets: [2]int{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint header: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	if err := binary.Write(file, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := file.Write(headerBytes); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	buf := make([]byte, 8)
	for _, p := range params {
		for _, v := range p.Data {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := file.Write(buf); err != nil {
				return fmt.Errorf("failed to write tensor %q: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Read parses a safetensors file into named tensors.
func Read(path string) (map[string]network.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer file.Close()

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header := make(map[string]tensorInfo)
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor payload: %w", err)
	}

	tensors := make(map[string]network.Tensor, len(header))
	for name, info := range header {
		if name == "__metadata__" {
			continue
		}
		numel := 1
		for _, s := range info.Shape {
			numel *= s
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end > len(payload) || start > end {
			return nil, fmt.Errorf("tensor %q has offsets [%d, %d] outside payload of %d bytes", name, start, end, len(payload))
		}
		raw := payload[start:end]

		data := make([]float64, numel)
		switch info.DType {
		case "F64":
			if len(raw) != numel*8 {
				return nil, fmt.Errorf("tensor %q: %d bytes do not match shape %v as F64", name, len(raw), info.Shape)
			}
			for i := range data {
				data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
			}
		case "F32":
			if len(raw) != numel*4 {
				return nil, fmt.Errorf("tensor %q: %d bytes do not match shape %v as F32", name, len(raw), info.Shape)
			}
			for i := range data {
				data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
			}
		default:
			return nil, fmt.Errorf("tensor %q has unsupported dtype %s", name, info.DType)
		}
		tensors[name] = network.Tensor{Name: name, Shape: info.Shape, Data: data}
	}
	return tensors, nil
}

// Load restores parameters from path into the network. Strict mode
// requires an exact name and shape correspondence in both directions;
// best-effort mode skips unmatched names, mirroring a partial restore of
// a fine-tuned model.
func Load(path string, net *network.Net, strict bool) error {
	tensors, err := Read(path)
	if err != nil {
		return err
	}
	return net.LoadState(tensors, strict)
}
