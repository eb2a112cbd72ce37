package embedder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

const (
	weightTensor = "linear.weight"
	biasTensor   = "linear.bias"
)

// projection is a sentence-transformers Dense layer (identity activation):
// out = W·x + b, with W row-major [outDim, inDim] and b optional.
type projection struct {
	weights []float32
	bias    []float32
	inDim   int
	outDim  int
}

// safetensors is a parsed file: an 8-byte little-endian header length, a
// JSON header keyed by tensor name, then the raw data buffer.
type safetensors struct {
	header map[string]json.RawMessage
	data   []byte
}

type tensorInfo struct {
	Dtype   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

func readSafetensors(path string) (*safetensors, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(raw))
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if n > uint64(len(raw)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size", n)
	}
	st := &safetensors{data: raw[8+n:]}
	if err := json.Unmarshal(raw[8:8+n], &st.header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	return st, nil
}

// f32 decodes the named F32 tensor. ok is false when it is absent.
func (st *safetensors) f32(name string) (values []float32, shape []int, ok bool, err error) {
	raw, found := st.header[name]
	if !found {
		return nil, nil, false, nil
	}
	var info tensorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, nil, false, fmt.Errorf("%s: %w", name, err)
	}
	if info.Dtype != "F32" {
		return nil, nil, false, fmt.Errorf("%s: dtype %s, want F32", name, info.Dtype)
	}
	count := 1
	for _, d := range info.Shape {
		count *= d
	}
	lo, hi := info.Offsets[0], info.Offsets[1]
	if lo < 0 || hi > len(st.data) || hi-lo != count*4 {
		return nil, nil, false, fmt.Errorf("%s: offsets [%d:%d] do not fit shape %v in %d bytes", name, lo, hi, info.Shape, len(st.data))
	}
	values = make([]float32, count)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(st.data[lo+4*i:]))
	}
	return values, info.Shape, true, nil
}

// loadProjection reads a Dense layer from a safetensors file.
func loadProjection(path string) (*projection, error) {
	st, err := readSafetensors(path)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}

	w, shape, ok, err := st.f32(weightTensor)
	switch {
	case err != nil:
		return nil, fmt.Errorf("projection: %w", err)
	case !ok:
		return nil, fmt.Errorf("projection: tensor %q not found", weightTensor)
	case len(shape) != 2:
		return nil, fmt.Errorf("projection: weight must be 2D, got shape %v", shape)
	}
	p := &projection{weights: w, outDim: shape[0], inDim: shape[1]}

	b, bshape, ok, err := st.f32(biasTensor)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	if ok {
		if len(bshape) != 1 || bshape[0] != p.outDim {
			return nil, fmt.Errorf("projection: bias shape %v, want [%d]", bshape, p.outDim)
		}
		p.bias = b
	}
	return p, nil
}

// apply maps vec from inDim to outDim.
func (p *projection) apply(vec []float32) []float32 {
	out := make([]float32, p.outDim)
	for i := range out {
		var sum float32
		if p.bias != nil {
			sum = p.bias[i]
		}
		for j, w := range p.weights[i*p.inDim : (i+1)*p.inDim] {
			sum += w * vec[j]
		}
		out[i] = sum
	}
	return out
}
