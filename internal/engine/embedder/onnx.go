package embedder

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	inputIDs      = "input_ids"
	inputMask     = "attention_mask"
	inputTypeIDs  = "token_type_ids"
	pooledOutput  = "sentence_embedding"
	defaultLib    = "libonnxruntime.so"
	defaultThread = 4
)

// The ONNX Runtime environment is process-wide; it is initialized once with
// the first library path seen.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// onnxSession runs a BERT-family encoder. Exports either emit per-token
// hidden states [batch, seq, dim] or a pooled sentence embedding
// [batch, dim]; XLM-R style exports take no token_type_ids.
type onnxSession struct {
	session  *ort.DynamicAdvancedSession
	inputs   []string // subset of input_ids, attention_mask, token_type_ids, in that order
	output   string
	embedDim int64
	pooled   bool
}

func newONNXSession(modelPath, libPath string, threads int) (*onnxSession, error) {
	if libPath == "" {
		libPath = filepath.Join(filepath.Dir(modelPath), defaultLib)
	}
	if threads <= 0 {
		threads = defaultThread
	}
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: initialize runtime from %s: %w", libPath, err)
	}

	ins, outs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: read model info: %w", err)
	}
	inputs, err := modelInputs(ins)
	if err != nil {
		return nil, err
	}
	out, err := pickOutput(outs)
	if err != nil {
		return nil, err
	}
	dim := out.Dimensions[len(out.Dimensions)-1]
	if dim <= 0 {
		return nil, fmt.Errorf("onnx: output %q has dynamic embedding dimension %v", out.Name, out.Dimensions)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputs, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	return &onnxSession{
		session:  sess,
		inputs:   inputs,
		output:   out.Name,
		embedDim: dim,
		pooled:   len(out.Dimensions) == 2,
	}, nil
}

// pickOutput prefers a pooled sentence_embedding output, then the first
// 3-D token output.
func pickOutput(outs []ort.InputOutputInfo) (ort.InputOutputInfo, error) {
	if len(outs) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("onnx: model has no outputs")
	}
	if i := slices.IndexFunc(outs, func(o ort.InputOutputInfo) bool {
		return o.Name == pooledOutput && len(o.Dimensions) == 2
	}); i >= 0 {
		return outs[i], nil
	}
	if i := slices.IndexFunc(outs, func(o ort.InputOutputInfo) bool {
		return len(o.Dimensions) == 3
	}); i >= 0 {
		return outs[i], nil
	}
	return ort.InputOutputInfo{}, fmt.Errorf("onnx: expected a 3D token output or 2D %s, got %v",
		pooledOutput, outs[0].Dimensions)
}

// modelInputs requires input_ids and attention_mask and adds token_type_ids
// when the model declares it.
func modelInputs(ins []ort.InputOutputInfo) ([]string, error) {
	has := func(name string) bool {
		return slices.ContainsFunc(ins, func(i ort.InputOutputInfo) bool { return i.Name == name })
	}
	for _, name := range []string{inputIDs, inputMask} {
		if !has(name) {
			return nil, fmt.Errorf("onnx: model missing required input %q", name)
		}
	}
	names := []string{inputIDs, inputMask}
	if has(inputTypeIDs) {
		names = append(names, inputTypeIDs)
	}
	return names, nil
}

// infer runs one inference call over a packed batch. The result is
// [batchSize * seqLen * embedDim] for token outputs and
// [batchSize * embedDim] for pooled ones.
func (s *onnxSession) infer(b tokenized) ([]float32, error) {
	shape := ort.NewShape(b.batchSize, b.seqLen)
	data := map[string][]int64{
		inputIDs:     b.inputIDs,
		inputMask:    b.attentionMask,
		inputTypeIDs: b.tokenTypeIDs,
	}
	ins := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range ins {
			v.Destroy()
		}
	}()
	for _, name := range s.inputs {
		t, err := ort.NewTensor(shape, data[name])
		if err != nil {
			return nil, fmt.Errorf("onnx: %s tensor: %w", name, err)
		}
		ins = append(ins, t)
	}

	outShape := ort.NewShape(b.batchSize, b.seqLen, s.embedDim)
	if s.pooled {
		outShape = ort.NewShape(b.batchSize, s.embedDim)
	}
	out, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("onnx: output tensor: %w", err)
	}
	defer out.Destroy()

	if err := s.session.Run(ins, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}
	return slices.Clone(out.GetData()), nil
}

func (s *onnxSession) close() error {
	return s.session.Destroy()
}
