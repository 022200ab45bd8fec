package model

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXRuntime owns the process-wide ONNX Runtime environment.
type ONNXRuntime struct {
	intraOpThreads int
}

// NewONNXRuntime initializes the ONNX environment. libraryPath may be empty
// to use the platform default shared library name.
func NewONNXRuntime(libraryPath string, intraOpThreads int) (*ONNXRuntime, error) {
	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	return &ONNXRuntime{intraOpThreads: intraOpThreads}, nil
}

// Close tears down the ONNX environment. Sessions must be destroyed first.
func (r *ONNXRuntime) Close() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (r *ONNXRuntime) NewSession(modelData []byte, spec SessionSpec) (Session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if r.intraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(r.intraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelData,
		[]string{spec.InputName}, []string{spec.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxSession{
		session:    session,
		inputShape: ort.NewShape(spec.InputShape...),
	}, nil
}

type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	inputShape ort.Shape
}

// Run allocates fresh tensors per call so concurrent requests never share
// native buffers. The output is allocated by ONNX Runtime at whatever shape
// the graph produces; the caller checks its length against the labels.
func (s *onnxSession) Run(input []float32) ([]float32, error) {
	if int64(len(input)) != s.inputShape.FlattenedSize() {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), s.inputShape.FlattenedSize())
	}

	inputTensor, err := ort.NewTensor(s.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, errors.New("inference produced no output")
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is %T, want float32 scores", outputs[0])
	}

	// The tensor memory is freed on return, so hand back a copy.
	outputData := outputTensor.GetData()
	scores := make([]float32, len(outputData))
	copy(scores, outputData)
	return scores, nil
}

func (s *onnxSession) Destroy() error {
	if s.session == nil {
		return errors.New("session already destroyed")
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
