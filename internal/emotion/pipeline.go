// Package emotion turns a captured frame into an emotion prediction:
// preprocess, one forward pass through the loaded model, postprocess.
package emotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/fer-api/internal/logging"
	"github.com/Brownie44l1/fer-api/internal/model"
)

// State is the lifecycle of a Pipeline.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateInferring     State = "inferring"
	StateFailed        State = "failed"
)

// Pipeline runs detections against a model owned by a Loader. It never
// triggers a load on its own; callers await WaitForReady first.
type Pipeline struct {
	loader   *model.Loader
	logger   *slog.Logger
	inflight atomic.Int64
}

func NewPipeline(loader *model.Loader, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.L()
	}
	return &Pipeline{
		loader: loader,
		logger: logger.With("component", "pipeline"),
	}
}

// WaitForReady loads the model if needed and blocks until it is ready or ctx ends.
func (p *Pipeline) WaitForReady(ctx context.Context) error {
	return p.loader.Load(ctx)
}

func (p *Pipeline) State() State {
	if p.inflight.Load() > 0 {
		return StateInferring
	}
	switch p.loader.State() {
	case model.StateLoading:
		return StateLoading
	case model.StateReady:
		return StateReady
	case model.StateFailed:
		return StateFailed
	default:
		return StateUninitialized
	}
}

// LastLoadError returns the error of the most recent failed load.
func (p *Pipeline) LastLoadError() error {
	return p.loader.LastError()
}

// Labels returns the manifest labels, or model.ErrNotReady.
func (p *Pipeline) Labels() ([]string, error) {
	return p.loader.Labels()
}

// Preprocess is the package-level Preprocess, exposed for symmetry with Infer.
func (p *Pipeline) Preprocess(img RawImage) (*InputTensor, error) {
	return Preprocess(img)
}

// Infer runs one forward pass and returns the raw scores, one per label.
func (p *Pipeline) Infer(ctx context.Context, t *InputTensor) ([]float32, error) {
	scores, _, err := p.infer(ctx, t)
	return scores, err
}

// Classify runs Infer then Postprocess on a tensor the caller owns.
func (p *Pipeline) Classify(ctx context.Context, t *InputTensor) (Result, error) {
	scores, labels, err := p.infer(ctx, t)
	if err != nil {
		return Result{}, err
	}
	return Postprocess(scores, labels)
}

// DetectEmotion preprocesses img, runs the model and maps the scores to a
// Result. The input tensor is released on every path.
func (p *Pipeline) DetectEmotion(ctx context.Context, img RawImage) (Result, error) {
	start := time.Now()

	t, err := Preprocess(img)
	if err != nil {
		return Result{}, err
	}
	defer t.Release()

	result, err := p.Classify(ctx, t)
	if err != nil {
		return Result{}, err
	}

	logging.From(ctx).Debug("emotion detected",
		"emotion", result.Emotion,
		"confidence", result.Confidence,
		"width", img.Width,
		"height", img.Height,
		"duration", time.Since(start))
	return result, nil
}

// infer returns the scores together with the labels of the same handle so a
// concurrent reload can never pair one model's output with another's labels.
func (p *Pipeline) infer(ctx context.Context, t *InputTensor) ([]float32, []string, error) {
	if t.Released() {
		return nil, nil, &InferenceError{Err: errTensorReleased}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var scores []float32
	var labels []string
	err := p.loader.WithModel(func(h *model.Handle) error {
		p.inflight.Add(1)
		defer p.inflight.Add(-1)

		out, err := h.Run(t.Data())
		if err != nil {
			return &InferenceError{Err: err}
		}
		if len(out) != len(h.Labels()) {
			return &InferenceError{Err: fmt.Errorf("model produced %d scores for %d labels", len(out), len(h.Labels()))}
		}
		scores, labels = out, h.Labels()
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotReady) {
			p.logger.Warn("forward pass failed", "error", err)
		}
		return nil, nil, err
	}
	return scores, labels, nil
}
