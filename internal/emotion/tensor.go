package emotion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Brownie44l1/fer-api/internal/model"
)

var tensorPool = sync.Pool{
	New: func() any {
		buf := make([]float32, model.InputLen)
		return &buf
	},
}

var errTensorReleased = errors.New("input tensor already released")

// InputTensor is a 1x48x48x1 float buffer in [0,1]. It is valid until
// Release, which callers must defer right after acquiring it.
type InputTensor struct {
	buf *[]float32
}

func acquireTensor() *InputTensor {
	return &InputTensor{buf: tensorPool.Get().(*[]float32)}
}

// NewInputTensor copies caller-supplied values into a tensor. data must hold
// exactly 48*48 finite values in [0,1].
func NewInputTensor(data []float32) (*InputTensor, error) {
	if len(data) != model.InputLen {
		return nil, &PreprocessError{Err: fmt.Errorf("expected %d values, got %d", model.InputLen, len(data))}
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) || v < 0 || v > 1 {
			return nil, &PreprocessError{Err: fmt.Errorf("value %d is %v, want [0,1]", i, v)}
		}
	}
	t := acquireTensor()
	copy(t.Data(), data)
	return t, nil
}

// Shape is always batch 1, 48 rows, 48 columns, one channel.
func (t *InputTensor) Shape() []int64 {
	return []int64{1, model.InputHeight, model.InputWidth, 1}
}

// Data returns the backing buffer, or nil once released.
func (t *InputTensor) Data() []float32 {
	if t == nil || t.buf == nil {
		return nil
	}
	return *t.buf
}

// Released reports whether Release has been called.
func (t *InputTensor) Released() bool {
	return t == nil || t.buf == nil
}

// Release returns the buffer to the pool. Safe to call more than once.
func (t *InputTensor) Release() {
	if t == nil || t.buf == nil {
		return
	}
	clear(*t.buf)
	tensorPool.Put(t.buf)
	t.buf = nil
}
