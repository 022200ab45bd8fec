package emotion

import "fmt"

// PreprocessError reports an image that cannot be turned into an input tensor.
type PreprocessError struct {
	Err error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess failed: %v", e.Err)
}

func (e *PreprocessError) Unwrap() error {
	return e.Err
}

// InferenceError reports a forward pass that failed or produced an output
// that does not line up with the labels.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
