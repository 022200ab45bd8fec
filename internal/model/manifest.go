package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Input geometry every supported network shares: one 48x48 grayscale frame.
const (
	InputWidth  = 48
	InputHeight = 48
	InputLen    = InputWidth * InputHeight
)

// Manifest is the label sidecar shipped next to the model file.
type Manifest struct {
	Labels      []string `json:"labels"`
	Classes     []string `json:"classes,omitempty"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	InputShape  []int64  `json:"input_shape,omitempty"`
	OutputShape []int64  `json:"output_shape,omitempty"`
	ImageSize   int      `json:"image_size,omitempty"`
}

var (
	nhwcShape = []int64{1, InputHeight, InputWidth, 1}
	nchwShape = []int64{1, 1, InputHeight, InputWidth}
)

// ParseManifest decodes and normalizes a manifest. Missing tensor names and
// input shape fall back to "input", "output" and 1x48x48x1.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if m.Labels == nil {
		m.Labels = m.Classes
	}
	m.Classes = nil

	if len(m.Labels) == 0 {
		return Manifest{}, errors.New("manifest has no labels")
	}
	seen := make(map[string]struct{}, len(m.Labels))
	for i, label := range m.Labels {
		if label == "" {
			return Manifest{}, fmt.Errorf("label %d is empty", i)
		}
		if _, dup := seen[label]; dup {
			return Manifest{}, fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = struct{}{}
	}

	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}

	// With a single channel NHWC and NCHW describe the same buffer.
	switch {
	case len(m.InputShape) == 0:
		m.InputShape = slices.Clone(nhwcShape)
	case slices.Equal(m.InputShape, nhwcShape), slices.Equal(m.InputShape, nchwShape):
	default:
		return Manifest{}, fmt.Errorf("unsupported input shape %v, want %v or %v", m.InputShape, nhwcShape, nchwShape)
	}

	if m.ImageSize != 0 && m.ImageSize != InputWidth {
		return Manifest{}, fmt.Errorf("unsupported image size %d, want %d", m.ImageSize, InputWidth)
	}

	return m, nil
}

// declaredOutputLen is the number of scores the manifest promises, or -1
// when the output shape is absent or dynamic.
func (m Manifest) declaredOutputLen() int {
	if len(m.OutputShape) == 0 {
		return -1
	}
	n := 1
	for _, d := range m.OutputShape {
		if d <= 0 {
			return -1
		}
		n *= int(d)
	}
	return n
}
