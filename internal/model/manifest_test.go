package model

import (
	"slices"
	"testing"
)

func TestParseManifest_Defaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"labels": ["angry", "happy", "sad"]}`))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}

	if !slices.Equal(m.Labels, []string{"angry", "happy", "sad"}) {
		t.Errorf("unexpected labels %v", m.Labels)
	}
	if m.InputName != "input" || m.OutputName != "output" {
		t.Errorf("expected default tensor names, got %q/%q", m.InputName, m.OutputName)
	}
	if !slices.Equal(m.InputShape, []int64{1, 48, 48, 1}) {
		t.Errorf("expected default input shape, got %v", m.InputShape)
	}
}

func TestParseManifest_ClassesFallback(t *testing.T) {
	data := `{"classes": ["neutral", "surprise"], "input_shape": [1, 1, 48, 48], "output_shape": [1, 2], "image_size": 48}`

	m, err := ParseManifest([]byte(data))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}

	if !slices.Equal(m.Labels, []string{"neutral", "surprise"}) {
		t.Errorf("expected classes to be used as labels, got %v", m.Labels)
	}
	if m.Classes != nil {
		t.Errorf("expected classes to be cleared after normalization, got %v", m.Classes)
	}
	if !slices.Equal(m.InputShape, []int64{1, 1, 48, 48}) {
		t.Errorf("expected NCHW shape to be kept, got %v", m.InputShape)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `labels: [a, b]`},
		{"labels not strings", `{"labels": [1, 2, 3]}`},
		{"labels not a list", `{"labels": "angry"}`},
		{"missing labels", `{"input_name": "x"}`},
		{"empty labels", `{"labels": []}`},
		{"empty label", `{"labels": ["angry", ""]}`},
		{"duplicate label", `{"labels": ["angry", "angry"]}`},
		{"rgb input", `{"labels": ["a"], "input_shape": [1, 48, 48, 3]}`},
		{"wrong image size", `{"labels": ["a"], "image_size": 64}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tc.data)); err == nil {
				t.Errorf("expected error for %s", tc.data)
			}
		})
	}
}

func TestManifest_DeclaredOutputLen(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		declared int
	}{
		{"absent", Manifest{Labels: []string{"a", "b", "c"}}, -1},
		{"fixed", Manifest{Labels: []string{"a", "b"}, OutputShape: []int64{1, 2}}, 2},
		{"dynamic batch", Manifest{Labels: []string{"a", "b"}, OutputShape: []int64{-1, 2}}, -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.manifest.declaredOutputLen(); got != tc.declared {
				t.Errorf("declaredOutputLen() = %d; want %d", got, tc.declared)
			}
		})
	}
}
