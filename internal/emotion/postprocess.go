package emotion

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

// Result is the prediction for one frame. Scores are reported exactly as the
// network produced them; they are not renormalized.
type Result struct {
	Emotion       string             `json:"emotion"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"probabilities"`
	Ranked        []LabelScore       `json:"ranked"`
}

// LabelScore pairs a label with its score.
type LabelScore struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Postprocess maps a score vector onto labels. The highest score wins; on an
// exact tie the lower index wins.
func Postprocess(scores []float32, labels []string) (Result, error) {
	if len(labels) == 0 {
		return Result{}, &InferenceError{Err: errors.New("no labels")}
	}
	if len(scores) != len(labels) {
		return Result{}, &InferenceError{Err: fmt.Errorf("got %d scores for %d labels", len(scores), len(labels))}
	}

	best := 0
	probabilities := make(map[string]float32, len(labels))
	ranked := make([]LabelScore, len(labels))
	for i, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return Result{}, &InferenceError{Err: fmt.Errorf("score %d for %q is %v", i, labels[i], s)}
		}
		if _, dup := probabilities[labels[i]]; dup {
			return Result{}, &InferenceError{Err: fmt.Errorf("duplicate label %q", labels[i])}
		}
		probabilities[labels[i]] = s
		ranked[i] = LabelScore{Label: labels[i], Score: s}
		if s > scores[best] {
			best = i
		}
	}

	slices.SortStableFunc(ranked, func(a, b LabelScore) int {
		return cmp.Compare(b.Score, a.Score)
	})

	return Result{
		Emotion:       labels[best],
		Confidence:    scores[best],
		Probabilities: probabilities,
		Ranked:        ranked,
	}, nil
}
