// Package predictor defines the black-box classifier boundary (spec §1,
// §2): given a batch of preprocessed tensors, return a batch of
// label->score mappings. The real model-serving implementation is
// swapped in at deploy time; this package only fixes the interface and
// the stable label ordering, plus a deterministic stub used by tests
// and local runs.
package predictor

import (
	"context"
	"fmt"
)

// Labels is the fixed, stable label ordering spec §9 requires in place
// of a dynamic JSON output map: 18 chest X-ray pathologies.
var Labels = []string{
	"Atelectasis",
	"Cardiomegaly",
	"Effusion",
	"Infiltration",
	"Mass",
	"Nodule",
	"Pneumonia",
	"Pneumothorax",
	"Consolidation",
	"Edema",
	"Emphysema",
	"Fibrosis",
	"Pleural_Thickening",
	"Hernia",
	"No Finding",
	"Enlarged Cardiomediastinum",
	"Lung Opacity",
	"Lung Lesion",
}

// Tensor is a single preprocessed image: single-channel, 224x224,
// row-major, normalized to the training-time range (spec §4.3 step 3).
type Tensor struct {
	Data   []float32
	Height int
	Width  int
}

// Prediction is one item's label->score output plus the argmax label.
type Prediction struct {
	Scores   map[string]float64
	TopLabel string
}

// Predictor is the process-local, single-threaded-per-process
// capability spec §2 names: a batch of tensors in, a batch of
// predictions out, under the caller's deadline. Implementations must
// respect ctx cancellation (spec §9: "Signal-based timeout... becomes a
// context/deadline passed into the Predictor call").
type Predictor interface {
	Predict(ctx context.Context, batch []Tensor) ([]Prediction, error)
}

// Stub is a deterministic, weight-free Predictor used by tests and
// local runs in place of the real classifier (spec §1 treats the
// classifier as an out-of-scope black box). It derives a score vector
// from the tensor's mean pixel value so results are reproducible and
// distinguishable across different inputs, and it honors ctx so
// deadline-based tests are meaningful.
type Stub struct{}

// NewStub returns a ready-to-use deterministic Predictor stub.
func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Predict(ctx context.Context, batch []Tensor) ([]Prediction, error) {
	out := make([]Prediction, 0, len(batch))
	for _, t := range batch {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pred, err := s.predictOne(t)
		if err != nil {
			return nil, err
		}
		out = append(out, pred)
	}
	return out, nil
}

func (s *Stub) predictOne(t Tensor) (Prediction, error) {
	if len(t.Data) == 0 {
		return Prediction{}, fmt.Errorf("predictor: empty tensor")
	}

	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	mean := sum / float64(len(t.Data))

	scores := make(map[string]float64, len(Labels))
	top := Labels[0]
	var topScore float64
	for i, label := range Labels {
		// A deterministic function of the mean pixel value and label
		// index, folded into [0, 1) via a fractional-part trick so the
		// stub never depends on real model weights.
		x := mean*float64(i+1) + float64(i)*0.37
		score := x - float64(int64(x))
		if score < 0 {
			score += 1
		}
		scores[label] = score
		if i == 0 || score > topScore {
			topScore = score
			top = label
		}
	}

	return Prediction{Scores: scores, TopLabel: top}, nil
}
