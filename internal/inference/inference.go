// Package inference wraps a preloaded, immutable classifier behind a single
// Classify operation and derives the reported prediction from its scores.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/labels"
)

// SumTolerance is how far a score vector may stray from summing to 1.
const SumTolerance = 1e-3

var (
	// ErrEngineUnavailable is returned by every call on an engine that failed
	// to initialise. It persists until the process restarts.
	ErrEngineUnavailable = errors.New("inference engine unavailable")
	// ErrEngineUnreachable is returned when a remote engine cannot be reached.
	// Later calls may succeed.
	ErrEngineUnreachable = errors.New("inference engine unreachable")
	// ErrInvalidOutput reports a score vector that does not match the label set
	// or is not a probability distribution.
	ErrInvalidOutput = errors.New("invalid classifier output")
)

// Engine scores a normalised tensor. Implementations must be deterministic and
// safe for concurrent use.
type Engine interface {
	Classify(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error)
}

// Prediction is the outcome derived from one Classify call.
type Prediction struct {
	ClassIndex int
	Label      string
	Confidence float64
	Scores     []float64
	Labels     []string // label names in score order
}

// Classifier pairs an Engine with the declared label order.
type Classifier struct {
	engine Engine
	labels labels.Set
}

// NewClassifier constructs a classifier. The label set must come from
// configuration.
func NewClassifier(engine Engine, set labels.Set) *Classifier {
	return &Classifier{engine: engine, labels: set}
}

// Labels returns the label order the classifier reports against.
func (c *Classifier) Labels() labels.Set { return c.labels }

// Ready reports whether the underlying engine loaded successfully.
func (c *Classifier) Ready() bool {
	_, unavailable := c.engine.(*unavailableEngine)
	return !unavailable
}

// Predict runs the engine and returns the argmax class with its probability.
func (c *Classifier) Predict(ctx context.Context, tensor *imageprocessor.Tensor) (*Prediction, error) {
	raw, err := c.engine.Classify(ctx, tensor)
	if err != nil {
		return nil, err
	}
	if len(raw) != c.labels.Len() {
		return nil, fmt.Errorf("%w: got %d scores for %d labels", ErrInvalidOutput, len(raw), c.labels.Len())
	}

	scores := make([]float64, len(raw))
	var sum float64
	for i, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || f < 0 || f > 1+SumTolerance {
			return nil, fmt.Errorf("%w: score %d is %v", ErrInvalidOutput, i, v)
		}
		scores[i] = f
		sum += f
	}
	if math.Abs(sum-1) > SumTolerance {
		return nil, fmt.Errorf("%w: scores sum to %f", ErrInvalidOutput, sum)
	}

	idx := Argmax(scores)
	label, _ := c.labels.Name(idx)
	return &Prediction{
		ClassIndex: idx,
		Label:      label,
		Confidence: scores[idx],
		Scores:     scores,
		Labels:     c.labels.Names(),
	}, nil
}

// Argmax returns the index of the largest score. On exact ties the lowest
// index wins. It returns -1 for an empty slice.
func Argmax(scores []float64) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

type unavailableEngine struct {
	cause error
}

// Unavailable returns an engine that fails every call with
// ErrEngineUnavailable. cause is kept for diagnostics only.
func Unavailable(cause error) Engine {
	return &unavailableEngine{cause: cause}
}

func (u *unavailableEngine) Classify(context.Context, *imageprocessor.Tensor) ([]float32, error) {
	if u.cause != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, u.cause)
	}
	return nil, ErrEngineUnavailable
}
