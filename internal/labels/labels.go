// Package labels declares the ordered severity classes a classifier emits.
//
// Position i of a Set names the class the classifier reports at output index
// i. The order comes from configuration and is never inferred from the model.
package labels

import (
	"errors"
	"fmt"
	"strings"
)

// Count is the number of severity classes the service serves.
const Count = 5

// Default is the diabetic retinopathy grading in classifier output order.
var Default = []string{"No DR", "Mild", "Moderate", "Severe", "Proliferative DR"}

// ErrInvalidSet reports a label declaration that cannot be used.
var ErrInvalidSet = errors.New("invalid label set")

// Set is an immutable, validated, ordered list of class labels.
type Set struct {
	names []string
	index map[string]int
}

// New validates names and builds a Set. Names must be exactly Count long,
// non-blank and unique.
func New(names []string) (Set, error) {
	if len(names) != Count {
		return Set{}, fmt.Errorf("%w: expected %d labels, got %d", ErrInvalidSet, Count, len(names))
	}

	s := Set{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return Set{}, fmt.Errorf("%w: label %d is empty", ErrInvalidSet, i)
		}
		if prev, ok := s.index[name]; ok {
			return Set{}, fmt.Errorf("%w: label %q declared at %d and %d", ErrInvalidSet, name, prev, i)
		}
		s.names[i] = name
		s.index[name] = i
	}
	return s, nil
}

// MustDefault returns the default grading set.
func MustDefault() Set {
	s, err := New(Default)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of classes.
func (s Set) Len() int { return len(s.names) }

// Name returns the label for output index i.
func (s Set) Name(i int) (string, bool) {
	if i < 0 || i >= len(s.names) {
		return "", false
	}
	return s.names[i], true
}

// Index returns the output index declared for name.
func (s Set) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names returns a copy of the labels in output order.
func (s Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
