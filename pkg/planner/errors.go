package planner

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrDescriptor matches every *DescriptorError via errors.Is.
var ErrDescriptor = errors.New("descriptor error")

// DescriptorError reports a build plan that cannot be produced. It is a build
// time failure and never surfaces at runtime.
type DescriptorError struct {
	// Layer is the descriptor index of the offending layer, or -1.
	Layer  int
	Reason string
}

func (e *DescriptorError) Error() string {
	if e.Layer < 0 {
		return fmt.Sprintf("descriptor: %s", e.Reason)
	}
	return fmt.Sprintf("descriptor: layer %d: %s", e.Layer, e.Reason)
}

func (e *DescriptorError) Is(target error) bool {
	return target == ErrDescriptor
}

func descriptorErrorf(layer int, format string, args ...any) error {
	return &DescriptorError{Layer: layer, Reason: fmt.Sprintf(format, args...)}
}
