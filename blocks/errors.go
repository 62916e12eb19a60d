package blocks

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLayout is matched by every *InvalidLayoutError.
	ErrInvalidLayout = errors.New("blocks: invalid block layout")

	// ErrEmptyPartition is matched by every *EmptyPartitionError.
	ErrEmptyPartition = errors.New("blocks: empty partition")
)

// InvalidLayoutError reports rows that cannot be grouped into equally sized,
// contiguous, time-ordered blocks, or a window that does not fit a block.
type InvalidLayoutError struct {
	Reason string
}

func (e *InvalidLayoutError) Error() string {
	return fmt.Sprintf("invalid block layout: %s", e.Reason)
}

func (e *InvalidLayoutError) Is(target error) bool { return target == ErrInvalidLayout }

func layoutErrorf(format string, args ...any) error {
	return &InvalidLayoutError{Reason: fmt.Sprintf(format, args...)}
}

// EmptyPartitionError reports a split that leaves TRAIN or TEST without blocks.
type EmptyPartitionError struct {
	NumBlocks int
	NumTest   int
	TestRatio float64
}

func (e *EmptyPartitionError) Error() string {
	side := "test"
	if e.NumTest == e.NumBlocks {
		side = "train"
	}
	return fmt.Sprintf("empty %s partition: test ratio %g over %d blocks selects %d test blocks",
		side, e.TestRatio, e.NumBlocks, e.NumTest)
}

func (e *EmptyPartitionError) Is(target error) bool { return target == ErrEmptyPartition }
