package session

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	MiB = int64(1) << 20
	GiB = int64(1) << 30

	DefaultMaxSingleSize = 5 * GiB
	DefaultMinPartSize   = 5 * MiB
	DefaultMaxPartSize   = 5 * GiB
	DefaultMaxParts      = 10000
)

// Policy bounds upload sizes. It is checked when a session is created.
type Policy struct {
	MaxSingleSize int64 `mapstructure:"max_single_size"`
	MinPartSize   int64 `mapstructure:"min_part_size"`
	MaxPartSize   int64 `mapstructure:"max_part_size"`
	MaxParts      int   `mapstructure:"max_parts"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxSingleSize: DefaultMaxSingleSize,
		MinPartSize:   DefaultMinPartSize,
		MaxPartSize:   DefaultMaxPartSize,
		MaxParts:      DefaultMaxParts,
	}
}

func (p Policy) ValidateSingle(size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: file size must be positive", ErrInvalidRequest)
	}
	if size > p.MaxSingleSize {
		return fmt.Errorf("%w: %s exceeds the single upload limit of %s",
			ErrFileTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.MaxSingleSize)))
	}
	return nil
}

// PlanMultipart validates a multipart request and returns the number of parts.
// Only the final part may be smaller than the minimum part size.
func (p Policy) PlanMultipart(fileSize, partSize int64) (int, error) {
	if fileSize <= 0 {
		return 0, fmt.Errorf("%w: file size must be positive", ErrInvalidRequest)
	}
	if partSize < p.MinPartSize || partSize > p.MaxPartSize {
		return 0, fmt.Errorf("%w: %s is outside [%s, %s]", ErrInvalidPartSize,
			humanize.IBytes(uint64(max(partSize, 0))),
			humanize.IBytes(uint64(p.MinPartSize)), humanize.IBytes(uint64(p.MaxPartSize)))
	}

	parts := fileSize / partSize
	if fileSize%partSize != 0 {
		parts++
	}
	if parts > int64(p.MaxParts) {
		return 0, fmt.Errorf("%w: %d parts of %s exceed the limit of %d",
			ErrTooManyParts, parts, humanize.IBytes(uint64(partSize)), p.MaxParts)
	}
	return int(parts), nil
}

func (p Policy) Validate() error {
	if p.MaxSingleSize <= 0 {
		return fmt.Errorf("max_single_size must be positive")
	}
	if p.MinPartSize <= 0 || p.MaxPartSize < p.MinPartSize {
		return fmt.Errorf("invalid part size bounds [%d, %d]", p.MinPartSize, p.MaxPartSize)
	}
	if p.MaxParts < 1 {
		return fmt.Errorf("max_parts must be at least 1")
	}
	return nil
}
