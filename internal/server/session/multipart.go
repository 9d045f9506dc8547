package session

import (
	"fmt"
	"slices"
	"time"
)

type Part struct {
	Number     int
	ETag       string
	Size       int64
	UploadedAt time.Time
}

// MultipartUpload tracks which parts of a multipart session have been uploaded.
// Reports may arrive in any order and may repeat; the latest report for a part wins.
type MultipartUpload struct {
	UploadID   string
	TotalParts int
	PartSize   int64

	parts map[int]Part
}

func NewMultipartUpload(totalParts int, partSize int64) *MultipartUpload {
	return &MultipartUpload{
		TotalParts: totalParts,
		PartSize:   partSize,
		parts:      make(map[int]Part, totalParts),
	}
}

// RecordPart upserts a completed part.
func (m *MultipartUpload) RecordPart(partNumber int, etag string, size int64, now time.Time) error {
	if partNumber < 1 || partNumber > m.TotalParts {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidPartNumber, partNumber, m.TotalParts)
	}
	if etag == "" {
		return fmt.Errorf("%w: part %d has no etag", ErrInvalidRequest, partNumber)
	}
	if size < 0 {
		return fmt.Errorf("%w: part %d has negative size", ErrInvalidRequest, partNumber)
	}
	if m.parts == nil {
		m.parts = make(map[int]Part, m.TotalParts)
	}
	m.parts[partNumber] = Part{Number: partNumber, ETag: etag, Size: size, UploadedAt: now}
	return nil
}

func (m *MultipartUpload) IsReadyToComplete() bool {
	return len(m.parts) == m.TotalParts
}

func (m *MultipartUpload) CompletedCount() int {
	return len(m.parts)
}

func (m *MultipartUpload) Part(partNumber int) (Part, bool) {
	p, ok := m.parts[partNumber]
	return p, ok
}

// CompletedParts returns the recorded parts ordered by part number.
func (m *MultipartUpload) CompletedParts() []Part {
	parts := make([]Part, 0, len(m.parts))
	for _, p := range m.parts {
		parts = append(parts, p)
	}
	slices.SortFunc(parts, func(a, b Part) int { return a.Number - b.Number })
	return parts
}

func (m *MultipartUpload) MissingParts() []int {
	var missing []int
	for n := 1; n <= m.TotalParts; n++ {
		if _, ok := m.parts[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func (m *MultipartUpload) TotalSize() int64 {
	var total int64
	for _, p := range m.parts {
		total += p.Size
	}
	return total
}

// AssembleCompletionRequest returns the ordered part list for the storage completion call.
func (m *MultipartUpload) AssembleCompletionRequest() ([]Part, error) {
	if !m.IsReadyToComplete() {
		return nil, fmt.Errorf("%w: %d of %d parts uploaded", ErrIncompleteParts, len(m.parts), m.TotalParts)
	}
	return m.CompletedParts(), nil
}
