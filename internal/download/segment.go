package download

import "fmt"

// Segment is a contiguous, inclusive byte range of a parent download.
type Segment struct {
	ID         string
	DownloadID string
	Index      int
	Start      int64
	End        int64
	Status     Status
	TempPath   string
	Engine     string
}

// Length returns the number of bytes covered by the segment.
func (s *Segment) Length() int64 {
	return s.End - s.Start + 1
}

// Partition splits [0,total) into n contiguous segments. The first total%n
// segments carry one extra byte so that the lengths sum to total exactly.
func Partition(downloadID string, total int64, n int) ([]*Segment, error) {
	if total <= 0 {
		return nil, fmt.Errorf("cannot partition %d bytes", total)
	}

	if n <= 0 {
		return nil, fmt.Errorf("segment count must be positive, got %d", n)
	}

	if int64(n) > total {
		n = int(total)
	}

	base := total / int64(n)
	remainder := total % int64(n)

	segments := make([]*Segment, 0, n)

	var offset int64

	for i := 0; i < n; i++ {
		length := base
		if int64(i) < remainder {
			length++
		}

		segments = append(segments, &Segment{
			ID:         fmt.Sprintf("%s-%d", downloadID, i),
			DownloadID: downloadID,
			Index:      i,
			Start:      offset,
			End:        offset + length - 1,
			Status:     StatusQueued,
		})

		offset += length
	}

	return segments, nil
}
