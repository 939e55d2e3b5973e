package enrichment

import "errors"

var ErrInvalidBatchSize = errors.New("batch size must be positive")

// DefaultBatchSize is the provider's per-submission item limit.
const DefaultBatchSize = 100

// Chunk splits jobs into consecutive batches of at most maxSize items. Order
// is preserved and every job appears in exactly one batch; the last batch may
// be shorter. maxSize <= 0 is a caller error, never silently clamped.
func Chunk(jobs []*Job, maxSize int) ([][]*Job, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	batches := make([][]*Job, 0, (len(jobs)+maxSize-1)/maxSize)
	for start := 0; start < len(jobs); start += maxSize {
		end := start + maxSize
		if end > len(jobs) {
			end = len(jobs)
		}

		batches = append(batches, jobs[start:end])
	}

	return batches, nil
}
