package enrichment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeJobs(n int) []*Job {
	jobs := make([]*Job, n)
	for i := range jobs {
		jobs[i] = &Job{ID: fmt.Sprintf("job-%d", i)}
	}

	return jobs
}

func Test_Chunk(t *testing.T) {
	tests := []struct {
		name      string
		jobs      int
		maxSize   int
		wantSizes []int
	}{
		{name: "empty input", jobs: 0, maxSize: 10, wantSizes: nil},
		{name: "single partial batch", jobs: 3, maxSize: 10, wantSizes: []int{3}},
		{name: "exact fit", jobs: 10, maxSize: 5, wantSizes: []int{5, 5}},
		{name: "remainder in last batch", jobs: 11, maxSize: 5, wantSizes: []int{5, 5, 1}},
		{name: "max size one", jobs: 3, maxSize: 1, wantSizes: []int{1, 1, 1}},
		{name: "max size larger than input", jobs: 4, maxSize: 100, wantSizes: []int{4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := makeJobs(tt.jobs)

			batches, err := Chunk(jobs, tt.maxSize)
			require.NoError(t, err)
			require.Len(t, batches, len(tt.wantSizes))

			// Concatenation equals the input, order preserved, each job
			// exactly once.
			var flat []*Job
			for i, batch := range batches {
				require.Len(t, batch, tt.wantSizes[i])
				require.LessOrEqual(t, len(batch), tt.maxSize)
				flat = append(flat, batch...)
			}
			require.Equal(t, jobs, flat)
		})
	}
}

func Test_Chunk_BatchCount(t *testing.T) {
	// ceil(n/maxSize) batches for every combination.
	for n := 0; n <= 25; n++ {
		for maxSize := 1; maxSize <= 7; maxSize++ {
			batches, err := Chunk(makeJobs(n), maxSize)
			require.NoError(t, err)

			want := (n + maxSize - 1) / maxSize
			require.Len(t, batches, want, "n=%d maxSize=%d", n, maxSize)
		}
	}
}

func Test_Chunk_RejectsInvalidMaxSize(t *testing.T) {
	for _, maxSize := range []int{0, -1, -100} {
		_, err := Chunk(makeJobs(5), maxSize)
		require.ErrorIs(t, err, ErrInvalidBatchSize, "maxSize=%d", maxSize)
	}
}
