package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	tbl := []struct {
		name string
		line string
		ok   bool
		res  Progress
	}{
		{"structured marker", `PROGRESS:{"processed": 12, "total": 50, "stage": "Processing batch 1"}::END_PROGRESS`,
			true, Progress{Processed: 12, Total: 50, Stage: "Processing batch 1"}},
		{"marker without total", `PROGRESS:{"processed": 3, "stage": "Loading CSV file"}::END_PROGRESS`,
			true, Progress{Processed: 3, Stage: "Loading CSV file"}},
		{"marker with log prefix", `2024-01-01 INFO PROGRESS:{"processed": 7, "total": 10, "stage": "x"}::END_PROGRESS`,
			true, Progress{Processed: 7, Total: 10, Stage: "x"}},
		{"fallback completed record", "Completed record 17/50", true,
			Progress{Processed: 17, Total: 50, Stage: "Completed record 17/50"}},
		{"fallback processing record", "processing record 3 / 30 of batch", true,
			Progress{Processed: 3, Total: 30, Stage: "processing record 3 / 30 of batch"}},
		{"malformed json", `PROGRESS:{"processed": oops}::END_PROGRESS`, false, Progress{}},
		{"missing end marker", `PROGRESS:{"processed": 1}`, false, Progress{}},
		{"plain noise", "loading model weights", false, Progress{}},
		{"empty", "", false, Progress{}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := ParseProgress(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.res, res)
			}
		})
	}
}

func TestParseBatch(t *testing.T) {
	line := `BATCH_COMPLETE:{"batchNumber": 2, "totalBatches": 4, "results": [{"id": 1}, {"id": 2}]}::END_BATCH`
	b, ok := ParseBatch(line)
	require.True(t, ok)
	assert.Equal(t, 2, b.BatchNumber)
	assert.Equal(t, 4, b.TotalBatches)
	assert.Len(t, b.Results, 2)

	_, ok = ParseBatch("PROGRESS:{}::END_PROGRESS")
	assert.False(t, ok)

	_, ok = ParseBatch(`BATCH_COMPLETE:{"batchNumber": broken}::END_BATCH`)
	assert.False(t, ok)
}
