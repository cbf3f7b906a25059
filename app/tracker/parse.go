package tracker

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// worker line protocol markers. The worker prints structured payloads embedded
// in its regular output, one message per line.
const (
	progressMarker = "PROGRESS:"
	progressEnd    = "::END_PROGRESS"
	batchMarker    = "BATCH_COMPLETE:"
	batchEnd       = "::END_BATCH"
)

// Progress is the structured payload embedded in a worker progress line
type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Stage     string `json:"stage"`
}

// BatchResult is the payload of a batch completion marker, carrying the
// partial results to persist incrementally.
type BatchResult struct {
	BatchNumber  int               `json:"batchNumber"`
	TotalBatches int               `json:"totalBatches"`
	Results      []json.RawMessage `json:"results"`
}

// recordRe matches free-text fallbacks like "Completed record 12/50" or
// "processing record 3/30"
var recordRe = regexp.MustCompile(`(?i)record\s+(\d+)\s*/\s*(\d+)`)

// ParseProgress extracts progress from a raw worker line. It looks for the
// structured marker payload first and falls back to pattern extraction.
// Returns false for lines carrying no progress information; malformed marker
// payloads also return false so the caller keeps the last known good state.
func ParseProgress(line string) (Progress, bool) {
	if start := strings.Index(line, progressMarker); start >= 0 {
		rest := line[start+len(progressMarker):]
		end := strings.Index(rest, progressEnd)
		if end < 0 {
			return Progress{}, false
		}
		var p Progress
		if err := json.Unmarshal([]byte(rest[:end]), &p); err != nil {
			return Progress{}, false
		}
		return p, true
	}

	if m := recordRe.FindStringSubmatch(line); m != nil {
		processed, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return Progress{}, false
		}
		return Progress{Processed: processed, Total: total, Stage: strings.TrimSpace(line)}, true
	}

	return Progress{}, false
}

// ParseBatch extracts a batch completion payload from a raw worker line
func ParseBatch(line string) (BatchResult, bool) {
	start := strings.Index(line, batchMarker)
	if start < 0 {
		return BatchResult{}, false
	}
	rest := line[start+len(batchMarker):]
	end := strings.Index(rest, batchEnd)
	if end < 0 {
		return BatchResult{}, false
	}
	var b BatchResult
	if err := json.Unmarshal([]byte(rest[:end]), &b); err != nil {
		return BatchResult{}, false
	}
	return b, true
}
