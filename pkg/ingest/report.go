package ingest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dubegrid/grid-ingest/pkg/partition"
	"github.com/dubegrid/grid-ingest/pkg/reading"
)

// Event identifies a newly created raw object. One event produces one
// orchestrator run. The key may arrive URL-encoded, as the object store's
// notification layer delivers it.
type Event struct {
	Bucket string
	Key    string
}

// Sample records one rejected row for the report. Row is the 1-based
// data row number; the header row is not counted.
type Sample struct {
	Row    int                  `json:"row"`
	Reason reading.RejectReason `json:"reason"`
	Detail string               `json:"detail,omitempty"`
}

// Report is the per-invocation ingestion summary. It is emitted and
// discarded, never persisted: re-running the same object yields the same
// index state but a fresh report.
type Report struct {
	Bucket       string         `json:"bucket"`
	Key          string         `json:"key"`
	Partition    partition.Info `json:"partition"`
	RowsSeen     int            `json:"rows_seen"`
	RowsAccepted int            `json:"rows_accepted"`
	RowsRejected int            `json:"rows_rejected"`
	Samples      []Sample       `json:"rejection_samples,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// SourceObject returns the report's object identity as an S3 URI.
func (r Report) SourceObject() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// tally accumulates per-row outcomes. Safe for concurrent use by the
// write workers.
type tally struct {
	mu          sync.Mutex
	seen        int
	accepted    int
	rejected    int
	samples     []Sample
	sampleLimit int
}

func newTally(sampleLimit int) *tally {
	return &tally{sampleLimit: sampleLimit}
}

func (t *tally) see() {
	t.mu.Lock()
	t.seen++
	t.mu.Unlock()
}

func (t *tally) accept() {
	t.mu.Lock()
	t.accepted++
	t.mu.Unlock()
}

func (t *tally) reject(row int, reason reading.RejectReason, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rejected++
	if len(t.samples) < t.sampleLimit {
		t.samples = append(t.samples, Sample{Row: row, Reason: reason, Detail: detail})
	}
}

// fill copies the totals into a report. Samples are ordered by row
// number; the write workers finish out of order.
func (t *tally) fill(r *Report) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.RowsSeen = t.seen
	r.RowsAccepted = t.accepted
	r.RowsRejected = t.rejected
	sort.Slice(t.samples, func(i, j int) bool { return t.samples[i].Row < t.samples[j].Row })
	r.Samples = t.samples
}
