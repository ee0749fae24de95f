package ingest

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dubegrid/grid-ingest/pkg/partition"
	"github.com/dubegrid/grid-ingest/pkg/reading"
	"github.com/dubegrid/grid-ingest/pkg/store"
)

const goodKey = "raw/prod/lv/y=2025/m=05/a.csv"

const headerLine = "substation_number,substation_name,timestamp,attribute_type,feeder_id,description,units,value"

// stubGetter serves object content from memory.
type stubGetter struct {
	objects map[string]string
	err     error
	calls   int
}

func (g *stubGetter) Stream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	content, ok := g.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func csvObject(rows ...string) string {
	return headerLine + "\n" + strings.Join(rows, "\n") + "\n"
}

func newTestOrchestrator(content string, idx store.Index) *Orchestrator {
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	return New(getter, idx, Config{RetryBaseDelay: time.Millisecond})
}

func TestRunEndToEnd(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject(
		"LV123,Dube North,2025-05-01T00:00:00Z,load,F7,feeder load,kW,42.7",
		"LV123,Dube North,bad-timestamp,load,F7,feeder load,kW,1.0",
	)
	o := newTestOrchestrator(content, idx)

	report, err := o.Run(context.Background(), Event{Bucket: "dubegrid-raw", Key: goodKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RowsSeen != 2 || report.RowsAccepted != 1 || report.RowsRejected != 1 {
		t.Errorf("report = seen %d accepted %d rejected %d, want 2/1/1",
			report.RowsSeen, report.RowsAccepted, report.RowsRejected)
	}
	if len(report.Samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(report.Samples))
	}
	if report.Samples[0].Row != 2 || report.Samples[0].Reason != reading.RejectBadTimestamp {
		t.Errorf("sample = %+v, want row 2 bad_timestamp", report.Samples[0])
	}

	latest, err := idx.Latest(context.Background(), "LV123")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Value != 42.7 {
		t.Errorf("Latest value = %v, want 42.7", latest.Value)
	}
}

func TestRunKeepsSubSecondRows(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject(
		"LV123,,2025-05-01T00:00:00Z,load,,,kW,1.0",
		"LV123,,2025-05-01T00:00:00.5Z,load,,,kW,2.0",
	)
	o := newTestOrchestrator(content, idx)

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RowsAccepted != 2 {
		t.Errorf("accepted %d rows, want 2", report.RowsAccepted)
	}
	if idx.Len() != 2 {
		t.Errorf("index holds %d readings, want 2 distinct sub-second keys", idx.Len())
	}
}

func TestRunRowSalvage(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject(
		"LV1,,2025-05-01T00:00:00Z,load,,,kW,1.0",
		"LV2,,2025-05-01T00:00:00Z,load,,kW,2.0", // 7 fields
		",,2025-05-01T00:30:00Z,load,,,kW,3.0",
		"LV4,,2025-05-01T00:00:00Z,load,,,kW,NaN",
		"LV5,,2025-05-01T00:00:00Z,load,,,kW,5.0",
	)
	o := newTestOrchestrator(content, idx)

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RowsSeen != 5 || report.RowsAccepted != 2 || report.RowsRejected != 3 {
		t.Errorf("report = seen %d accepted %d rejected %d, want 5/2/3",
			report.RowsSeen, report.RowsAccepted, report.RowsRejected)
	}
	if idx.Len() != 2 {
		t.Errorf("index holds %d readings, want 2", idx.Len())
	}

	wantReasons := map[int]reading.RejectReason{
		2: reading.RejectFieldCount,
		3: reading.RejectEmptyEntityID,
		4: reading.RejectBadValue,
	}
	if len(report.Samples) != len(wantReasons) {
		t.Fatalf("got %d samples, want %d", len(report.Samples), len(wantReasons))
	}
	for _, s := range report.Samples {
		if want := wantReasons[s.Row]; s.Reason != want {
			t.Errorf("row %d reason = %q, want %q", s.Row, s.Reason, want)
		}
	}
}

func TestRunInvalidPartitionPath(t *testing.T) {
	idx := store.NewMemoryIndex()
	getter := &stubGetter{objects: map[string]string{}}
	o := New(getter, idx, Config{})

	_, err := o.Run(context.Background(), Event{Bucket: "b", Key: "raw/prod/lv/2025-05/a.csv"})
	if !errors.Is(err, partition.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if getter.calls != 0 {
		t.Error("object must not be fetched when the path is invalid")
	}
	if idx.Len() != 0 {
		t.Error("index must stay unchanged on fatal abort")
	}
}

func TestRunURLEncodedKey(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject("LV123,,2025-05-01T00:00:00Z,load,,,kW,42.7")
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	o := New(getter, idx, Config{})

	// The notification layer encodes '=' as %3D.
	encoded := "raw/prod/lv/y%3D2025/m%3D05/a.csv"
	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: encoded})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Key != goodKey {
		t.Errorf("report key = %q, want decoded %q", report.Key, goodKey)
	}
	if report.RowsAccepted != 1 {
		t.Errorf("rows accepted = %d, want 1", report.RowsAccepted)
	}
}

func TestRunHeaderMismatch(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := "asset_id,timestamp,value\nLV123,2025-05-01T00:00:00Z,42.7\n"
	o := newTestOrchestrator(content, idx)

	_, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if !errors.Is(err, reading.ErrHeaderMismatch) {
		t.Fatalf("expected ErrHeaderMismatch, got %v", err)
	}
	if idx.Len() != 0 {
		t.Error("index must stay unchanged on header mismatch")
	}
}

func TestRunEmptyObject(t *testing.T) {
	idx := store.NewMemoryIndex()
	o := newTestOrchestrator("", idx)

	_, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if !errors.Is(err, reading.ErrHeaderMismatch) {
		t.Fatalf("expected ErrHeaderMismatch for empty object, got %v", err)
	}
}

func TestRunFetchFailure(t *testing.T) {
	idx := store.NewMemoryIndex()
	getter := &stubGetter{err: errors.New("access denied")}
	o := New(getter, idx, Config{})

	_, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err == nil {
		t.Fatal("expected fetch failure to surface")
	}
	if getter.calls != 1 {
		t.Errorf("fetch attempted %d times, want 1 (no internal retry)", getter.calls)
	}
}

func TestRunStageNotAllowed(t *testing.T) {
	idx := store.NewMemoryIndex()
	getter := &stubGetter{objects: map[string]string{}}
	o := New(getter, idx, Config{AllowedStages: []string{"prod"}})

	_, err := o.Run(context.Background(), Event{Bucket: "b", Key: "raw/dev/lv/y=2025/m=05/a.csv"})
	if !errors.Is(err, ErrStageNotAllowed) {
		t.Fatalf("expected ErrStageNotAllowed, got %v", err)
	}
	if getter.calls != 0 {
		t.Error("object must not be fetched for a disallowed stage")
	}
}

// flakyIndex fails each key's first failures upserts with a transient error.
type flakyIndex struct {
	*store.MemoryIndex
	mu       sync.Mutex
	failures int
	attempts map[string]int
}

func newFlakyIndex(failures int) *flakyIndex {
	return &flakyIndex{
		MemoryIndex: store.NewMemoryIndex(),
		failures:    failures,
		attempts:    map[string]int{},
	}
}

func (f *flakyIndex) Upsert(ctx context.Context, r reading.Reading) error {
	f.mu.Lock()
	key := r.EntityID + "|" + r.SortKey()
	f.attempts[key]++
	n := f.attempts[key]
	f.mu.Unlock()

	if n <= f.failures {
		return fmt.Errorf("throttled: %w", store.ErrTransient)
	}
	return f.MemoryIndex.Upsert(ctx, r)
}

func TestRunTransientWriteRecovers(t *testing.T) {
	idx := newFlakyIndex(1)
	content := csvObject("LV123,,2025-05-01T00:00:00Z,load,,,kW,42.7")
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	o := New(getter, idx, Config{MaxWriteAttempts: 3, RetryBaseDelay: time.Millisecond})

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.RowsAccepted != 1 || report.RowsRejected != 0 {
		t.Errorf("report = accepted %d rejected %d, want 1/0", report.RowsAccepted, report.RowsRejected)
	}
	if idx.Len() != 1 {
		t.Errorf("index holds %d readings, want 1", idx.Len())
	}
}

func TestRunTransientWriteExhausted(t *testing.T) {
	idx := newFlakyIndex(100)
	content := csvObject("LV123,,2025-05-01T00:00:00Z,load,,,kW,42.7")
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	o := New(getter, idx, Config{MaxWriteAttempts: 3, RetryBaseDelay: time.Millisecond})

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("exhausted write retries must not fail the run: %v", err)
	}
	if report.RowsAccepted != 0 || report.RowsRejected != 1 {
		t.Errorf("report = accepted %d rejected %d, want 0/1", report.RowsAccepted, report.RowsRejected)
	}
	if report.Samples[0].Reason != reading.RejectWriteFailed {
		t.Errorf("reason = %q, want write_failed", report.Samples[0].Reason)
	}

	key := "LV123|2025-05-01T00:00:00.000000000Z"
	if got := idx.attempts[key]; got != 3 {
		t.Errorf("upsert attempted %d times, want 3", got)
	}
}

// fatalIndex always fails with a non-transient error.
type fatalIndex struct {
	*store.MemoryIndex
	mu       sync.Mutex
	attempts int
}

func (f *fatalIndex) Upsert(ctx context.Context, r reading.Reading) error {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return errors.New("malformed key")
}

func TestRunFatalWriteNotRetried(t *testing.T) {
	idx := &fatalIndex{MemoryIndex: store.NewMemoryIndex()}
	content := csvObject("LV123,,2025-05-01T00:00:00Z,load,,,kW,42.7")
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	o := New(getter, idx, Config{MaxWriteAttempts: 3, RetryBaseDelay: time.Millisecond})

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("row-level write failure must not fail the run: %v", err)
	}
	if report.RowsRejected != 1 || report.Samples[0].Reason != reading.RejectWriteFailed {
		t.Errorf("report = %+v, want one write_failed rejection", report)
	}
	if idx.attempts != 1 {
		t.Errorf("fatal write attempted %d times, want 1", idx.attempts)
	}
}

func TestRunSampleLimit(t *testing.T) {
	idx := store.NewMemoryIndex()
	rows := make([]string, 6)
	for i := range rows {
		rows[i] = ",,2025-05-01T00:00:00Z,load,,,kW,1.0" // empty entity id
	}
	content := csvObject(rows...)
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	o := New(getter, idx, Config{SampleLimit: 2})

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.RowsRejected != 6 {
		t.Errorf("rows rejected = %d, want 6 (counts stay exact)", report.RowsRejected)
	}
	if len(report.Samples) != 2 {
		t.Errorf("got %d samples, want 2 (capped)", len(report.Samples))
	}
	if report.Samples[0].Row != 1 || report.Samples[1].Row != 2 {
		t.Errorf("samples must keep the first rows: %+v", report.Samples)
	}
}

func TestRunSamplesOrderedByRow(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject(
		"LV1,,bad-one,load,,,kW,1.0",
		"LV2,,2025-05-01T00:00:00Z,load,,,kW,2.0",
		"LV3,,bad-two,load,,,kW,3.0",
		"LV4,,2025-05-01T01:00:00Z,load,,,kW,abc",
	)
	o := newTestOrchestrator(content, idx)

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	wantRows := []int{1, 3, 4}
	if len(report.Samples) != len(wantRows) {
		t.Fatalf("got %d samples, want %d", len(report.Samples), len(wantRows))
	}
	for i, want := range wantRows {
		if report.Samples[i].Row != want {
			t.Errorf("sample %d row = %d, want %d", i, report.Samples[i].Row, want)
		}
	}
}

func TestRunGzipObject(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject("LV123,,2025-05-01T00:00:00Z,load,,,kW,42.7")

	var buf strings.Builder
	gzw := gzip.NewWriter(&buf)
	if _, err := gzw.Write([]byte(content)); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	gzw.Close()

	gzKey := "raw/prod/lv/y=2025/m=05/a.csv.gz"
	getter := &stubGetter{objects: map[string]string{gzKey: buf.String()}}
	o := New(getter, idx, Config{})

	report, err := o.Run(context.Background(), Event{Bucket: "b", Key: gzKey})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.RowsAccepted != 1 {
		t.Errorf("rows accepted = %d, want 1", report.RowsAccepted)
	}
	if idx.Len() != 1 {
		t.Errorf("index holds %d readings, want 1", idx.Len())
	}
}

func TestRunIdempotentRerun(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject(
		"LV123,,2025-05-01T00:00:00Z,load,,,kW,42.7",
		"LV123,,2025-05-01T00:30:00Z,load,,,kW,43.1",
	)
	o := newTestOrchestrator(content, idx)
	ev := Event{Bucket: "b", Key: goodKey}

	first, err := o.Run(context.Background(), ev)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := o.Run(context.Background(), ev)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if idx.Len() != 2 {
		t.Errorf("index holds %d readings after rerun, want 2", idx.Len())
	}
	if first.RowsAccepted != second.RowsAccepted || first.RowsSeen != second.RowsSeen {
		t.Errorf("rerun report differs: %+v vs %+v", first, second)
	}
}

func TestRunExpiredDeadline(t *testing.T) {
	idx := store.NewMemoryIndex()
	content := csvObject(
		"LV1,,2025-05-01T00:00:00Z,load,,,kW,1.0",
		"LV2,,2025-05-01T00:00:00Z,load,,,kW,2.0",
		"LV3,,2025-05-01T00:00:00Z,load,,,kW,3.0",
	)
	o := newTestOrchestrator(content, idx)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	report, err := o.Run(ctx, Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("expired deadline must still produce a report: %v", err)
	}
	if report.RowsSeen != 3 || report.RowsAccepted != 0 || report.RowsRejected != 3 {
		t.Errorf("report = seen %d accepted %d rejected %d, want 3/0/3",
			report.RowsSeen, report.RowsAccepted, report.RowsRejected)
	}
	for _, s := range report.Samples {
		if s.Reason != reading.RejectTimeout {
			t.Errorf("row %d reason = %q, want timeout", s.Row, s.Reason)
		}
	}
	if idx.Len() != 0 {
		t.Errorf("index holds %d readings, want 0", idx.Len())
	}
}

// cancelingIndex cancels the run's context after its first successful
// upsert, simulating the host deadline striking mid-file.
type cancelingIndex struct {
	*store.MemoryIndex
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelingIndex) Upsert(ctx context.Context, r reading.Reading) error {
	err := c.MemoryIndex.Upsert(ctx, r)
	c.once.Do(c.cancel)
	return err
}

func TestRunDeadlineMidFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx := &cancelingIndex{MemoryIndex: store.NewMemoryIndex(), cancel: cancel}
	content := csvObject(
		"LV1,,2025-05-01T00:00:00Z,load,,,kW,1.0",
		"LV2,,2025-05-01T00:00:00Z,load,,,kW,2.0",
		"LV3,,2025-05-01T00:00:00Z,load,,,kW,3.0",
	)
	getter := &stubGetter{objects: map[string]string{goodKey: content}}
	// Single writer serializes the upserts so the cancellation point is
	// deterministic.
	o := New(getter, idx, Config{WriteConcurrency: 1, RetryBaseDelay: time.Millisecond})

	report, err := o.Run(ctx, Event{Bucket: "b", Key: goodKey})
	if err != nil {
		t.Fatalf("mid-file cancellation must still produce a report: %v", err)
	}

	if report.RowsSeen != 3 {
		t.Errorf("rows seen = %d, want 3", report.RowsSeen)
	}
	if report.RowsAccepted != 1 {
		t.Errorf("rows accepted = %d, want 1", report.RowsAccepted)
	}
	if report.RowsRejected != 2 {
		t.Errorf("rows rejected = %d, want 2", report.RowsRejected)
	}
	for _, s := range report.Samples {
		if s.Reason != reading.RejectTimeout {
			t.Errorf("row %d reason = %q, want timeout", s.Row, s.Reason)
		}
	}
	// The index stays valid: exactly the rows written before the cut.
	if idx.Len() != 1 {
		t.Errorf("index holds %d readings, want 1", idx.Len())
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.WriteConcurrency != 4 || cfg.MaxWriteAttempts != 3 || cfg.SampleLimit != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RetryBaseDelay != 50*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 50ms", cfg.RetryBaseDelay)
	}
}
