// Package ingest implements the event-triggered ingestion pipeline.
//
// One run handles one object-created event: validate the object's
// partition path, stream its rows through the validator, upsert accepted
// readings into the index, and report per-row outcomes. Runs are
// stateless and may execute in parallel for distinct objects; idempotent
// upserts make redelivered events safe to reprocess.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dubegrid/grid-ingest/internal/logctx"
	"github.com/dubegrid/grid-ingest/pkg/objstore"
	"github.com/dubegrid/grid-ingest/pkg/partition"
	"github.com/dubegrid/grid-ingest/pkg/reading"
	"github.com/dubegrid/grid-ingest/pkg/store"
)

// ErrStageNotAllowed indicates an object in a stage the pipeline is not
// configured to ingest. Fatal for the object.
var ErrStageNotAllowed = errors.New("stage not allowed")

// Config tunes one orchestrator. Zero values take defaults.
type Config struct {
	// WriteConcurrency bounds parallel index writes per run. Default 4.
	// Row write order is irrelevant: every row targets a distinct key.
	WriteConcurrency int

	// MaxWriteAttempts bounds retries of transient write failures
	// before the row is demoted to a write_failed rejection. Default 3.
	MaxWriteAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per
	// attempt. Default 50ms.
	RetryBaseDelay time.Duration

	// SampleLimit caps the rejection samples kept in the report
	// (counts stay exact beyond it). Default 10.
	SampleLimit int

	// AllowedStages, when non-empty, restricts ingestion to objects in
	// the listed partition stages.
	AllowedStages []string
}

func (c Config) withDefaults() Config {
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 4
	}
	if c.MaxWriteAttempts <= 0 {
		c.MaxWriteAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.SampleLimit <= 0 {
		c.SampleLimit = 10
	}
	return c
}

// Orchestrator runs the ingestion pipeline. Stateless across runs.
type Orchestrator struct {
	objects objstore.Getter
	index   store.Index
	cfg     Config
}

// New creates an orchestrator over an object getter and an index.
func New(objects objstore.Getter, index store.Index, cfg Config) *Orchestrator {
	return &Orchestrator{objects: objects, index: index, cfg: cfg.withDefaults()}
}

// Run processes one object-created event.
//
// Fatal-for-object conditions (unreadable object, invalid partition
// path, header mismatch) return an error and touch nothing; the host's
// redelivery policy governs retries. Row-level problems never fail the
// run: bad rows are rejected and counted, transient write failures are
// retried then demoted, and an exceeded deadline rejects the remaining
// rows as timeouts while still producing the partial report.
func (o *Orchestrator) Run(ctx context.Context, ev Event) (Report, error) {
	start := time.Now()

	key, err := url.QueryUnescape(ev.Key)
	if err != nil {
		return Report{}, fmt.Errorf("%w: key %q is not decodable: %v", partition.ErrInvalidPath, ev.Key, err)
	}

	info, err := partition.Parse(key)
	if err != nil {
		return Report{}, fmt.Errorf("object s3://%s/%s: %w", ev.Bucket, key, err)
	}
	if len(o.cfg.AllowedStages) > 0 && !slices.Contains(o.cfg.AllowedStages, info.Stage) {
		return Report{}, fmt.Errorf("object s3://%s/%s: %w: %q", ev.Bucket, key, ErrStageNotAllowed, info.Stage)
	}

	ctx = logctx.WithStr(ctx, "bucket", ev.Bucket)
	ctx = logctx.WithStr(ctx, "key", key)
	logger := logctx.FromContext(ctx)

	if matches, ok := info.ObjectDateMatches(); ok && !matches {
		// Partition-by-path wins; the SQL engine will serve this file
		// under the path's period regardless of the filename date.
		logger.Warn().
			Str("object", info.Object).
			Int("path_year", info.Year).
			Int("path_month", info.Month).
			Msg("object filename date disagrees with partition path")
	}

	body, err := o.objects.Stream(ctx, ev.Bucket, key)
	if err != nil {
		return Report{}, fmt.Errorf("fetch s3://%s/%s: %w", ev.Bucket, key, err)
	}
	rows, err := objstore.OpenRows(body, key)
	if err != nil {
		return Report{}, fmt.Errorf("open s3://%s/%s: %w", ev.Bucket, key, err)
	}
	defer rows.Close()

	header, err := rows.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Report{}, fmt.Errorf("object s3://%s/%s: %w: object is empty", ev.Bucket, key, reading.ErrHeaderMismatch)
		}
		return Report{}, fmt.Errorf("read header of s3://%s/%s: %w", ev.Bucket, key, err)
	}
	if err := reading.ValidateHeader(header); err != nil {
		return Report{}, fmt.Errorf("object s3://%s/%s: %w", ev.Bucket, key, err)
	}

	report := Report{Bucket: ev.Bucket, Key: key, Partition: info}
	counts := newTally(o.cfg.SampleLimit)

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.WriteConcurrency)

	timedOut := false
	rowNum := 0
	var readErr error

	for {
		fields, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// Malformed row, salvage the rest of the file.
			rowNum++
			counts.see()
			counts.reject(rowNum, reading.RejectFieldCount, parseErr.Error())
			continue
		}
		if err != nil {
			// I/O failure mid-stream: the object is unreadable past
			// this point. Surface as a failed invocation.
			readErr = fmt.Errorf("read s3://%s/%s: %w", ev.Bucket, key, err)
			break
		}

		rowNum++
		counts.see()

		if !timedOut && ctx.Err() != nil {
			timedOut = true
		}
		if timedOut {
			counts.reject(rowNum, reading.RejectTimeout, "invocation deadline exceeded")
			continue
		}

		r, rowErr := reading.ParseRow(fields)
		if rowErr != nil {
			counts.reject(rowNum, reading.ReasonOf(rowErr), rowErr.Error())
			continue
		}

		row := rowNum
		g.Go(func() error {
			o.writeRow(ctx, r, row, counts)
			return nil
		})
	}

	_ = g.Wait() // workers report through counts, never an error

	counts.fill(&report)
	report.Duration = time.Since(start)

	o.emit(logger, report)

	if readErr != nil {
		return report, readErr
	}
	return report, nil
}

// writeRow upserts one reading, retrying transient failures with
// exponential backoff. Exhausted or fatal writes demote the row to a
// rejection; the run itself keeps going.
func (o *Orchestrator) writeRow(ctx context.Context, r reading.Reading, row int, counts *tally) {
	err := o.upsertWithRetry(ctx, r)
	if err == nil {
		counts.accept()
		return
	}

	reason := reading.RejectWriteFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		reason = reading.RejectTimeout
	}
	counts.reject(row, reason, err.Error())
}

func (o *Orchestrator) upsertWithRetry(ctx context.Context, r reading.Reading) error {
	delay := o.cfg.RetryBaseDelay

	var err error
	for attempt := 1; attempt <= o.cfg.MaxWriteAttempts; attempt++ {
		err = o.index.Upsert(ctx, r)
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			return err
		}
		if attempt == o.cfg.MaxWriteAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// emit logs the report. This is the run's only externally observable
// output besides the index mutations.
func (o *Orchestrator) emit(logger zerolog.Logger, report Report) {
	level := zerolog.InfoLevel
	if report.RowsRejected > 0 {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).
		Str("source_object", report.SourceObject()).
		Str("dataset", report.Partition.Dataset).
		Int("rows_seen", report.RowsSeen).
		Int("rows_accepted", report.RowsAccepted).
		Int("rows_rejected", report.RowsRejected).
		Dur("duration", report.Duration).
		Msg("ingestion report")

	for _, s := range report.Samples {
		logger.Debug().
			Int("row", s.Row).
			Str("reason", string(s.Reason)).
			Str("detail", s.Detail).
			Msg("rejected row")
	}
}
