// Command grid-ingest-lambda runs the ingestion pipeline inside AWS Lambda.
//
// The function is triggered by S3 object-created notifications on the
// raw bucket. Each notification record becomes one orchestrator run.
// Fatal-for-object errors fail the invocation so the host's retry and
// alerting policy applies; row rejections are reported but never fail
// the invocation. Event delivery is at-least-once, which is safe here:
// reprocessing an object only repeats idempotent upserts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/dubegrid/grid-ingest/internal/config"
	"github.com/dubegrid/grid-ingest/internal/logctx"
	"github.com/dubegrid/grid-ingest/pkg/humanfmt"
	"github.com/dubegrid/grid-ingest/pkg/ingest"
	"github.com/dubegrid/grid-ingest/pkg/objstore"
	"github.com/dubegrid/grid-ingest/pkg/store"
)

type handler struct {
	orchestrator *ingest.Orchestrator
	logger       zerolog.Logger
}

func newHandler(ctx context.Context) (*handler, error) {
	cfg := config.FromEnv()
	logger := logctx.NewConfiguredLogger(cfg.LogDebug, cfg.LogHuman)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	orchestrator := ingest.New(
		objstore.NewClientWithConfig(awsCfg),
		store.NewDynamoIndexFromConfig(awsCfg, cfg.Table),
		ingest.Config{
			WriteConcurrency: cfg.WriteConcurrency,
			MaxWriteAttempts: cfg.MaxWriteAttempts,
			RetryBaseDelay:   cfg.RetryBaseDelay,
			SampleLimit:      cfg.SampleLimit,
			AllowedStages:    cfg.AllowedStages,
		},
	)

	return &handler{orchestrator: orchestrator, logger: logger}, nil
}

// handle processes one S3 notification batch. Records are independent
// objects: a fatal record does not stop the others, but its error is
// returned so the host redelivers (reprocessing already-ingested
// records is a no-op).
func (h *handler) handle(ctx context.Context, ev events.S3Event) error {
	ctx = logctx.WithLogger(ctx, h.logger)

	var firstErr error
	for _, rec := range ev.Records {
		h.logger.Info().
			Str("bucket", rec.S3.Bucket.Name).
			Str("key", rec.S3.Object.Key).
			Str("size", humanfmt.Bytes(rec.S3.Object.Size)).
			Msg("object created")

		_, err := h.orchestrator.Run(ctx, ingest.Event{
			Bucket: rec.S3.Bucket.Name,
			Key:    rec.S3.Object.Key,
		})
		if err != nil {
			h.logger.Error().Err(err).
				Str("bucket", rec.S3.Bucket.Name).
				Str("key", rec.S3.Object.Key).
				Msg("object not ingested")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func main() {
	h, err := newHandler(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	lambda.Start(h.handle)
}
