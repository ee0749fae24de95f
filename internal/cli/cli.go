// Package cli implements the command-line interface for grid-ingest.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/dubegrid/grid-ingest/internal/config"
	"github.com/dubegrid/grid-ingest/internal/logctx"
	"github.com/dubegrid/grid-ingest/pkg/humanfmt"
	"github.com/dubegrid/grid-ingest/pkg/ingest"
	"github.com/dubegrid/grid-ingest/pkg/objstore"
	"github.com/dubegrid/grid-ingest/pkg/reading"
	"github.com/dubegrid/grid-ingest/pkg/store"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: grid-ingest <command> [options]\ncommands: ingest, query, latest")
	}

	switch args[0] {
	case "ingest":
		return runIngest(args[1:])
	case "query":
		return runQuery(args[1:])
	case "latest":
		return runLatest(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	bucket := fs.String("bucket", "", "raw bucket holding the object")
	key := fs.String("key", "", "object key (partition path)")
	table := fs.String("table", "", "readings index table (default from GRID_TABLE)")
	memory := fs.Bool("memory", false, "dry run against an in-memory index")
	file := fs.String("file", "", "read the object from a local file instead of S3")
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human", false, "human-friendly log output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bucket == "" {
		return errors.New("--bucket is required")
	}
	if *key == "" {
		return errors.New("--key is required")
	}

	cfg := config.FromEnv()
	if *table != "" {
		cfg.Table = *table
	}

	logger := logctx.NewConfiguredLogger(cfg.LogDebug || *debug, cfg.LogHuman || *human)
	ctx := logctx.WithLogger(context.Background(), logger)

	// --memory together with --file needs no AWS credentials at all.
	var getter objstore.Getter
	var index store.Index
	if !*memory || *file == "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		getter = objstore.NewClientWithConfig(awsCfg)
		index = store.NewDynamoIndexFromConfig(awsCfg, cfg.Table)
	}
	if *memory {
		index = store.NewMemoryIndex()
	}
	if *file != "" {
		getter = objstore.NewFileGetter(*file)
	}

	o := ingest.New(getter, index, ingest.Config{
		WriteConcurrency: cfg.WriteConcurrency,
		MaxWriteAttempts: cfg.MaxWriteAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		SampleLimit:      cfg.SampleLimit,
		AllowedStages:    cfg.AllowedStages,
	})

	report, err := o.Run(ctx, ingest.Event{Bucket: *bucket, Key: *key})
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s rows seen, %s accepted, %s rejected in %s\n",
		report.SourceObject(),
		humanfmt.Count(int64(report.RowsSeen)),
		humanfmt.Count(int64(report.RowsAccepted)),
		humanfmt.Count(int64(report.RowsRejected)),
		humanfmt.Duration(report.Duration))
	for _, s := range report.Samples {
		fmt.Printf("  row %d: %s (%s)\n", s.Row, s.Reason, s.Detail)
	}
	return nil
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	entity := fs.String("entity", "", "entity id (substation number)")
	fromArg := fs.String("from", "", "range start, ISO-8601")
	toArg := fs.String("to", "", "range end, ISO-8601")
	table := fs.String("table", "", "readings index table (default from GRID_TABLE)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *entity == "" {
		return errors.New("--entity is required")
	}
	if *fromArg == "" || *toArg == "" {
		return errors.New("--from and --to are required")
	}

	from, err := reading.ParseTimestamp(*fromArg)
	if err != nil {
		return fmt.Errorf("parse --from: %w", err)
	}
	to, err := reading.ParseTimestamp(*toArg)
	if err != nil {
		return fmt.Errorf("parse --to: %w", err)
	}

	ctx := context.Background()
	index, err := dynamoIndex(ctx, *table)
	if err != nil {
		return err
	}

	readings, err := index.QueryRange(ctx, *entity, from, to)
	if err != nil {
		return err
	}
	for _, r := range readings {
		printReading(r)
	}
	fmt.Printf("%s readings\n", humanfmt.Count(int64(len(readings))))
	return nil
}

func runLatest(args []string) error {
	fs := flag.NewFlagSet("latest", flag.ContinueOnError)
	entity := fs.String("entity", "", "entity id (substation number)")
	table := fs.String("table", "", "readings index table (default from GRID_TABLE)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *entity == "" {
		return errors.New("--entity is required")
	}

	ctx := context.Background()
	index, err := dynamoIndex(ctx, *table)
	if err != nil {
		return err
	}

	r, err := index.Latest(ctx, *entity)
	if err != nil {
		return err
	}
	printReading(r)
	return nil
}

func dynamoIndex(ctx context.Context, table string) (*store.DynamoIndex, error) {
	cfg := config.FromEnv()
	if table != "" {
		cfg.Table = table
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return store.NewDynamoIndexFromConfig(awsCfg, cfg.Table), nil
}

func printReading(r reading.Reading) {
	fmt.Printf("%s  %s  %g %s\n",
		r.EntityID,
		r.ObservedAt.UTC().Format(time.RFC3339),
		r.Value,
		r.Units)
}
