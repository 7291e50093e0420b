package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/archive"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// runExportCmd dumps the event log as JSON Lines. The snapshot can go
// to a local file ("-" for stdout), an S3-compatible bucket, a GCS
// bucket, or any combination.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		dbPath     = fs.String("db", "./data/watchkeeper.db", "path to the core's SQLite database")
		outPath    = fs.String("out", "", "output file; \"-\" writes to stdout")
		sinceSeq   = fs.Int64("since-seq", 0, "export only events after this sequence")
		eventType  = fs.String("event-type", "", "filter by event type")
		source     = fs.String("source", "", "filter by event source")
		s3Bucket   = fs.String("s3", "", "upload to this S3 bucket")
		s3Region   = fs.String("s3-region", "", "S3 region")
		s3Endpoint = fs.String("s3-endpoint", "", "S3 endpoint override, for MinIO or LocalStack")
		gcsBucket  = fs.String("gcs", "", "upload to this GCS bucket (needs a -tags gcp build)")
		keyPrefix  = fs.String("prefix", "", "object key prefix for uploads")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outPath == "" && *s3Bucket == "" && *gcsBucket == "" {
		fmt.Fprintln(stderr, "error: --out, --s3 or --gcs is required")
		fs.Usage()
		return 2
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	filter := store.EventFilter{
		SinceSeq:  *sinceSeq,
		EventType: *eventType,
		Source:    *source,
	}

	if *outPath != "" {
		var sum *archive.Summary
		if *outPath == "-" {
			sum, err = archive.Write(stdout, st, filter)
		} else {
			sum, err = archive.WriteFile(*outPath, st, filter)
		}
		if err != nil {
			fmt.Fprintf(stderr, "export: %v\n", err)
			return 1
		}
		if *outPath != "-" {
			fmt.Fprintf(stdout, "wrote %d events (seq %d..%d, %d bytes) to %s\n",
				sum.Events, sum.FirstSeq, sum.LastSeq, sum.Bytes, *outPath)
		}
	}

	if *s3Bucket != "" {
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:   *s3Bucket,
			Region:   *s3Region,
			Endpoint: *s3Endpoint,
		})
		if err != nil {
			fmt.Fprintf(stderr, "s3: %v\n", err)
			return 1
		}
		key, sum, err := archive.Upload(ctx, sink, st, filter, *keyPrefix)
		if err != nil {
			fmt.Fprintf(stderr, "s3 upload: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "uploaded %d events to s3://%s/%s\n", sum.Events, *s3Bucket, key)
	}

	if *gcsBucket != "" {
		sink, err := archive.NewGCSSink(ctx, *gcsBucket)
		if err != nil {
			fmt.Fprintf(stderr, "gcs: %v\n", err)
			return 1
		}
		defer sink.Close()
		key, sum, err := archive.Upload(ctx, sink, st, filter, *keyPrefix)
		if err != nil {
			fmt.Fprintf(stderr, "gcs upload: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "uploaded %d events to gs://%s/%s\n", sum.Events, *gcsBucket, key)
	}

	return 0
}
