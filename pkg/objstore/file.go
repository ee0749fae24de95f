package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
)

// FileGetter serves one local file as the object body, whatever bucket
// and key are asked for. It backs dry runs so a full ingest can execute
// without object store credentials.
type FileGetter struct {
	path string
}

// NewFileGetter creates a getter over a local file.
func NewFileGetter(path string) *FileGetter {
	return &FileGetter{path: path}
}

// Stream opens the local file. Bucket and key only label errors; the
// key still decides partition parsing and gzip handling upstream.
func (g *FileGetter) Stream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(g.path)
	if err != nil {
		return nil, fmt.Errorf("open %s for s3://%s/%s: %w", g.path, bucket, key, err)
	}
	return f, nil
}
