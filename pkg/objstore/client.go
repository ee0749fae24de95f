// Package objstore provides read-only access to the raw object store.
//
// The raw bucket is shared with the external SQL engine, which scans it
// in place. The pipeline only ever reads: it never deletes or rewrites
// raw objects.
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Getter fetches raw object content. The orchestrator depends on this
// interface rather than the S3 client so tests can substitute fixtures.
type Getter interface {
	// Stream returns the object body. The caller must close it.
	Stream(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Client provides S3 operations against the raw bucket.
type Client struct {
	s3Client *s3.Client
}

// NewClient creates an S3 client using default AWS configuration.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// NewClientWithConfig creates an S3 client from an existing AWS config.
func NewClientWithConfig(cfg aws.Config) *Client {
	return &Client{s3Client: s3.NewFromConfig(cfg)}
}

// Stream returns a reader over an S3 object body.
func (c *Client) Stream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	return resp.Body, nil
}
