// Package store provides the readings index.
//
// The index is an externally-owned key-value service keyed by
// (entity_id, observed_at). The core touches it through the narrow Index
// interface: unconditional overwrite-by-key writes plus two read
// operations. Single-key atomicity is the only consistency assumption;
// read-your-own-writes across replicas is an external property of the
// chosen backend, not something this package enforces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/dubegrid/grid-ingest/pkg/reading"
)

// Index is the consumer-facing surface of the readings index.
type Index interface {
	// Upsert writes one reading, unconditionally overwriting any
	// existing item with the same (entity_id, observed_at) key.
	// Writing the identical reading twice leaves the index in the
	// same observable state as writing it once.
	Upsert(ctx context.Context, r reading.Reading) error

	// QueryRange returns readings for an entity with
	// from <= observed_at <= to, ordered by observed_at ascending.
	// No matches is an empty slice, not an error.
	QueryRange(ctx context.Context, entityID string, from, to time.Time) ([]reading.Reading, error)

	// Latest returns the most recent reading for an entity, or
	// ErrNotFound when the entity has none.
	Latest(ctx context.Context, entityID string) (reading.Reading, error)
}

// ErrNotFound indicates an entity with no readings in the index.
var ErrNotFound = errors.New("entity has no readings")

// ErrTransient marks a write failure as retryable. Backends and test
// doubles wrap it so IsTransient recognizes their errors without
// backend-specific checks.
var ErrTransient = errors.New("transient index error")

// throttleCodes are API error codes classified as transient. Covers the
// throttling and availability failures DynamoDB surfaces under load.
var throttleCodes = map[string]bool{
	"ThrottlingException":            true,
	"Throttling":                     true,
	"ThrottledException":             true,
	"RequestLimitExceeded":           true,
	"TooManyRequestsException":       true,
	"ServiceUnavailable":             true,
	"ServiceUnavailableException":    true,
	"InternalServerError":            true,
	"LimitExceededException":         true,
	"ProvisionedThroughputExceeded":  true,
	"RequestThrottled":               true,
	"RequestThrottledException":      true,
	"SlowDown":                       true,
	"PriorRequestNotComplete":        true,
	"EC2ThrottledException":          true,
	"TransactionInProgressException": true,
}

// IsTransient reports whether a write error is capacity/throttling-class
// and therefore worth retrying within the same invocation. Everything
// else (malformed key, validation, access denied) is fatal for that row.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ptee *types.ProvisionedThroughputExceededException
	if errors.As(err, &ptee) {
		return true
	}
	var rle *types.RequestLimitExceeded
	if errors.As(err, &rle) {
		return true
	}
	var ise *types.InternalServerError
	if errors.As(err, &ise) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttleCodes[apiErr.ErrorCode()]
	}
	return false
}

// sortKey formats a timestamp as the index sort key. It must agree with
// reading.SortKey so that range bounds compare against stored keys.
func sortKey(t time.Time) string {
	return t.UTC().Format(reading.SortKeyLayout)
}
