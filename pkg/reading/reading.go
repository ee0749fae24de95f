// Package reading defines the substation load record schema and row validation.
//
// Raw load files are delimited text with a fixed header. Each data row is
// parsed and validated into a Reading, or rejected with a machine-readable
// reason. Validation is pure: no I/O, no logging, no shared state.
package reading

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Header is the exact column order required of raw load CSV files.
// A file whose header differs in name or order is not ingestible.
var Header = []string{
	"substation_number",
	"substation_name",
	"timestamp",
	"attribute_type",
	"feeder_id",
	"description",
	"units",
	"value",
}

// Column indices into Header.
const (
	colEntityID = iota
	colSubstationName
	colTimestamp
	colAttributeType
	colFeederID
	colDescription
	colUnits
	colValue
)

// Reading is one validated sensor measurement. EntityID and ObservedAt
// together form the natural key; re-ingesting the same logical row must
// produce an identical Reading.
type Reading struct {
	// EntityID identifies the physical asset (substation/feeder).
	EntityID string

	// SubstationName is the human-readable asset name. May be empty.
	SubstationName string

	// ObservedAt is the measurement instant, normalized to UTC.
	ObservedAt time.Time

	// AttributeType, FeederID, Description and Units are free-form
	// producer metadata. May be empty.
	AttributeType string
	FeederID      string
	Description   string
	Units         string

	// Value is the measured quantity. Always finite.
	Value float64
}

// SortKeyLayout is the index sort key encoding: RFC 3339 UTC with
// fixed-width nanoseconds. The fixed fraction keeps the string form
// lexicographically ordered and gives every accepted timestamp a
// distinct key, including sub-second ones.
const SortKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SortKey returns ObservedAt encoded with SortKeyLayout. The index
// relies on the lexicographic ordering for range queries.
func (r Reading) SortKey() string {
	return r.ObservedAt.UTC().Format(SortKeyLayout)
}

// RejectReason identifies why a row was not ingested.
type RejectReason string

// Reasons produced by the validator, in check order.
const (
	RejectFieldCount    RejectReason = "field_count_mismatch"
	RejectEmptyEntityID RejectReason = "empty_entity_id"
	RejectBadTimestamp  RejectReason = "bad_timestamp"
	RejectBadValue      RejectReason = "bad_value"
)

// Reasons assigned by the ingestion pipeline after validation.
const (
	RejectWriteFailed RejectReason = "write_failed"
	RejectTimeout     RejectReason = "timeout"
)

// RowError is a row-level rejection. It is a data-quality signal, not a
// pipeline failure: callers record it and continue with the next row.
type RowError struct {
	Reason RejectReason
	Detail string
}

// Error implements the error interface.
func (e *RowError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject builds a RowError with a formatted detail message.
func Reject(reason RejectReason, format string, args ...any) *RowError {
	return &RowError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the RejectReason from an error chain. Returns the
// empty reason when err carries no RowError.
func ReasonOf(err error) RejectReason {
	var re *RowError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ErrHeaderMismatch indicates a file whose header row does not match the
// declared schema. Fatal for the whole file.
var ErrHeaderMismatch = errors.New("header does not match load schema")

// ValidateHeader checks the header row against the declared schema.
// Column names and order must match exactly (surrounding whitespace is
// ignored, case is not). A mismatch aborts the whole object.
func ValidateHeader(fields []string) error {
	if len(fields) != len(Header) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrHeaderMismatch, len(fields), len(Header))
	}
	for i, want := range Header {
		if strings.TrimSpace(fields[i]) != want {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrHeaderMismatch, i+1, fields[i], want)
		}
	}
	return nil
}

// Timestamp layouts accepted from producers. Zone-less timestamps are
// interpreted as UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// ParseRow parses and validates one data row. Checks run in a fixed
// order and the first failure wins: field count, entity id, timestamp,
// value. On failure the returned error is a *RowError carrying the
// rejection reason.
func ParseRow(fields []string) (Reading, error) {
	if len(fields) != len(Header) {
		return Reading{}, Reject(RejectFieldCount, "got %d fields, want %d", len(fields), len(Header))
	}

	entityID := strings.TrimSpace(fields[colEntityID])
	if entityID == "" {
		return Reading{}, Reject(RejectEmptyEntityID, "substation_number is empty")
	}

	observedAt, err := ParseTimestamp(fields[colTimestamp])
	if err != nil {
		return Reading{}, Reject(RejectBadTimestamp, "timestamp %q: %v", fields[colTimestamp], err)
	}

	rawValue := strings.TrimSpace(fields[colValue])
	value, err := strconv.ParseFloat(rawValue, 64)
	if err != nil {
		return Reading{}, Reject(RejectBadValue, "value %q is not numeric", rawValue)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Reading{}, Reject(RejectBadValue, "value %q is not finite", rawValue)
	}

	return Reading{
		EntityID:       entityID,
		SubstationName: fields[colSubstationName],
		ObservedAt:     observedAt,
		AttributeType:  fields[colAttributeType],
		FeederID:       fields[colFeederID],
		Description:    fields[colDescription],
		Units:          fields[colUnits],
		Value:          value,
	}, nil
}
