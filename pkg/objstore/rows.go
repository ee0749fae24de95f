package objstore

import (
	"compress/gzip"
	"encoding/csv"
	"io"
	"strings"
)

// Rows reads delimited rows from an object body, handling gzip
// transparently based on the object key extension.
type Rows struct {
	csvReader *csv.Reader
	closers   []io.Closer
}

// OpenRows wraps an object body in a CSV row reader. Gzip decompression
// is applied when the key ends in ".gz". On error the body is closed.
func OpenRows(body io.ReadCloser, key string) (*Rows, error) {
	var reader io.Reader = body
	closers := []io.Closer{body}

	if strings.HasSuffix(strings.ToLower(key), ".gz") {
		gzr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, err
		}
		closers = append(closers, gzr)
		reader = gzr
	}

	csvr := csv.NewReader(reader)
	csvr.ReuseRecord = true
	// Field counts vary on malformed rows; the validator owns that check.
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true

	return &Rows{csvReader: csvr, closers: closers}, nil
}

// Next returns the next row's fields. Returns io.EOF when exhausted.
// The returned slice is only valid until the next call.
func (r *Rows) Next() ([]string, error) {
	return r.csvReader.Read()
}

// Close releases resources. Closers unwind in reverse order so the gzip
// reader closes before the underlying stream.
func (r *Rows) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
