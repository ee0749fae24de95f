// Package partition implements the raw-bucket partition path contract.
//
// Every ingestible object lives under
//
//	raw/<stage>/<dataset>/y=<YYYY>/m=<MM>/<object>
//
// The external SQL engine partitions purely by this path (the y= and m=
// segments are its partition columns), so the codec must round-trip
// exactly and the pipeline must never accept objects outside the layout.
package partition

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rootPrefix is the fixed first segment of every partition path.
const rootPrefix = "raw"

// ErrInvalidPath indicates an object key that does not match the
// partition layout. Fatal for the object: nothing under a malformed key
// is processed.
var ErrInvalidPath = errors.New("invalid partition path")

// Info is a decoded partition path.
type Info struct {
	// Stage is the environment segment (e.g. "prod", "staging").
	Stage string

	// Dataset names the data collection (e.g. "lv").
	Dataset string

	// Year and Month are the partition period. Year is 4-digit,
	// Month is 1..12.
	Year  int
	Month int

	// Object is the file name within the partition.
	Object string
}

// segmentOK reports whether s is usable as a single path segment.
func segmentOK(s string) bool {
	return s != "" && !strings.Contains(s, "/")
}

// Path encodes the Info into an object key. Year is rendered as 4
// digits and Month zero-padded to 2 so that Parse(Path()) round-trips
// exactly.
func (i Info) Path() (string, error) {
	if !segmentOK(i.Stage) {
		return "", fmt.Errorf("%w: bad stage %q", ErrInvalidPath, i.Stage)
	}
	if !segmentOK(i.Dataset) {
		return "", fmt.Errorf("%w: bad dataset %q", ErrInvalidPath, i.Dataset)
	}
	if i.Year < 1000 || i.Year > 9999 {
		return "", fmt.Errorf("%w: year %d out of range", ErrInvalidPath, i.Year)
	}
	if i.Month < 1 || i.Month > 12 {
		return "", fmt.Errorf("%w: month %d out of range", ErrInvalidPath, i.Month)
	}
	if !segmentOK(i.Object) {
		return "", fmt.Errorf("%w: bad object name %q", ErrInvalidPath, i.Object)
	}

	return fmt.Sprintf("%s/%s/%s/y=%04d/m=%02d/%s",
		rootPrefix, i.Stage, i.Dataset, i.Year, i.Month, i.Object), nil
}

// Derive encodes a partition path from its parts.
func Derive(stage, dataset string, year, month int, object string) (string, error) {
	return Info{Stage: stage, Dataset: dataset, Year: year, Month: month, Object: object}.Path()
}

// Parse decodes an object key into partition Info. Keys that do not
// match the layout return an error wrapping ErrInvalidPath.
func Parse(key string) (Info, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 6 {
		return Info{}, fmt.Errorf("%w: %q has %d segments, want 6", ErrInvalidPath, key, len(parts))
	}
	if parts[0] != rootPrefix {
		return Info{}, fmt.Errorf("%w: %q does not start with %q", ErrInvalidPath, key, rootPrefix+"/")
	}

	stage, dataset := parts[1], parts[2]
	if stage == "" || dataset == "" {
		return Info{}, fmt.Errorf("%w: %q has an empty stage or dataset segment", ErrInvalidPath, key)
	}

	year, err := parseTagged(parts[3], "y=", 4)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %q: %v", ErrInvalidPath, key, err)
	}
	month, err := parseTagged(parts[4], "m=", 2)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %q: %v", ErrInvalidPath, key, err)
	}
	if month < 1 || month > 12 {
		return Info{}, fmt.Errorf("%w: %q: month %02d out of range", ErrInvalidPath, key, month)
	}
	if year < 1000 {
		return Info{}, fmt.Errorf("%w: %q: year %04d out of range", ErrInvalidPath, key, year)
	}

	object := parts[5]
	if object == "" {
		return Info{}, fmt.Errorf("%w: %q has an empty object segment", ErrInvalidPath, key)
	}

	return Info{Stage: stage, Dataset: dataset, Year: year, Month: month, Object: object}, nil
}

// parseTagged parses a "<tag><digits>" segment with an exact digit count.
func parseTagged(segment, tag string, digits int) (int, error) {
	raw, found := strings.CutPrefix(segment, tag)
	if !found {
		return 0, fmt.Errorf("segment %q missing %q prefix", segment, tag)
	}
	if len(raw) != digits {
		return 0, fmt.Errorf("segment %q: want %d digits after %q", segment, digits, tag)
	}
	// Atoi alone would let a sign through ("m=+5" has two characters).
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("segment %q is not numeric", segment)
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("segment %q is not numeric", segment)
	}
	return n, nil
}

// objectDateRe matches a YYYY-MM date prefix in object file names, a
// convention some upstream producers follow.
var objectDateRe = regexp.MustCompile(`^(\d{4})-(\d{2})`)

// ObjectDateMatches compares a YYYY-MM prefix in the object file name
// against the path's partition period. ok is false when the name carries
// no date prefix. A mismatch is not an error: the SQL engine partitions
// by path alone, so callers only warn (a file uploaded to the wrong
// month stays queryable under that month).
func (i Info) ObjectDateMatches() (matches, ok bool) {
	m := objectDateRe.FindStringSubmatch(i.Object)
	if m == nil {
		return false, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	return year == i.Year && month == i.Month, true
}
