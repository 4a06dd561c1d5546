// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package httprange parses the two byte-range header forms the
// uploader protocol uses: Content-Range on resumable chunk uploads
// ("bytes START-END/TOTAL" or "bytes START-END/*") and Range on
// partial downloads ("bytes=START-END").
//
// Only single, fully-specified ranges are supported. Open-ended and
// multi-part ranges are rejected: the chunk protocol always knows both
// ends of the span it is transferring.
package httprange

import (
	"fmt"
	"strconv"
	"strings"
)

// ContentRange is a parsed Content-Range header: the byte span being
// transferred and, when known, the total artifact size.
type ContentRange struct {
	Start uint64
	End   uint64

	// Total is the declared artifact size. Valid only when HasTotal
	// is true; a "/*" header leaves the total undeclared.
	Total    uint64
	HasTotal bool
}

// ParseContentRange parses "bytes START-END/TOTAL" where TOTAL may be
// "*". Whitespace beyond the single separating space is rejected.
func ParseContentRange(header string) (ContentRange, error) {
	unit, spec, found := strings.Cut(header, " ")
	if !found || unit != "bytes" {
		return ContentRange{}, fmt.Errorf("httprange: content-range %q: want \"bytes START-END/TOTAL\"", header)
	}

	span, totalText, found := strings.Cut(spec, "/")
	if !found {
		return ContentRange{}, fmt.Errorf("httprange: content-range %q: missing total", header)
	}

	start, end, err := parseSpan(span)
	if err != nil {
		return ContentRange{}, fmt.Errorf("httprange: content-range %q: %w", header, err)
	}

	result := ContentRange{Start: start, End: end}
	if totalText != "*" {
		total, err := strconv.ParseUint(totalText, 10, 64)
		if err != nil {
			return ContentRange{}, fmt.Errorf("httprange: content-range %q: invalid total: %w", header, err)
		}
		if end >= total {
			return ContentRange{}, fmt.Errorf("httprange: content-range %q: end %d outside total %d", header, end, total)
		}
		result.Total = total
		result.HasTotal = true
	}
	return result, nil
}

// String formats the header form: "bytes START-END/TOTAL" or
// "bytes START-END/*".
func (r ContentRange) String() string {
	total := "*"
	if r.HasTotal {
		total = strconv.FormatUint(r.Total, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.Start, r.End, total)
}

// Len returns the number of bytes the span covers.
func (r ContentRange) Len() uint64 { return r.End - r.Start + 1 }

// Range is a parsed Range request header: a single closed byte span.
type Range struct {
	Start uint64
	End   uint64
}

// ParseRange parses "bytes=START-END". Suffix ranges ("-N"), open
// ranges ("N-"), and multiple ranges are rejected.
func ParseRange(header string) (Range, error) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return Range{}, fmt.Errorf("httprange: range %q: want \"bytes=START-END\"", header)
	}
	start, end, err := parseSpan(spec)
	if err != nil {
		return Range{}, fmt.Errorf("httprange: range %q: %w", header, err)
	}
	return Range{Start: start, End: end}, nil
}

// Len returns the number of bytes the span covers.
func (r Range) Len() uint64 { return r.End - r.Start + 1 }

// parseSpan parses "START-END" with both bounds required and
// START <= END.
func parseSpan(span string) (start, end uint64, err error) {
	startText, endText, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, fmt.Errorf("missing dash in span %q", span)
	}
	start, err = strconv.ParseUint(startText, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid span start: %w", err)
	}
	end, err = strconv.ParseUint(endText, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid span end: %w", err)
	}
	if start > end {
		return 0, 0, fmt.Errorf("span start %d after end %d", start, end)
	}
	return start, end, nil
}
