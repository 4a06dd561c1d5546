// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Use Parse to create one from a
// string, then call Next to compute the next matching time.
type Schedule struct {
	minute     fieldSet
	hour       fieldSet
	dayOfMonth fieldSet
	month      fieldSet
	dayOfWeek  fieldSet
}

// fieldSet uses a uint64 as a compact set of integers 0-63, enough for
// every cron field.
type fieldSet uint64

func (f fieldSet) has(value int) bool { return f&(1<<uint(value)) != 0 }
func (f *fieldSet) add(value int)     { *f |= 1 << uint(value) }

// Parse parses a standard 5-field cron expression. Returns an error if
// the expression is malformed or contains out-of-range values.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	var schedule Schedule
	for _, part := range []struct {
		name     string
		dst      *fieldSet
		raw      string
		min, max int
	}{
		{"minute", &schedule.minute, fields[0], 0, 59},
		{"hour", &schedule.hour, fields[1], 0, 23},
		{"day-of-month", &schedule.dayOfMonth, fields[2], 1, 31},
		{"month", &schedule.month, fields[3], 1, 12},
		{"day-of-week", &schedule.dayOfWeek, fields[4], 0, 6},
	} {
		parsed, err := parseList(part.raw, part.min, part.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", part.name, err)
		}
		*part.dst = parsed
	}
	return schedule, nil
}

// Next returns the earliest time strictly after t that matches the
// schedule. All computation is in UTC.
//
// Returns an error if no matching time can be found within 4 years of
// t, which prevents infinite loops on impossible schedules like
// Feb 31.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	// Start from the next minute after t, with seconds/nanos zeroed.
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)

	// 4 years covers all leap year cycles.
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Day matching. Wildcard fields expand to full bitsets, so
		// checking both constraints gives the wildcard-AND behavior
		// without tracking which fields were wildcards.
		if !s.dayOfMonth.has(t.Day()) || !s.dayOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !s.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}

		if !s.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseList parses a comma-separated cron field into a bitset. Each
// entry is a wildcard, value, range, or stepped range/wildcard.
func parseList(field string, minimum, maximum int) (fieldSet, error) {
	var result fieldSet
	for _, entry := range strings.Split(field, ",") {
		bits, err := parseEntry(entry, minimum, maximum)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseEntry parses a single entry: *, */N, V, V-V, V-V/N.
func parseEntry(entry string, minimum, maximum int) (fieldSet, error) {
	spanText, stepText, hasStep := strings.Cut(entry, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepText)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", stepText, err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var spanStart, spanEnd int
	switch {
	case spanText == "*":
		spanStart, spanEnd = minimum, maximum
	case strings.ContainsRune(spanText, '-'):
		startText, endText, _ := strings.Cut(spanText, "-")
		var err error
		spanStart, err = strconv.Atoi(startText)
		if err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", startText, err)
		}
		spanEnd, err = strconv.Atoi(endText)
		if err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", endText, err)
		}
		if spanStart > spanEnd {
			return 0, fmt.Errorf("range start %d > end %d", spanStart, spanEnd)
		}
	default:
		value, err := strconv.Atoi(spanText)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", spanText, err)
		}
		spanStart, spanEnd = value, value
	}

	if spanStart < minimum || spanEnd > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, spanStart, spanEnd)
	}

	var result fieldSet
	for value := spanStart; value <= spanEnd; value += step {
		result.add(value)
	}
	return result, nil
}
