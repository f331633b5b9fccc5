// Package freetime derives unscheduled gaps inside a working window from a
// set of busy intervals.
package freetime

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"freetime/internal/model"
)

// ErrInvalidWindow is returned when a date and hour pair cannot be resolved
// into a non-empty working window.
var ErrInvalidWindow = errors.New("freetime: invalid work window")

const (
	MinStartHour = 0
	MaxStartHour = 23
	MinEndHour   = 1
	MaxEndHour   = 24
)

// WorkWindow resolves [startHour:00, endHour:00) on the calendar day of date,
// in date's location. endHour 24 means midnight at the end of that day.
//
// Hours outside 0-23 (start) or 1-24 (end), or a window whose resolved start
// is not before its end, yield ErrInvalidWindow.
func WorkWindow(date time.Time, startHour, endHour int) (model.Interval, error) {
	if startHour < MinStartHour || startHour > MaxStartHour {
		return model.Interval{}, fmt.Errorf("%w: start hour %d out of range", ErrInvalidWindow, startHour)
	}
	if endHour < MinEndHour || endHour > MaxEndHour {
		return model.Interval{}, fmt.Errorf("%w: end hour %d out of range", ErrInvalidWindow, endHour)
	}

	y, m, d := date.Date()
	loc := date.Location()

	// time.Date normalizes hour 24 to 00:00 of the following day and
	// resolves DST gaps, so clock order is checked on the resolved instants.
	start := time.Date(y, m, d, startHour, 0, 0, 0, loc)
	end := time.Date(y, m, d, endHour, 0, 0, 0, loc)
	if !start.Before(end) {
		return model.Interval{}, fmt.Errorf("%w: %02d:00-%02d:00", ErrInvalidWindow, startHour, endHour)
	}

	return model.Interval{Start: start, End: end}, nil
}

// Compute returns the free gaps of window not covered by busy.
//
// Busy intervals may be unsorted and overlapping; they are clamped to the
// window first, so intervals that begin before or end after the window
// behave as if cut at its boundary and intervals entirely outside are
// ignored. The result is sorted, pairwise disjoint, and together with the
// clamped busy set covers the window exactly. busy is not modified.
func Compute(window model.Interval, busy []model.Interval) []model.Interval {
	free := make([]model.Interval, 0)
	if window.Empty() {
		return free
	}

	sorted := Clamp(window, busy)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	cursor := window.Start
	for _, iv := range sorted {
		if iv.Start.After(cursor) {
			free = append(free, model.Interval{Start: cursor, End: iv.Start})
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if cursor.Before(window.End) {
		free = append(free, model.Interval{Start: cursor, End: window.End})
	}

	return free
}

// Clamp returns a new slice holding each busy interval intersected with
// window. Intervals that do not overlap the window, and zero-length ones,
// are dropped. Input order is preserved.
func Clamp(window model.Interval, busy []model.Interval) []model.Interval {
	out := make([]model.Interval, 0, len(busy))
	for _, iv := range busy {
		if !iv.Overlaps(window) {
			continue
		}
		start, end := iv.Start, iv.End
		if start.Before(window.Start) {
			start = window.Start
		}
		if end.After(window.End) {
			end = window.End
		}
		if !start.Before(end) {
			continue
		}
		out = append(out, model.Interval{Start: start, End: end})
	}
	return out
}

// Busy projects events onto their busy intervals.
func Busy(events []model.BusyEvent) []model.Interval {
	out := make([]model.Interval, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Interval())
	}
	return out
}

// TotalDuration sums the lengths of intervals.
func TotalDuration(intervals []model.Interval) time.Duration {
	var total time.Duration
	for _, iv := range intervals {
		total += iv.Duration()
	}
	return total
}
