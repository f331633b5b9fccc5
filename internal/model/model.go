package model

import (
	"sort"
	"strings"
	"time"
)

// Interval is a half-open time range [Start, End). It represents either a
// busy block or a free gap. Values are never mutated after construction.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval returns [start, end). If end precedes start the interval is
// collapsed to zero length at start.
func NewInterval(start, end time.Time) Interval {
	if end.Before(start) {
		end = start
	}
	return Interval{Start: start, End: end}
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Empty reports whether the interval has zero length.
func (iv Interval) Empty() bool {
	return !iv.Start.Before(iv.End)
}

// Overlaps reports whether iv and o share any instant.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

// BusyEvent is a single concrete calendar occurrence as delivered by an event
// provider. Only Start/End take part in free-time computation; the other
// fields are carried through for display.
type BusyEvent struct {
	Title string `json:"title,omitempty"`

	// Start / End are in the reference timezone of the computation.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	AllDay bool `json:"all_day,omitempty"`

	CalendarID    string `json:"calendar_id,omitempty"`
	CalendarTitle string `json:"calendar_title,omitempty"`

	// Color is an opaque display hint (e.g. "#ff8800").
	Color string `json:"color,omitempty"`
}

// Interval returns the event's busy span.
func (e BusyEvent) Interval() Interval {
	return NewInterval(e.Start, e.End)
}

// Calendar describes one selectable calendar in the catalog.
type Calendar struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	SourceTitle string `json:"source_title"`
	Color       string `json:"color,omitempty"`
}

// SortCalendars orders calendars for display: grouped by SourceTitle, then by
// Title, both compared case-insensitively. The sort is stable.
func SortCalendars(cals []Calendar) {
	sort.SliceStable(cals, func(i, j int) bool {
		si := strings.ToLower(cals[i].SourceTitle)
		sj := strings.ToLower(cals[j].SourceTitle)
		if si != sj {
			return si < sj
		}
		return strings.ToLower(cals[i].Title) < strings.ToLower(cals[j].Title)
	})
}
