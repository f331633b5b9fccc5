package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "freetime/internal/log"
	"freetime/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are converted to. Nil means time.Local.
	Location *time.Location

	// RangeStart / RangeEnd bound the occurrences returned: only those
	// overlapping [RangeStart, RangeEnd) are kept.
	RangeStart time.Time
	RangeEnd   time.Time

	// SkipAllDay drops all-day occurrences.
	SkipAllDay bool

	// MaxOccurrencesPerEvent caps a single RRULE's expansion. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds expanded busy events.
type ExpandResult struct {
	Events []model.BusyEvent
	// TruncatedUIDs lists recurring events that hit the occurrence cap.
	TruncatedUIDs []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete busy events within the
// configured range. It applies RRULE, EXDATE and RECURRENCE-ID overrides and
// drops transparent and cancelled instances.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if !cfg.RangeStart.Before(cfg.RangeEnd) {
		return result, errors.New("expand: empty range")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides are keyed by calendar and UID; the same UID may appear in
	// two subscribed calendars.
	type key struct{ source, uid string }
	bases := make(map[key][]ParsedEvent)
	overrides := make(map[key][]ParsedEvent)
	order := make([]key, 0)

	for _, ev := range events {
		k := key{ev.Source.ID, ev.UID}
		if ev.IsOverride {
			overrides[k] = append(overrides[k], ev)
			continue
		}
		if _, seen := bases[k]; !seen {
			order = append(order, k)
		}
		bases[k] = append(bases[k], ev)
	}

	for k, ovs := range overrides {
		overrides[k] = latestOverrides(ovs)
	}

	out := make([]model.BusyEvent, 0)
	for _, k := range order {
		ov := overrides[k]
		for _, ev := range bases[k] {
			occ, hitCap := expandEvent(ev, ov, cfg)
			if hitCap {
				result.TruncatedUIDs = append(result.TruncatedUIDs, k.uid)
				appLog.Error("expand: occurrence cap reached", errors.New("max occurrences reached"),
					"uid", k.uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	// Overrides stand on their own: a moved instance counts where it now
	// is, whether or not its original slot falls in range.
	for _, k := range order {
		for _, o := range overrides[k] {
			if b, ok := makeBusy(o, o.Start, o.End, cfg); ok {
				out = append(out, b)
			}
		}
	}
	for k, ovs := range overrides {
		if _, hasBase := bases[k]; hasBase {
			continue
		}
		for _, o := range ovs {
			if b, ok := makeBusy(o, o.Start, o.End, cfg); ok {
				out = append(out, b)
			}
		}
	}

	result.Events = out
	return result, nil
}

// expandEvent returns the busy instances of one base event and whether the
// occurrence cap was hit. Instances replaced by an override are skipped.
func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.BusyEvent, bool) {
	if ev.RawRRule == "" {
		if hasOverride(overrides, ev.Start) {
			return nil, false
		}
		if b, ok := makeBusy(ev, ev.Start, ev.End, cfg); ok {
			return []model.BusyEvent{b}, false
		}
		return nil, false
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// An instance starting up to one duration before the range still
	// overlaps it.
	dur := ev.End.Sub(ev.Start)
	from := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	to := cfg.RangeEnd.In(ev.Start.Location())

	starts := set.Between(from, to, true)
	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.BusyEvent, 0, len(starts))
	for _, s := range starts {
		if hasOverride(overrides, s) {
			continue
		}
		end := s.Add(dur)
		if ev.AllDay {
			// Keep whole calendar days across DST shifts.
			days := int(dur.Round(24*time.Hour) / (24 * time.Hour))
			if days < 1 {
				days = 1
			}
			end = s.AddDate(0, 0, days)
		}
		if b, ok := makeBusy(ev, s, end, cfg); ok {
			out = append(out, b)
		}
	}
	return out, hitCap
}

func hasOverride(overrides []ParsedEvent, start time.Time) bool {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return true
		}
	}
	return false
}

// makeBusy converts one instance into a BusyEvent in cfg.Location. It
// reports false when the instance does not block time or falls outside the
// range.
func makeBusy(ev ParsedEvent, start, end time.Time, cfg ExpandConfig) (model.BusyEvent, bool) {
	if !ev.Blocks() || (ev.AllDay && cfg.SkipAllDay) {
		return model.BusyEvent{}, false
	}

	if ev.AllDay {
		// All-day dates are floating: anchor them to midnight in the
		// display zone rather than converting the instant.
		start = reanchorDate(start, cfg.Location)
		end = reanchorDate(end, cfg.Location)
	} else {
		start = start.In(cfg.Location)
		end = end.In(cfg.Location)
	}

	iv := model.NewInterval(start, end)
	rng := model.Interval{Start: cfg.RangeStart, End: cfg.RangeEnd}
	// Zero-length instances inside the range are kept for display.
	if !iv.Overlaps(rng) && (iv.Start.Before(rng.Start) || !iv.Start.Before(rng.End)) {
		return model.BusyEvent{}, false
	}

	return model.BusyEvent{
		Title:         ev.Summary,
		Start:         iv.Start,
		End:           iv.End,
		AllDay:        ev.AllDay,
		CalendarID:    ev.Source.ID,
		CalendarTitle: ev.Source.Title,
		Color:         ev.Source.Color,
	}, true
}

func reanchorDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// latestOverrides keeps one override per RECURRENCE-ID: the one with the
// highest SEQUENCE, or the later one in the feed on a tie.
func latestOverrides(ovs []ParsedEvent) []ParsedEvent {
	if len(ovs) < 2 {
		return ovs
	}
	out := make([]ParsedEvent, 0, len(ovs))
	idx := make(map[int64]int, len(ovs))
	for _, o := range ovs {
		var id int64
		if o.Recurrence != nil {
			id = o.Recurrence.UnixNano()
		}
		if i, seen := idx[id]; seen {
			if o.Seq >= out[i].Seq {
				out[i] = o
			}
			continue
		}
		idx[id] = len(out)
		out = append(out, o)
	}
	return out
}
