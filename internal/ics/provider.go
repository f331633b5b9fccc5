package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	appLog "freetime/internal/log"
	"freetime/internal/model"
)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Sources    []Source
	Location   *time.Location
	SkipAllDay bool
}

// Provider serves busy events and the calendar catalog from ICS
// subscriptions. It satisfies session.Provider.
type Provider struct {
	fetcher    *Fetcher
	sources    []Source
	loc        *time.Location
	skipAllDay bool
}

// NewProvider returns a Provider reading cfg.Sources through fetcher.
// Sources without an ID get one derived from their title or URL, and
// sources without a SourceTitle are grouped by URL host.
func NewProvider(fetcher *Fetcher, cfg ProviderConfig) *Provider {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	sources := make([]Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if src.URL == "" {
			continue
		}
		if src.ID == "" {
			if src.Title != "" {
				src.ID = src.Title
			} else {
				src.ID = src.URL
			}
		}
		if src.Title == "" {
			src.Title = src.ID
		}
		if src.SourceTitle == "" {
			src.SourceTitle = hostOf(src.URL)
		}
		sources = append(sources, src)
	}

	return &Provider{
		fetcher:    fetcher,
		sources:    sources,
		loc:        loc,
		skipAllDay: cfg.SkipAllDay,
	}
}

// ListCalendars returns the configured calendars in display order.
func (p *Provider) ListCalendars(_ context.Context) ([]model.Calendar, error) {
	cals := make([]model.Calendar, 0, len(p.sources))
	for _, src := range p.sources {
		cals = append(cals, model.Calendar{
			ID:          src.ID,
			Title:       src.Title,
			SourceTitle: src.SourceTitle,
			Color:       src.Color,
		})
	}
	model.SortCalendars(cals)
	return cals, nil
}

// FetchBusy returns the events overlapping window from the selected calendar,
// or from all calendars when calendarID is empty or unknown. A calendar fails
// when it cannot be fetched or its body does not parse. FetchBusy fails only
// when every selected calendar failed; partial failures are logged.
func (p *Provider) FetchBusy(ctx context.Context, window model.Interval, calendarID string) ([]model.BusyEvent, error) {
	sources := p.selectSources(calendarID)
	if len(sources) == 0 {
		return []model.BusyEvent{}, nil
	}

	results, errs := p.fetcher.FetchAll(ctx, sources)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed := make([]ParsedEvent, 0)
	ok := 0
	for _, res := range results {
		evs, err := ParseICS(res.Source, res.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: parse: %w", res.Source.ID, err))
			continue
		}
		ok++
		parsed = append(parsed, evs...)
	}
	if ok == 0 {
		return nil, errors.Join(errs...)
	}

	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		Location:   p.loc,
		RangeStart: window.Start,
		RangeEnd:   window.End,
		SkipAllDay: p.skipAllDay,
	})
	if err != nil {
		return nil, err
	}
	if len(expanded.TruncatedUIDs) > 0 {
		appLog.Info("ics provider: recurring events truncated at occurrence cap",
			"uids", strings.Join(expanded.TruncatedUIDs, ","))
	}

	events := expanded.Events
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	appLog.Debug("ics provider fetched",
		"calendar_id", calendarID,
		"sources", len(sources),
		"failed", len(errs),
		"event_count", len(events),
	)
	return events, nil
}

func (p *Provider) selectSources(calendarID string) []Source {
	if calendarID == "" {
		return p.sources
	}
	for _, src := range p.sources {
		if src.ID == calendarID {
			return []Source{src}
		}
	}
	appLog.Info("ics provider: unknown calendar filter; using all calendars", "calendar_id", calendarID)
	return p.sources
}
