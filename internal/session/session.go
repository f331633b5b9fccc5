// Package session holds the mutable state of one free-time analysis view and
// keeps its free slots consistent with the events it was handed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"freetime/internal/access"
	"freetime/internal/freetime"
	appLog "freetime/internal/log"
	"freetime/internal/model"
)

const (
	DefaultWorkStartHour = 9
	DefaultWorkEndHour   = 17

	defaultSimulatedTitle = "Simulated Event"
)

var (
	ErrClosed          = errors.New("session: closed")
	ErrInvalidAutoSync = errors.New("session: auto-sync minutes must not be negative")
)

// Provider is the event source capability injected by the host.
type Provider interface {
	// FetchBusy returns the events overlapping window. An empty calendarID
	// means all calendars.
	FetchBusy(ctx context.Context, window model.Interval, calendarID string) ([]model.BusyEvent, error)
	// ListCalendars returns the selectable calendars.
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
}

// ProviderError wraps a failure reported by the Provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Snapshot is a read-only copy of the session state for presentation.
type Snapshot struct {
	Date            time.Time `json:"date"`
	WorkStartHour   int       `json:"work_start_hour"`
	WorkEndHour     int       `json:"work_end_hour"`
	CalendarID      string    `json:"calendar_id"`
	AutoSyncMinutes int       `json:"auto_sync_minutes"`

	LastSync *time.Time `json:"last_sync,omitempty"`

	// Window is the span the free slots were computed against; nil when no
	// window is currently defined.
	Window    *model.Interval `json:"window,omitempty"`
	Simulated bool            `json:"simulated"`

	Events    []model.BusyEvent `json:"events"`
	FreeSlots []model.Interval  `json:"free_slots"`

	AccessStatus  access.Status `json:"access_status"`
	AccessGranted bool          `json:"access_granted"`
	AccessError   string        `json:"access_error,omitempty"`
	SyncError     string        `json:"sync_error,omitempty"`
}

// Session owns the state of a single analysis view. All mutation goes
// through its methods, which are safe for concurrent use.
type Session struct {
	provider  Provider
	perm      access.Requester
	scheduler Scheduler
	now       func() time.Time
	syncUnit  time.Duration

	// opMu serializes operations so a fetch and its recompute never
	// interleave with another operation.
	opMu sync.Mutex

	mu            sync.RWMutex
	date          time.Time
	startHour     int
	endHour       int
	calendarID    string
	autoSyncMin   int
	lastSync      *time.Time
	window        *model.Interval
	simulated     bool
	events        []model.BusyEvent
	freeSlots     []model.Interval
	accessStatus  access.Status
	accessMessage string
	syncError     string

	syncMu   sync.Mutex
	syncTask Task
	closed   bool

	hookMu    sync.Mutex
	onRefresh func()
}

// Option configures a Session.
type Option func(*Session)

// WithScheduler replaces the cron-backed auto-sync scheduler.
func WithScheduler(sch Scheduler) Option {
	return func(s *Session) { s.scheduler = sch }
}

// WithClock sets the time source used for LastSync and the default date.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSyncUnit sets the duration of one auto-sync "minute". Tests use it to
// shorten intervals.
func WithSyncUnit(d time.Duration) Option {
	return func(s *Session) { s.syncUnit = d }
}

// WithWorkHours sets the initial working window hours.
func WithWorkHours(startHour, endHour int) Option {
	return func(s *Session) {
		s.startHour = startHour
		s.endHour = endHour
	}
}

// WithCalendar sets the initial calendar filter.
func WithCalendar(id string) Option {
	return func(s *Session) { s.calendarID = id }
}

// WithDate sets the initial selected date.
func WithDate(date time.Time) Option {
	return func(s *Session) { s.date = date }
}

// New creates a session. Nothing is fetched until Refresh, SetWorkWindow or
// SetCalendarFilter is called.
func New(provider Provider, perm access.Requester, opts ...Option) *Session {
	s := &Session{
		provider:     provider,
		perm:         perm,
		now:          time.Now,
		syncUnit:     time.Minute,
		startHour:    DefaultWorkStartHour,
		endHour:      DefaultWorkEndHour,
		events:       []model.BusyEvent{},
		freeSlots:    []model.Interval{},
		accessStatus: access.StatusUnknown,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scheduler == nil {
		s.scheduler = NewCronScheduler()
	}
	if s.date.IsZero() {
		s.date = s.now()
	}
	return s
}

// Snapshot returns a copy of the current settled state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Date:            s.date,
		WorkStartHour:   s.startHour,
		WorkEndHour:     s.endHour,
		CalendarID:      s.calendarID,
		AutoSyncMinutes: s.autoSyncMin,
		Simulated:       s.simulated,
		Events:          append([]model.BusyEvent{}, s.events...),
		FreeSlots:       append([]model.Interval{}, s.freeSlots...),
		AccessStatus:    s.accessStatus,
		AccessGranted:   s.accessStatus == access.StatusGranted,
		AccessError:     s.accessMessage,
		SyncError:       s.syncError,
	}
	if s.lastSync != nil {
		ts := *s.lastSync
		snap.LastSync = &ts
	}
	if s.window != nil {
		w := *s.window
		snap.Window = &w
	}
	return snap
}

// SetWorkWindow selects a date and working hours. If they do not resolve to
// a valid window the free slots are cleared, events are kept, nothing is
// stored and freetime.ErrInvalidWindow is returned. Otherwise the free slots
// are recomputed for the new window and events are re-fetched.
func (s *Session) SetWorkWindow(ctx context.Context, date time.Time, startHour, endHour int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	w, err := freetime.WorkWindow(date, startHour, endHour)
	if err != nil {
		s.mu.Lock()
		s.window = nil
		s.simulated = false
		s.freeSlots = []model.Interval{}
		s.mu.Unlock()
		appLog.Debug("session: work window rejected", "date", date.Format(time.DateOnly), "start_hour", startHour, "end_hour", endHour)
		return err
	}

	s.mu.Lock()
	s.date = date
	s.startHour = startHour
	s.endHour = endHour
	if s.accessStatus == access.StatusGranted && !s.simulated {
		s.settleLocked(&w, s.events)
	}
	s.mu.Unlock()

	return s.refreshLocked(ctx)
}

// Settings is a batch of view setting changes. Nil fields are left as they
// are.
type Settings struct {
	Date       *time.Time
	StartHour  *int
	EndHour    *int
	CalendarID *string
}

// ApplySettings validates the resulting work window first and, if it is
// invalid, returns freetime.ErrInvalidWindow without changing anything.
// Otherwise all changes are stored together, the free slots are recomputed
// against the current events and events are re-fetched once.
func (s *Session) ApplySettings(ctx context.Context, st Settings) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	date, startHour, endHour := s.date, s.startHour, s.endHour
	s.mu.RUnlock()
	if st.Date != nil {
		date = *st.Date
	}
	if st.StartHour != nil {
		startHour = *st.StartHour
	}
	if st.EndHour != nil {
		endHour = *st.EndHour
	}

	w, err := freetime.WorkWindow(date, startHour, endHour)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.date = date
	s.startHour = startHour
	s.endHour = endHour
	if st.CalendarID != nil {
		s.calendarID = *st.CalendarID
	}
	if s.accessStatus == access.StatusGranted && !s.simulated {
		s.settleLocked(&w, s.events)
	}
	s.mu.Unlock()

	return s.refreshLocked(ctx)
}

// SetCalendarFilter restricts events to one calendar (empty = all) and
// re-fetches.
func (s *Session) SetCalendarFilter(ctx context.Context, calendarID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.calendarID = calendarID
	s.mu.Unlock()

	return s.refreshLocked(ctx)
}

// Refresh re-fetches events for the current window and filter and
// recomputes the free slots. On provider failure the previous events and
// free slots are kept and the error is recorded as SyncError.
func (s *Session) Refresh(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	date, startHour, endHour, calendarID := s.date, s.startHour, s.endHour, s.calendarID
	status := s.accessStatus
	s.mu.RUnlock()

	w, err := freetime.WorkWindow(date, startHour, endHour)
	if err != nil {
		s.mu.Lock()
		s.window = nil
		s.simulated = false
		s.freeSlots = []model.Interval{}
		s.mu.Unlock()
		return err
	}

	if status != access.StatusGranted {
		res := s.requestAccessLocked(ctx)
		if !res.Granted() {
			if err := ctx.Err(); err != nil {
				return err
			}
			return res.Status.Err()
		}
	}

	started := s.now()
	events, err := s.provider.FetchBusy(ctx, w, calendarID)
	if err != nil {
		perr := &ProviderError{Op: "fetch", Err: err}
		s.mu.Lock()
		s.syncError = perr.Error()
		s.mu.Unlock()
		appLog.Error("session: refresh failed; keeping previous events", err,
			"window_start", w.Start.Format(time.RFC3339),
			"window_end", w.End.Format(time.RFC3339),
			"calendar_id", calendarID,
		)
		return perr
	}

	sorted := append([]model.BusyEvent{}, events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	finished := s.now()
	s.mu.Lock()
	s.settleLocked(&w, sorted)
	s.lastSync = &finished
	s.syncError = ""
	free := len(s.freeSlots)
	s.mu.Unlock()

	appLog.Info("session: refreshed",
		"window_start", w.Start.Format(time.RFC3339),
		"window_end", w.End.Format(time.RFC3339),
		"calendar_id", calendarID,
		"event_count", len(sorted),
		"free_slot_count", free,
		"duration", finished.Sub(started),
	)

	s.hookMu.Lock()
	hook := s.onRefresh
	s.hookMu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// OnRefresh registers fn to run after every successful refresh, whether
// manual or from auto-sync. fn runs on the refreshing goroutine while the
// session's operation lock is held, so it must not block or call back into
// operations other than Snapshot. A nil fn removes the hook.
func (s *Session) OnRefresh(fn func()) {
	s.hookMu.Lock()
	s.onRefresh = fn
	s.hookMu.Unlock()
}

// Simulate replaces the events with one synthetic event covering iv and
// computes free time against iv itself. It is a preview: LastSync is not
// touched and the next refresh discards it.
func (s *Session) Simulate(iv model.Interval, label string) error {
	if iv.Empty() {
		return freetime.ErrInvalidWindow
	}
	if label == "" {
		label = defaultSimulatedTitle
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ev := model.BusyEvent{Title: label, Start: iv.Start, End: iv.End}

	s.mu.Lock()
	s.settleLocked(&iv, []model.BusyEvent{ev})
	s.simulated = true
	s.mu.Unlock()

	appLog.Debug("session: simulated event", "title", label, "start", iv.Start.Format(time.RFC3339), "end", iv.End.Format(time.RFC3339))
	return nil
}

// RequestAccess asks the permission capability for read access and records
// the outcome. A non-granted outcome clears events and free slots.
func (s *Session) RequestAccess(ctx context.Context) access.Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.requestAccessLocked(ctx)
}

func (s *Session) requestAccessLocked(ctx context.Context) access.Result {
	s.mu.Lock()
	if s.accessStatus == access.StatusUnknown {
		s.accessStatus = access.StatusPromptPending
	}
	s.mu.Unlock()

	res := s.perm.RequestAccess(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessStatus = res.Status
	s.accessMessage = res.Message
	if res.Granted() {
		s.accessMessage = ""
		return res
	}

	if s.accessMessage == "" {
		s.accessMessage = res.Status.Message()
	}
	s.settleLocked(nil, []model.BusyEvent{})
	appLog.Info("session: calendar access not granted", "status", res.Status, "message", s.accessMessage)
	return res
}

// Calendars lists the selectable calendars in display order. Without access
// the list is empty.
func (s *Session) Calendars(ctx context.Context) ([]model.Calendar, error) {
	s.mu.RLock()
	granted := s.accessStatus == access.StatusGranted
	s.mu.RUnlock()
	if !granted {
		return []model.Calendar{}, nil
	}

	cals, err := s.provider.ListCalendars(ctx)
	if err != nil {
		return nil, &ProviderError{Op: "list calendars", Err: err}
	}
	out := append([]model.Calendar{}, cals...)
	model.SortCalendars(out)
	return out, nil
}

// SetAutoSync schedules Refresh to run now and then every minutes. Zero
// disables auto-sync. Any previous schedule is cancelled first; once this
// returns no cycle of the old schedule will start.
func (s *Session) SetAutoSync(minutes int) error {
	if minutes < 0 {
		return ErrInvalidAutoSync
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.syncTask != nil {
		s.syncTask.Cancel()
		s.syncTask = nil
	}

	s.mu.Lock()
	s.autoSyncMin = minutes
	s.mu.Unlock()

	if minutes == 0 {
		appLog.Info("session: auto-sync disabled")
		return nil
	}

	interval := time.Duration(minutes) * s.syncUnit
	s.syncTask = s.scheduler.Schedule(interval, s.autoSyncCycle)
	appLog.Info("session: auto-sync enabled", "interval", interval)
	return nil
}

func (s *Session) autoSyncCycle(ctx context.Context) {
	err := s.Refresh(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case isAccessOutcome(err):
		// Not a failure: the snapshot carries the access message.
		appLog.Debug("session: auto-sync skipped without calendar access", "reason", err.Error())
	default:
		// Provider failures are already recorded; the schedule keeps running.
		appLog.Error("session: auto-sync cycle failed", err)
	}
}

// isAccessOutcome reports whether err is a non-granted access status rather
// than a sync failure.
func isAccessOutcome(err error) bool {
	return errors.Is(err, access.ErrDenied) ||
		errors.Is(err, access.ErrRestricted) ||
		errors.Is(err, access.ErrWriteOnly)
}

// Close cancels any auto-sync schedule. It is safe to call more than once.
func (s *Session) Close() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.syncTask != nil {
		s.syncTask.Cancel()
		s.syncTask = nil
	}
	s.closed = true
}

// settleLocked installs window and events and recomputes the free slots.
// A nil window yields no free slots. Caller holds mu.
func (s *Session) settleLocked(window *model.Interval, events []model.BusyEvent) {
	s.window = window
	s.simulated = false
	s.events = events
	if window == nil {
		s.freeSlots = []model.Interval{}
		return
	}
	s.freeSlots = freetime.Compute(*window, freetime.Busy(events))
}
