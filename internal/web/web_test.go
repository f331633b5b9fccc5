package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"freetime/internal/access"
	"freetime/internal/capture"
	"freetime/internal/config"
	"freetime/internal/model"
	"freetime/internal/session"
)

var day = time.Date(2025, 10, 28, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time {
	return day.Add(time.Duration(h) * time.Hour)
}

type stubProvider struct {
	events []model.BusyEvent
	err    error
	calls  atomic.Int32
}

func (p *stubProvider) FetchBusy(_ context.Context, _ model.Interval, _ string) ([]model.BusyEvent, error) {
	p.calls.Add(1)
	return p.events, p.err
}

func (p *stubProvider) ListCalendars(_ context.Context) ([]model.Calendar, error) {
	return []model.Calendar{
		{ID: "b", Title: "Work", SourceTitle: "Google"},
		{ID: "a", Title: "Home", SourceTitle: "google"},
	}, nil
}

type noopScheduler struct{}

type noopTask struct{}

func (noopScheduler) Schedule(time.Duration, func(context.Context)) session.Task { return noopTask{} }
func (noopTask) Cancel()                                                           {}

func newTestServer(t *testing.T, p *stubProvider, status access.Status, cfg *config.Config, configPath string) *Server {
	t.Helper()
	sess := session.New(p, access.NewStatic(status),
		session.WithDate(day),
		session.WithWorkHours(8, 17),
		session.WithScheduler(noopScheduler{}),
		session.WithClock(func() time.Time { return at(12) }),
	)
	t.Cleanup(sess.Close)
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, sess, Options{ConfigPath: configPath, Location: time.UTC})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, nil, "")
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRefreshAndFreeTime(t *testing.T) {
	p := &stubProvider{events: []model.BusyEvent{{Title: "Sync", Start: at(9), End: at(11)}}}
	s := newTestServer(t, p, access.StatusGranted, nil, "")
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/freetime", "")
	got := decode[freeTimeResponse](t, rec)
	if len(got.FreeSlots) != 2 || got.TotalMinutes != 7*60 {
		t.Fatalf("unexpected free time %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/events", "")
	ev := decode[eventsResponse](t, rec)
	if len(ev.Events) != 1 || len(ev.Busy) != 1 {
		t.Fatalf("unexpected events %+v", ev)
	}
}

func TestRefreshProviderFailure(t *testing.T) {
	p := &stubProvider{err: errors.New("upstream down")}
	s := newTestServer(t, p, access.StatusGranted, nil, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	snap := decode[session.Snapshot](t, do(t, s.Handler(), http.MethodGet, "/api/session", ""))
	if snap.SyncError == "" {
		t.Fatal("sync error not exposed in snapshot")
	}
}

func TestRefreshAccessDenied(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, access.StatusDenied, nil, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	snap := decode[session.Snapshot](t, do(t, s.Handler(), http.MethodGet, "/api/session", ""))
	if snap.AccessGranted || snap.AccessError == "" || len(snap.FreeSlots) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSettingsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, cfg, path)

	body := `{"date":"2025-10-29","work_start_hour":10,"work_end_hour":16,"calendar_id":"a","auto_sync_minutes":5}`
	rec := do(t, s.Handler(), http.MethodPost, "/api/settings", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("settings status %d: %s", rec.Code, rec.Body.String())
	}

	snap := decode[session.Snapshot](t, rec)
	if snap.WorkStartHour != 10 || snap.WorkEndHour != 16 || snap.CalendarID != "a" || snap.AutoSyncMinutes != 5 {
		t.Fatalf("settings not applied: %+v", snap)
	}
	if snap.Window == nil || snap.Window.Start.Day() != 29 {
		t.Fatalf("date not applied: %+v", snap.Window)
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.WorkStartHour != 10 || saved.WorkEndHour != 16 || saved.Calendar != "a" || saved.AutoSyncMinutes != 5 {
		t.Fatalf("settings not persisted: %+v", saved)
	}
}

func TestSettingsInvalidWindow(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, nil, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/settings", `{"work_start_hour":18,"work_end_hour":9}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = do(t, s.Handler(), http.MethodPost, "/api/settings", `{"bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestSimulate(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, nil, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/simulate", `{"start_hour":13,"end_hour":15,"label":"Dentist"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate status %d: %s", rec.Code, rec.Body.String())
	}
	snap := decode[session.Snapshot](t, rec)
	if !snap.Simulated || len(snap.Events) != 1 || snap.Events[0].Title != "Dentist" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rec = do(t, s.Handler(), http.MethodPost, "/api/simulate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCalendarsAndAccess(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, nil, "")
	h := s.Handler()

	res := decode[access.Result](t, do(t, h, http.MethodPost, "/api/access", ""))
	if !res.Granted() {
		t.Fatalf("expected grant, got %+v", res)
	}

	got := decode[struct {
		Calendars []model.Calendar `json:"calendars"`
	}](t, do(t, h, http.MethodGet, "/api/calendars", ""))
	if len(got.Calendars) != 2 || got.Calendars[0].ID != "a" {
		t.Fatalf("unexpected calendars %+v", got.Calendars)
	}
}

func TestView(t *testing.T) {
	p := &stubProvider{events: []model.BusyEvent{{Title: "Standup", Start: at(9), End: at(10), Color: "#ff8800"}}}
	s := newTestServer(t, p, access.StatusGranted, nil, "")
	h := s.Handler()
	do(t, h, http.MethodPost, "/api/refresh", "")

	rec := do(t, h, http.MethodGet, "/", "")
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, `data-ready="true"`) {
		t.Fatalf("view not rendered: %d %s", rec.Code, body)
	}
	if !strings.Contains(body, "Standup") || !strings.Contains(body, "10:00 &ndash; 17:00") {
		t.Fatalf("view missing content: %s", body)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "me", Password: "pw"}
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, cfg, "")
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must bypass auth, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/session", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.SetBasicAuth("me", "pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rec.Code)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, access.StatusGranted, nil, "")
	h := s.Handler()

	for i := 0; i < manualSyncBurst; i++ {
		if rec := do(t, h, http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusOK {
			t.Fatalf("refresh %d status %d", i, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
}

func TestSettingsInvalidWindowChangesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	p := &stubProvider{}
	s := newTestServer(t, p, access.StatusGranted, nil, path)

	rec := do(t, s.Handler(), http.MethodPost, "/api/settings", `{"calendar_id":"a","work_start_hour":18,"work_end_hour":9}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if snap := s.sess.Snapshot(); snap.CalendarID != "" || snap.WorkStartHour != 8 {
		t.Fatalf("rejected settings leaked into the session: %+v", snap)
	}
	if n := p.calls.Load(); n != 0 {
		t.Fatalf("rejected settings fetched %d times", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("rejected settings must not be persisted (stat err %v)", err)
	}
}

func TestSettingsFetchOnce(t *testing.T) {
	p := &stubProvider{}
	s := newTestServer(t, p, access.StatusGranted, nil, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/settings", `{"calendar_id":"a","work_start_hour":10,"work_end_hour":16}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("settings status %d: %s", rec.Code, rec.Body.String())
	}
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("expected one upstream fetch, got %d", n)
	}
}

func TestSettingsPersistedWhenFetchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s := newTestServer(t, &stubProvider{err: errors.New("upstream down")}, access.StatusGranted, config.DefaultConfig(), path)

	rec := do(t, s.Handler(), http.MethodPost, "/api/settings", `{"calendar_id":"a"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.Calendar != "a" || s.sess.Snapshot().CalendarID != "a" {
		t.Fatalf("session and config disagree: config=%q session=%q", saved.Calendar, s.sess.Snapshot().CalendarID)
	}
}

func TestPreviewWrittenAfterRefresh(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = ":8099"
	cfg.PreviewPath = filepath.Join(t.TempDir(), "preview.png")
	png := []byte("\x89PNG fake")

	var gotURL atomic.Value
	sess := session.New(&stubProvider{}, access.NewStatic(access.StatusGranted),
		session.WithDate(day),
		session.WithScheduler(noopScheduler{}),
	)
	t.Cleanup(sess.Close)
	s := NewServer(cfg, sess, Options{
		Location: time.UTC,
		Preview:  true,
		Capture: func(_ context.Context, o capture.Options) error {
			gotURL.Store(o.URL)
			return os.WriteFile(o.OutputPath, png, 0o644)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.previewLoop(ctx)

	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/preview.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any refresh, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(cfg.PreviewPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("preview not written after refresh")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := do(t, h, http.MethodGet, "/preview.png", "")
	if rec.Code != http.StatusOK || rec.Body.String() != string(png) {
		t.Fatalf("preview not served: %d %q", rec.Code, rec.Body.String())
	}
	if u, _ := gotURL.Load().(string); u != "http://127.0.0.1:8099/" {
		t.Fatalf("captured URL = %q", u)
	}
}

func TestRenderPreviewSendsBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "me", Password: "pw"}
	sess := session.New(&stubProvider{}, access.NewStatic(access.StatusGranted), session.WithScheduler(noopScheduler{}))
	t.Cleanup(sess.Close)

	var got capture.Options
	s := NewServer(cfg, sess, Options{Capture: func(_ context.Context, o capture.Options) error {
		got = o
		return nil
	}})
	if err := s.RenderPreview(context.Background(), "out.png"); err != nil {
		t.Fatalf("RenderPreview: %v", err)
	}
	if got.Headers["Authorization"] != "Basic bWU6cHc=" || got.OutputPath != "out.png" {
		t.Fatalf("unexpected capture options %+v", got)
	}
}
