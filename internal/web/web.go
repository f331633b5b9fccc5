package web

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"freetime/internal/capture"
	"freetime/internal/config"
	"freetime/internal/freetime"
	appLog "freetime/internal/log"
	"freetime/internal/model"
	"freetime/internal/session"

	"golang.org/x/time/rate"
)

const (
	maxRequestBody  = 1 << 20
	shutdownTimeout = 5 * time.Second

	// Manual syncs hit every subscribed ICS host; keep bursts of clicks
	// from turning into bursts of upstream fetches.
	manualSyncEvery = 10 * time.Second
	manualSyncBurst = 3
)

// Options tunes a Server.
type Options struct {
	// ConfigPath, if set, receives view settings changed through
	// /api/settings.
	ConfigPath string
	// Location is the zone request dates are interpreted in.
	Location *time.Location
	// Debug serves the preview from ./cache instead of cfg.PreviewPath.
	Debug bool
	// Preview re-renders the preview PNG after every successful refresh
	// while Run is serving.
	Preview bool
	// Capture renders a page to PNG. Nil means capture.CapturePNG.
	Capture func(ctx context.Context, opts capture.Options) error
}

// Server exposes one session over HTTP.
type Server struct {
	cfg  *config.Config
	sess *session.Session
	opts Options
	mux  *http.ServeMux

	syncLimiter *rate.Limiter

	// previewReq coalesces preview requests; nil when previews are off.
	previewReq chan struct{}

	// cfgMu guards cfg writes from /api/settings.
	cfgMu sync.Mutex
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sess *session.Session, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	s := &Server{
		cfg:  cfg,
		sess: sess,
		opts: opts,
		mux:  http.NewServeMux(),

		syncLimiter: rate.NewLimiter(rate.Every(manualSyncEvery), manualSyncBurst),
	}
	if opts.Capture == nil {
		s.opts.Capture = capture.CapturePNG
	}
	if opts.Preview {
		s.previewReq = make(chan struct{}, 1)
		sess.OnRefresh(s.requestPreview)
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped with Basic Auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.previewReq != nil {
		go s.previewLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "debug", s.opts.Debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="FreeTime", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/session", s.handleSession)
	s.mux.HandleFunc("GET /api/freetime", s.handleFreeTime)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/settings", s.handleSettings)
	s.mux.HandleFunc("POST /api/simulate", s.handleSimulate)
	s.mux.HandleFunc("POST /api/access", s.handleAccess)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
	s.mux.HandleFunc("GET /{$}", s.handleView)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// freeTimeResponse is the JSON shape of /api/freetime.
type freeTimeResponse struct {
	Window       *model.Interval  `json:"window,omitempty"`
	FreeSlots    []model.Interval `json:"free_slots"`
	TotalMinutes int              `json:"total_minutes"`
	Simulated    bool             `json:"simulated"`
	LastSync     *time.Time       `json:"last_sync,omitempty"`
}

func (s *Server) handleFreeTime(w http.ResponseWriter, _ *http.Request) {
	snap := s.sess.Snapshot()
	writeJSON(w, http.StatusOK, freeTimeResponse{
		Window:       snap.Window,
		FreeSlots:    snap.FreeSlots,
		TotalMinutes: int(freetime.TotalDuration(snap.FreeSlots) / time.Minute),
		Simulated:    snap.Simulated,
		LastSync:     snap.LastSync,
	})
}

// eventsResponse is the JSON shape of /api/events.
type eventsResponse struct {
	Events []model.BusyEvent `json:"events"`
	Busy   []model.Interval  `json:"busy"`
}

// handleEvents returns the session's events plus their busy intervals
// clamped to the active window.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	snap := s.sess.Snapshot()
	busy := []model.Interval{}
	if snap.Window != nil {
		busy = freetime.Clamp(*snap.Window, freetime.Busy(snap.Events))
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: snap.Events, Busy: busy})
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.sess.Calendars(r.Context())
	if err != nil {
		appLog.Error("api calendars failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": cals})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.syncLimiter.Allow() {
		appLog.Info("manual sync rate limited", "remote", r.RemoteAddr)
		writeError(w, http.StatusTooManyRequests, "sync requested too often; try again shortly")
		return
	}
	if err := s.sess.Refresh(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// settingsRequest carries optional view setting changes.
type settingsRequest struct {
	Date            string  `json:"date,omitempty"` // YYYY-MM-DD
	WorkStartHour   *int    `json:"work_start_hour,omitempty"`
	WorkEndHour     *int    `json:"work_end_hour,omitempty"`
	CalendarID      *string `json:"calendar_id,omitempty"`
	AutoSyncMinutes *int    `json:"auto_sync_minutes,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Validate everything before touching the session.
	if req.AutoSyncMinutes != nil && *req.AutoSyncMinutes < 0 {
		writeError(w, http.StatusBadRequest, session.ErrInvalidAutoSync.Error())
		return
	}
	st := session.Settings{
		StartHour:  req.WorkStartHour,
		EndHour:    req.WorkEndHour,
		CalendarID: req.CalendarID,
	}
	if req.Date != "" {
		d, err := time.ParseInLocation(time.DateOnly, req.Date, s.opts.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		st.Date = &d
	}
	snap := s.sess.Snapshot()
	date, start, end := snap.Date, snap.WorkStartHour, snap.WorkEndHour
	if st.Date != nil {
		date = *st.Date
	}
	if st.StartHour != nil {
		start = *st.StartHour
	}
	if st.EndHour != nil {
		end = *st.EndHour
	}
	if _, err := freetime.WorkWindow(date, start, end); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// The settings are stored even if the re-fetch fails, so persist them
	// in every case and report the first error afterwards.
	var firstErr error
	if st.Date != nil || st.StartHour != nil || st.EndHour != nil || st.CalendarID != nil {
		firstErr = s.sess.ApplySettings(r.Context(), st)
	}
	if req.AutoSyncMinutes != nil && !errors.Is(firstErr, freetime.ErrInvalidWindow) {
		if err := s.sess.SetAutoSync(*req.AutoSyncMinutes); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if errors.Is(firstErr, freetime.ErrInvalidWindow) {
		// Lost a race with another settings change; nothing was stored.
		s.writeSessionError(w, firstErr)
		return
	}
	s.persistSettings()
	if firstErr != nil {
		s.writeSessionError(w, firstErr)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// persistSettings writes the session's view settings back to the config
// file. Failures are logged; the in-memory session is authoritative.
func (s *Server) persistSettings() {
	if s.opts.ConfigPath == "" || s.cfg == nil {
		return
	}
	snap := s.sess.Snapshot()

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	s.cfg.WorkStartHour = snap.WorkStartHour
	s.cfg.WorkEndHour = snap.WorkEndHour
	s.cfg.Calendar = snap.CalendarID
	s.cfg.AutoSyncMinutes = snap.AutoSyncMinutes
	if err := s.cfg.Save(s.opts.ConfigPath); err != nil {
		appLog.Error("failed to persist settings", err, "config_path", s.opts.ConfigPath)
	}
}

// simulateRequest describes a what-if event either by instants or by hours
// on a date.
type simulateRequest struct {
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Date      string     `json:"date,omitempty"`
	StartHour *int       `json:"start_hour,omitempty"`
	EndHour   *int       `json:"end_hour,omitempty"`
	Label     string     `json:"label,omitempty"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var iv model.Interval
	switch {
	case req.Start != nil && req.End != nil:
		iv = model.NewInterval(req.Start.In(s.opts.Location), req.End.In(s.opts.Location))
	case req.StartHour != nil && req.EndHour != nil:
		date := s.sess.Snapshot().Date
		if req.Date != "" {
			d, err := time.ParseInLocation(time.DateOnly, req.Date, s.opts.Location)
			if err != nil {
				writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
				return
			}
			date = d
		}
		w2, err := freetime.WorkWindow(date, *req.StartHour, *req.EndHour)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		iv = w2
	default:
		writeError(w, http.StatusBadRequest, "start/end or start_hour/end_hour required")
		return
	}

	if err := s.sess.Simulate(iv, req.Label); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	res := s.sess.RequestAccess(r.Context())
	writeJSON(w, http.StatusOK, res)
}

// handlePreview serves the last captured PNG snapshot from disk.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, s.PreviewPath())
}

// PreviewPath is where the preview PNG is written and served from.
func (s *Server) PreviewPath() string {
	if s.opts.Debug {
		return "./cache/preview.png"
	}
	return s.cfg.PreviewPath
}

// LocalURL is the base URL of this server as reachable from the same host.
func (s *Server) LocalURL() string {
	listen := s.cfg.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

// RenderPreview captures the HTML view of the running server to path.
func (s *Server) RenderPreview(ctx context.Context, path string) error {
	opts := capture.Options{URL: s.LocalURL() + "/", OutputPath: path}
	if s.basicAuthEnabled() {
		cred := s.cfg.BasicAuth.Username + ":" + s.cfg.BasicAuth.Password
		opts.Headers = map[string]string{
			"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(cred)),
		}
	}
	if err := s.opts.Capture(ctx, opts); err != nil {
		return err
	}
	appLog.Debug("preview rendered", "path", path)
	return nil
}

// requestPreview schedules a preview render without blocking; a request
// made while one is pending is merged into it.
func (s *Server) requestPreview() {
	select {
	case s.previewReq <- struct{}{}:
	default:
	}
}

func (s *Server) previewLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.previewReq:
			if err := s.RenderPreview(ctx, s.PreviewPath()); err != nil && ctx.Err() == nil {
				appLog.Error("failed to render preview", err, "path", s.PreviewPath())
			}
		}
	}
}

// writeSessionError maps session errors onto HTTP statuses. Access and
// window problems are client-visible conditions, provider failures are
// upstream errors.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var perr *session.ProviderError
	switch {
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, freetime.ErrInvalidWindow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrInvalidAutoSync):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		// Access outcomes: the snapshot carries the human message.
		writeError(w, http.StatusForbidden, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
