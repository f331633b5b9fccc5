package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freetime/internal/access"
	"freetime/internal/config"
	"freetime/internal/ics"
	appLog "freetime/internal/log"
	"freetime/internal/session"
	"freetime/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	date       string
	once       bool
	snapshot   bool
	out        string
	debug      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	defer appLog.Sync()

	appLog.Info("freetime starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"work_hours", fmt.Sprintf("%02d-%02d", conf.WorkStartHour, conf.WorkEndHour),
		"auto_sync_minutes", conf.AutoSyncMinutes,
		"calendar", conf.Calendar,
		"calendar_count", len(conf.Calendars),
		"access", conf.Access,
		"once", flags.once,
		"snapshot", flags.snapshot,
	)

	loc := resolveLocationOrLocal(conf.Timezone)

	date := time.Now().In(loc)
	if flags.date != "" {
		d, err := time.ParseInLocation(time.DateOnly, flags.date, loc)
		if err != nil {
			appLog.Error("invalid -date; expected YYYY-MM-DD", err, "date", flags.date)
			os.Exit(2)
		}
		date = d
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := newSession(conf, flags, loc, date)
	// Close before exit so no auto-sync cycle outlives the session.
	defer sess.Close()

	switch {
	case flags.once:
		err = runOnce(ctx, sess, os.Stdout)
	case flags.snapshot:
		err = runSnapshot(ctx, conf, sess, flags, loc)
	default:
		err = runServer(ctx, conf, sess, flags, loc)
	}
	if err != nil {
		appLog.Error("freetime exiting with error", err)
		sess.Close()
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Info("freetime exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/freetime/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.date, "date", "", "Date to analyze (YYYY-MM-DD, default today)")
	flag.BoolVar(&cfg.once, "once", false, "Sync once, print events and free time, and exit")
	flag.BoolVar(&cfg.snapshot, "snapshot", false, "Sync once, write the preview PNG, and exit")
	flag.StringVar(&cfg.out, "out", "", "Snapshot output path (default: preview_path from config)")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and ./cache paths")

	flag.Parse()

	return cfg
}

func newSession(conf *config.Config, flags flagConfig, loc *time.Location, date time.Time) *session.Session {
	cacheDir := conf.CacheDir
	if flags.debug {
		cacheDir = "./cache/ics-cache"
	}

	sources := make([]ics.Source, 0, len(conf.Calendars))
	for _, c := range conf.Calendars {
		sources = append(sources, ics.Source{
			ID:          c.ID,
			URL:         c.URL,
			Title:       c.Name,
			SourceTitle: c.Source,
			Color:       c.Color,
		})
	}

	provider := ics.NewProvider(ics.NewFetcher(cacheDir, nil), ics.ProviderConfig{
		Sources:    sources,
		Location:   loc,
		SkipAllDay: conf.SkipAllDay,
	})

	var perm access.Requester
	if conf.Access == "prompt" {
		perm = access.NewPrompt(os.Stdin, os.Stderr)
	} else {
		perm = access.NewStatic(access.ParseStatus(conf.Access))
	}

	return session.New(provider, perm,
		session.WithDate(date),
		session.WithWorkHours(conf.WorkStartHour, conf.WorkEndHour),
		session.WithCalendar(conf.Calendar),
	)
}

// runOnce refreshes and prints the calendars, events and free slots.
func runOnce(ctx context.Context, sess *session.Session, out io.Writer) error {
	refreshErr := sess.Refresh(ctx)

	if cals, err := sess.Calendars(ctx); err == nil {
		fmt.Fprintf(out, "Calendars (%d)\n", len(cals))
		for _, c := range cals {
			fmt.Fprintf(out, "  %-20s %-24s id=%s\n", c.SourceTitle, c.Title, c.ID)
		}
	}

	snap := sess.Snapshot()
	if snap.AccessError != "" {
		fmt.Fprintln(out, snap.AccessError)
	}
	if snap.Window != nil {
		fmt.Fprintf(out, "Window %s - %s\n", snap.Window.Start.Format(time.RFC3339), snap.Window.End.Format(time.RFC3339))
	}

	fmt.Fprintf(out, "Events (%d)\n", len(snap.Events))
	for _, e := range snap.Events {
		title := e.Title
		if title == "" {
			title = "(no title)"
		}
		cal := e.CalendarTitle
		if cal == "" {
			cal = "(unknown calendar)"
		}
		fmt.Fprintf(out, "  %s - %s  %s [%s]\n", e.Start.Format("15:04"), e.End.Format("15:04"), title, cal)
	}

	fmt.Fprintf(out, "Free (%d)\n", len(snap.FreeSlots))
	for _, f := range snap.FreeSlots {
		fmt.Fprintf(out, "  %s - %s  %s\n", f.Start.Format("15:04"), f.End.Format("15:04"), f.Duration())
	}

	var perr *session.ProviderError
	if errors.As(refreshErr, &perr) || errors.Is(refreshErr, context.Canceled) {
		return refreshErr
	}
	return nil
}

// runServer syncs (once, or on the configured auto-sync schedule) and serves
// the session until ctx is cancelled. Every successful sync re-renders the
// preview PNG.
func runServer(ctx context.Context, conf *config.Config, sess *session.Session, flags flagConfig, loc *time.Location) error {
	srv := web.NewServer(conf, sess, web.Options{
		ConfigPath: flags.configPath,
		Location:   loc,
		Debug:      flags.debug,
		Preview:    true,
	})

	if conf.AutoSyncMinutes > 0 {
		if err := sess.SetAutoSync(conf.AutoSyncMinutes); err != nil {
			return err
		}
	} else if err := sess.Refresh(ctx); err != nil {
		// Recorded on the session; the server still comes up.
		appLog.Error("initial sync failed", err)
	}

	return srv.Run(ctx)
}

// runSnapshot serves the view just long enough to capture it as a PNG.
func runSnapshot(ctx context.Context, conf *config.Config, sess *session.Session, flags flagConfig, loc *time.Location) error {
	if err := sess.Refresh(ctx); err != nil {
		appLog.Error("sync before snapshot failed", err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := web.NewServer(conf, sess, web.Options{Location: loc, Debug: flags.debug})
	path := flags.out
	if path == "" {
		path = srv.PreviewPath()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(srvCtx) }()

	// Give the listener a moment to come up.
	time.Sleep(200 * time.Millisecond)

	err := srv.RenderPreview(ctx, path)
	cancel()
	if srvErr := <-errCh; err == nil {
		err = srvErr
	}
	if err == nil {
		appLog.Info("snapshot written", "path", path)
	}
	return err
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}
