package web

import (
	"html/template"
	"net/http"
	"time"

	"freetime/internal/freetime"
	appLog "freetime/internal/log"
	"freetime/internal/session"
)

// viewTmpl renders the session for browsers and for the headless capture,
// which waits on data-ready="true".
var viewTmpl = template.Must(template.New("view").Funcs(template.FuncMap{
	"clock": func(t time.Time) string { return t.Format("15:04") },
	"mins":  func(d time.Duration) int { return int(d / time.Minute) },
}).Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Free time {{.Snap.Date.Format "2006-01-02"}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
.free { color: #1a7f37; }
.busy { color: #555; }
.warn { color: #b35900; }
li span.swatch { display: inline-block; width: .8em; height: .8em; margin-right: .4em; }
</style>
</head>
<body>
<main data-ready="true">
<h1>{{.Snap.Date.Format "Mon, Jan 2 2006"}}</h1>
<p>Working hours {{printf "%02d" .Snap.WorkStartHour}}:00 &ndash; {{printf "%02d" .Snap.WorkEndHour}}:00{{if .Snap.CalendarID}} &middot; calendar {{.Snap.CalendarID}}{{end}}{{if .Snap.Simulated}} &middot; <strong>simulation</strong>{{end}}</p>
{{if .Snap.AccessError}}<p class="warn">{{.Snap.AccessError}}</p>{{end}}
{{if .Snap.SyncError}}<p class="warn">Last sync failed: {{.Snap.SyncError}}</p>{{end}}

<h2>Free time ({{mins .Total}} min)</h2>
<ul class="free">
{{range .Snap.FreeSlots}}<li>{{clock .Start}} &ndash; {{clock .End}} ({{mins .Duration}} min)</li>
{{else}}<li>No free time</li>
{{end}}</ul>

<h2>Events</h2>
<ul class="busy">
{{range .Snap.Events}}<li>{{if .Color}}<span class="swatch" style="background: {{.Color}}"></span>{{end}}{{if .AllDay}}all day{{else}}{{clock .Start}} &ndash; {{clock .End}}{{end}} {{if .Title}}{{.Title}}{{else}}(no title){{end}}{{if .CalendarTitle}} <small>[{{.CalendarTitle}}]</small>{{end}}</li>
{{else}}<li>No events</li>
{{end}}</ul>

<footer>{{if .Snap.LastSync}}Last sync {{.Snap.LastSync.Format "15:04:05"}}{{else}}Not synced yet{{end}}{{if .Snap.AutoSyncMinutes}} &middot; auto-sync every {{.Snap.AutoSyncMinutes}} min{{end}}</footer>
</main>
</body>
</html>
`))

type viewData struct {
	Snap  session.Snapshot
	Total time.Duration
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	snap := s.sess.Snapshot()
	data := viewData{Snap: snap, Total: freetime.TotalDuration(snap.FreeSlots)}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := viewTmpl.Execute(w, data); err != nil {
		appLog.Error("failed to render view", err)
	}
}
