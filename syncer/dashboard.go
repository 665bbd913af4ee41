package syncer

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Dashboard serves read-only sync status and worked-hours statistics
// over HTTP. It only ever reads the store.
type Dashboard struct {
	store     *Store
	auth      *BasicAuthConfig
	tz        *time.Location
	daysAhead int
}

func NewDashboard(store *Store, auth *BasicAuthConfig, tz *time.Location, daysAhead int) *Dashboard {
	if tz == nil {
		tz = time.Local
	}
	if daysAhead <= 0 {
		daysAhead = 90
	}
	return &Dashboard{store: store, auth: auth, tz: tz, daysAhead: daysAhead}
}

func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/status", d.requireAuth(d.handleStatus))
	mux.HandleFunc("/api/history", d.requireAuth(d.handleHistory))
	mux.HandleFunc("/api/changes", d.requireAuth(d.handleChanges))
	mux.HandleFunc("/api/stats/monthly", d.requireAuth(d.handleMonthly))
	mux.HandleFunc("/", d.requireAuth(d.handleIndex))
	return mux
}

func (d *Dashboard) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.auth != nil {
			user, pass, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(d.auth.Username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(d.auth.Password)) == 1
			if !ok || !userOK || !passOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="shift-sync"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type statusResponse struct {
	LastRuns       map[string]*JobRun `json:"last_runs"`
	EventsInWindow int                `json:"events_in_window"`
	PendingChanges int                `json:"pending_changes"`
	LastFetchAt    string             `json:"last_fetch_at,omitempty"`
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{LastRuns: map[string]*JobRun{}}
	for _, name := range []string{JobIngest, JobProject, JobNotify} {
		run, err := d.store.LastJobRun(name)
		if err != nil {
			httpError(w, err)
			return
		}
		resp.LastRuns[name] = run
	}

	now := time.Now().In(d.tz)
	to := startOfDay(now.AddDate(0, 0, d.daysAhead+1))
	events, err := d.store.CanonicalInWindow(now, to)
	if err != nil {
		httpError(w, err)
		return
	}
	resp.EventsInWindow = len(events)

	pending, err := d.store.UnnotifiedChanges()
	if err != nil {
		httpError(w, err)
		return
	}
	resp.PendingChanges = len(pending)

	if at, ok, err := d.store.GetSetting(settingLastFetch); err == nil && ok {
		resp.LastFetchAt = at
	}
	writeJSON(w, resp)
}

func (d *Dashboard) handleHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := d.store.JobRuns(50)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, runs)
}

func (d *Dashboard) handleChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := d.store.RecentChanges(50)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, changes)
}

type monthlyStat struct {
	Month       string  `json:"month"`
	WorkHours   float64 `json:"work_hours"`
	AbsenceDays int     `json:"absence_days"`
}

func (d *Dashboard) handleMonthly(w http.ResponseWriter, r *http.Request) {
	now := time.Now().In(d.tz)
	from := startOfDay(now.AddDate(0, -12, 0))
	to := startOfDay(now.AddDate(0, 0, d.daysAhead+1))
	events, err := d.store.CanonicalInWindow(from, to)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, monthlyStats(events))
}

func monthlyStats(events []CanonicalEvent) []monthlyStat {
	type bucket struct {
		hours       float64
		absenceDays map[string]bool
	}
	buckets := map[string]*bucket{}
	for _, ev := range events {
		key := ev.StartTime.Format("2006-01")
		b := buckets[key]
		if b == nil {
			b = &bucket{absenceDays: map[string]bool{}}
			buckets[key] = b
		}
		switch ev.Kind {
		case KindWork:
			b.hours += ev.EndTime.Sub(ev.StartTime).Hours()
		case KindAbsence:
			for day := startOfDay(ev.StartTime); day.Before(ev.EndTime); day = day.AddDate(0, 0, 1) {
				b.absenceDays[dayKey(day)] = true
			}
		}
	}

	months := make([]string, 0, len(buckets))
	for m := range buckets {
		months = append(months, m)
	}
	sort.Strings(months)

	out := make([]monthlyStat, 0, len(months))
	for _, m := range months {
		out = append(out, monthlyStat{
			Month:       m,
			WorkHours:   roundHours(buckets[m].hours),
			AbsenceDays: len(buckets[m].absenceDays),
		})
	}
	return out
}

func roundHours(h float64) float64 {
	return float64(int(h*100+0.5)) / 100
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

const indexHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>shift-sync</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
    h1 { font-size: 1.4rem; }
    table { border-collapse: collapse; margin-bottom: 1.5rem; }
    th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: left; font-size: 0.9rem; }
    .FAILED { color: #b00; }
    .SUCCESS { color: #080; }
  </style>
</head>
<body>
  <h1>shift-sync</h1>
  <div id="status"></div>
  <h2>Job history</h2>
  <table id="history"><tr><th>Job</th><th>Started</th><th>Status</th><th>Items</th><th>Error</th></tr></table>
  <h2>Monthly hours</h2>
  <table id="monthly"><tr><th>Month</th><th>Work hours</th><th>Absence days</th></tr></table>
  <script>
    async function load() {
      const s = await (await fetch('/api/status')).json();
      document.getElementById('status').textContent =
        'events in window: ' + s.events_in_window + ' | pending changes: ' + s.pending_changes +
        (s.last_fetch_at ? ' | last fetch: ' + s.last_fetch_at : '');
      const hist = await (await fetch('/api/history')).json();
      const ht = document.getElementById('history');
      for (const r of hist || []) {
        const row = ht.insertRow();
        row.insertCell().textContent = r.JobName;
        row.insertCell().textContent = r.StartedAt;
        const st = row.insertCell(); st.textContent = r.Status; st.className = r.Status;
        row.insertCell().textContent = r.ItemCount;
        row.insertCell().textContent = r.ErrorMessage || '';
      }
      const monthly = await (await fetch('/api/stats/monthly')).json();
      const mt = document.getElementById('monthly');
      for (const m of monthly || []) {
        const row = mt.insertRow();
        row.insertCell().textContent = m.month;
        row.insertCell().textContent = m.work_hours;
        row.insertCell().textContent = m.absence_days;
      }
    }
    load();
  </script>
</body>
</html>`

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}
