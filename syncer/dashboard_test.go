package syncer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDashboard_StatusEndpoint(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.StartJobRun(JobIngest, time.Now().UTC())
	_ = store.CompleteJobRun(id, StatusSuccess, 5, "", time.Now().UTC())
	_ = store.SetSetting(settingLastFetch, "2025-11-03T08:00:00Z")

	d := NewDashboard(store, nil, time.UTC, 90)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.LastRuns[JobIngest] == nil || body.LastRuns[JobIngest].Status != StatusSuccess {
		t.Fatalf("unexpected last ingest run: %+v", body.LastRuns)
	}
	if body.LastFetchAt != "2025-11-03T08:00:00Z" {
		t.Fatalf("last fetch = %q", body.LastFetchAt)
	}
}

func TestDashboard_BasicAuth(t *testing.T) {
	store := newTestStore(t)
	auth := &BasicAuthConfig{Username: "admin", Password: "secret"}
	d := NewDashboard(store, auth, time.UTC, 90)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request should be rejected, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password should be rejected, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid credentials rejected with %d", resp.StatusCode)
	}
}

func TestDashboard_HealthzSkipsAuth(t *testing.T) {
	store := newTestStore(t)
	auth := &BasicAuthConfig{Username: "admin", Password: "secret"}
	d := NewDashboard(store, auth, time.UTC, 90)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health probe must not require auth, got %d", resp.StatusCode)
	}
}

func TestMonthlyStats(t *testing.T) {
	events := []CanonicalEvent{
		mkEvent(t, KindWork, "08:00", "12:00", "Morning"),   // 4h
		mkEvent(t, KindWork, "13:00", "17:00", "Afternoon"), // 4h
	}
	// A two-day all-day absence in the same month.
	abs := mkEvent(t, KindAbsence, "00:00", "00:00", "CP: Leave")
	abs.EndTime = abs.StartTime.AddDate(0, 0, 2)
	abs.AllDay = true
	events = append(events, abs)

	stats := monthlyStats(events)
	if len(stats) != 1 {
		t.Fatalf("expected one month bucket, got %+v", stats)
	}
	if stats[0].Month != "2025-11" {
		t.Fatalf("month key = %q", stats[0].Month)
	}
	if stats[0].WorkHours != 8 {
		t.Fatalf("work hours = %v", stats[0].WorkHours)
	}
	if stats[0].AbsenceDays != 2 {
		t.Fatalf("absence days = %d", stats[0].AbsenceDays)
	}
}
