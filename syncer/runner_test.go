package syncer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	entries []RawEntry
	err     error
	calls   int
}

func (s *fakeSource) FetchEntries(_ context.Context, _, _ time.Time) ([]RawEntry, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func newTestRunner(t *testing.T, source *fakeSource, cal CalendarClient, sender NotificationSender) (*Runner, *Store) {
	t.Helper()
	store := newTestStore(t)
	cfg := RunnerConfig{
		Retries:  2,
		Backoff:  time.Millisecond,
		Timezone: time.UTC,
	}
	return NewRunner(cfg, store, source, cal, sender), store
}

// shiftTomorrow builds one timed entry on tomorrow's date, comfortably
// inside the ingest window and outside the guard band.
func shiftTomorrow(kind EventKind, startHour, endHour int, label string) RawEntry {
	d := time.Now().UTC().AddDate(0, 0, 1)
	base := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return RawEntry{
		Kind:  kind,
		Start: base.Add(time.Duration(startHour) * time.Hour),
		End:   base.Add(time.Duration(endHour) * time.Hour),
		Label: label,
	}
}

func TestRunner_FirstIngestProducesNoChanges(t *testing.T) {
	source := &fakeSource{entries: []RawEntry{shiftTomorrow(KindWork, 8, 17, "Day shift")}}
	r, store := newTestRunner(t, source, newFakeCalendar(), &mockSender{})

	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.UnnotifiedChanges()
	if len(pending) != 0 {
		t.Fatalf("first ingest must emit no change records, got %d", len(pending))
	}
	if ok, _ := store.HasSnapshot(); !ok {
		t.Fatal("first ingest must still persist the snapshot marker")
	}
}

func TestRunner_IdenticalReingestProducesNoChanges(t *testing.T) {
	source := &fakeSource{entries: []RawEntry{shiftTomorrow(KindWork, 8, 17, "Day shift")}}
	r, store := newTestRunner(t, source, newFakeCalendar(), &mockSender{})

	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.UnnotifiedChanges()
	if len(pending) != 0 {
		t.Fatalf("identical re-ingest must be silent, got %d changes", len(pending))
	}
}

func TestRunner_ChangeFlowsThroughAllPhases(t *testing.T) {
	source := &fakeSource{entries: []RawEntry{shiftTomorrow(KindWork, 8, 17, "Day shift")}}
	cal := newFakeCalendar()
	sender := &mockSender{}
	r, store := newTestRunner(t, source, cal, sender)

	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	if err := r.RunProject(); err != nil {
		t.Fatal(err)
	}
	if len(cal.entries) != 1 {
		t.Fatalf("expected 1 calendar entry, got %d", len(cal.entries))
	}

	// The shift moves an hour later; the second ingest records it and
	// notify delivers it.
	source.entries = []RawEntry{shiftTomorrow(KindWork, 9, 17, "Day shift")}
	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.UnnotifiedChanges()
	if len(pending) != 1 || pending[0].ChangeKind != ChangeModified {
		t.Fatalf("moved shift should record one MODIFIED-style change: %+v", pending)
	}

	if err := r.RunProject(); err != nil {
		t.Fatal(err)
	}
	if len(cal.entries) != 1 {
		t.Fatalf("projection must replace, not accumulate: %d entries", len(cal.entries))
	}

	if err := r.RunNotify(); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sender.sent))
	}
	pending, _ = store.UnnotifiedChanges()
	if len(pending) != 0 {
		t.Fatal("delivered change should be marked notified")
	}
}

func TestRunner_SourceFailureLeavesStateUntouched(t *testing.T) {
	source := &fakeSource{entries: []RawEntry{shiftTomorrow(KindWork, 8, 17, "Day shift")}}
	r, store := newTestRunner(t, source, newFakeCalendar(), &mockSender{})

	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	before, _ := store.CanonicalInWindow(time.Now().UTC().AddDate(0, 0, -8), time.Now().UTC().AddDate(0, 0, 92))

	source.err = fmt.Errorf("connection refused")
	if err := r.RunIngest(); err == nil {
		t.Fatal("expected ingest to fail when the source is down")
	}

	after, _ := store.CanonicalInWindow(time.Now().UTC().AddDate(0, 0, -8), time.Now().UTC().AddDate(0, 0, 92))
	if len(after) != len(before) {
		t.Fatalf("failed ingest must not touch the canonical set: before=%d after=%d", len(before), len(after))
	}
	run, err := store.LastJobRun(JobIngest)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil || run.Status != StatusFailed {
		t.Fatalf("failed ingest should be audited: %+v", run)
	}
}

func TestRunner_FailedJobRunRecordsError(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("boom")}
	r, store := newTestRunner(t, source, newFakeCalendar(), &mockSender{})

	if err := r.RunIngest(); err == nil {
		t.Fatal("expected error")
	}
	run, _ := store.LastJobRun(JobIngest)
	if run == nil || run.ErrorMessage == "" {
		t.Fatalf("error message should be persisted: %+v", run)
	}
}

func TestRunner_OverlappingTickSkipped(t *testing.T) {
	source := &fakeSource{}
	r, _ := newTestRunner(t, source, newFakeCalendar(), &mockSender{})

	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()

	// With the phase lock held an ingest tick must return immediately
	// without fetching.
	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	if source.calls != 0 {
		t.Fatalf("overlapping tick must skip, but source was called %d times", source.calls)
	}
}

func TestRunner_ProjectFailureReportedButPartialProgressKept(t *testing.T) {
	source := &fakeSource{entries: []RawEntry{
		shiftTomorrow(KindWork, 8, 12, "Morning"),
		shiftTomorrow(KindWork, 13, 17, "Afternoon"),
	}}
	cal := newFakeCalendar()
	r, store := newTestRunner(t, source, cal, &mockSender{})

	if err := r.RunIngest(); err != nil {
		t.Fatal(err)
	}
	// Fail both attempts of the first item; the second still goes out.
	cal.FailNext = 2
	if err := r.RunProject(); err == nil {
		t.Fatal("expected project run to report the pending item")
	}
	if len(cal.entries) != 1 {
		t.Fatalf("unaffected items must still be projected: %d", len(cal.entries))
	}

	// The next pass converges.
	if err := r.RunProject(); err != nil {
		t.Fatal(err)
	}
	if len(cal.entries) != 2 {
		t.Fatalf("expected convergence on retry, got %d entries", len(cal.entries))
	}
	mappings, _ := store.Mappings()
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
}

func TestRunner_DuplicateSourceRowsDoNotFailIngest(t *testing.T) {
	dup := shiftTomorrow(KindWork, 8, 17, "Day shift")
	source := &fakeSource{entries: []RawEntry{dup, dup}}
	r, store := newTestRunner(t, source, newFakeCalendar(), &mockSender{})

	if err := r.RunIngest(); err != nil {
		t.Fatalf("duplicated feed row must not fail ingest: %v", err)
	}
	events, err := store.CanonicalInWindow(time.Now().UTC().AddDate(0, 0, -8), time.Now().UTC().AddDate(0, 0, 92))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 canonical event, got %d", len(events))
	}

	// The duplicate keeps arriving on the next tick; the stored set
	// stays stable and silent.
	if err := r.RunIngest(); err != nil {
		t.Fatalf("re-ingesting the duplicate must stay clean: %v", err)
	}
	pending, _ := store.UnnotifiedChanges()
	if len(pending) != 0 {
		t.Fatalf("stable duplicate must not record changes, got %d", len(pending))
	}
}

func TestRunner_PruneFailureLoggedNotFatal(t *testing.T) {
	source := &fakeSource{}
	r, store := newTestRunner(t, source, newFakeCalendar(), &mockSender{})
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	r.pruneRetention(time.Now().UTC())
	if !strings.Contains(buf.String(), "prune") {
		t.Fatalf("prune failure should be logged, got %q", buf.String())
	}
}
