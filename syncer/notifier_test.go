package syncer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

type mockSender struct {
	sent     []Notification
	FailNext int
}

func (s *mockSender) Send(_ context.Context, n Notification) error {
	if s.FailNext > 0 {
		s.FailNext--
		return fmt.Errorf("ntfy unavailable")
	}
	s.sent = append(s.sent, n)
	return nil
}

func seedChange(t *testing.T, store *Store, changes ...Change) {
	t.Helper()
	from, to := testWindow(t)
	if err := store.ReplaceCanonicalWindow(from, to, nil, changes, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher_MarksOnlyAfterConfirmedSend(t *testing.T) {
	store := newTestStore(t)
	sender := &mockSender{}
	d := NewDispatcher(store, sender, 2, time.Millisecond, false)

	ev := mkEvent(t, KindWork, "08:00", "17:00", "Day shift")
	seedChange(t, store, Change{Kind: ChangeCreated, After: &ev})

	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
	pending, _ := store.UnnotifiedChanges()
	if len(pending) != 0 {
		t.Fatalf("delivered record should be marked notified, %d still pending", len(pending))
	}

	// A second run has nothing left to deliver.
	stats, err = d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 0 || len(sender.sent) != 1 {
		t.Fatal("records must be delivered at most once")
	}
}

func TestDispatcher_SendFailureLeavesRecordPending(t *testing.T) {
	store := newTestStore(t)
	sender := &mockSender{FailNext: 10}
	d := NewDispatcher(store, sender, 2, time.Millisecond, false)

	ev := mkEvent(t, KindWork, "08:00", "17:00", "Day shift")
	seedChange(t, store, Change{Kind: ChangeCreated, After: &ev})

	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Sent != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	pending, _ := store.UnnotifiedChanges()
	if len(pending) != 1 {
		t.Fatal("failed record must stay pending for the next run")
	}
	if pending[0].NotifyError == "" {
		t.Fatal("failure reason should be recorded")
	}

	// Once the sender recovers the record goes out and the stored error
	// is cleared.
	sender.FailNext = 0
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected delivery after recovery, got %d sends", len(sender.sent))
	}
	pending, _ = store.UnnotifiedChanges()
	if len(pending) != 0 {
		t.Fatal("recovered record should be marked notified")
	}
}

func TestDispatcher_TransientFailureRetriedWithinRun(t *testing.T) {
	store := newTestStore(t)
	sender := &mockSender{FailNext: 1}
	d := NewDispatcher(store, sender, 3, time.Millisecond, false)

	ev := mkEvent(t, KindWork, "08:00", "17:00", "Day shift")
	seedChange(t, store, Change{Kind: ChangeCreated, After: &ev})

	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("single transient failure should be retried in-run: %+v", stats)
	}
}

func TestDispatcher_UnrenderableRecordDoesNotBlockQueue(t *testing.T) {
	store := newTestStore(t)
	sender := &mockSender{}
	d := NewDispatcher(store, sender, 2, time.Millisecond, false)

	bad := mkEvent(t, KindWork, "08:00", "12:00", "Broken")
	good := mkEvent(t, KindWork, "13:00", "17:00", "Fine")
	seedChange(t, store,
		Change{Kind: ChangeModified, After: &bad}, // missing before snapshot
		Change{Kind: ChangeCreated, After: &good},
	)

	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Fatalf("the good record must still go out: %+v", stats)
	}
}

func TestRenderChange_Created(t *testing.T) {
	ev := mkEvent(t, KindWork, "08:00", "17:00", "Day shift")
	ev.Label = "Day shift"
	rec := mustRecord(t, Change{Kind: ChangeCreated, After: &ev})

	n, err := RenderChange(rec)
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "Nouveau Creneau" {
		t.Fatalf("unexpected title %q", n.Title)
	}
	if !strings.Contains(n.Message, "Nouveau créneau ajouté") {
		t.Fatalf("unexpected message %q", n.Message)
	}
	// 2025-11-03 is a Monday.
	if !strings.Contains(n.Message, "Lundi 03 Nov 08:00-17:00") {
		t.Fatalf("expected French day/time in %q", n.Message)
	}
	if strings.Join(n.Tags, ",") != "calendar,heavy_plus_sign" {
		t.Fatalf("unexpected tags %v", n.Tags)
	}
}

func TestRenderChange_Modified(t *testing.T) {
	before := mkEvent(t, KindWork, "08:00", "17:00", "Day shift")
	after := mkEvent(t, KindWork, "09:00", "17:00", "Day shift")
	rec := mustRecord(t, Change{Kind: ChangeModified, Before: &before, After: &after})

	n, err := RenderChange(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(n.Message, "Avant : Lundi 03 Nov 08:00-17:00") ||
		!strings.Contains(n.Message, "Maintenant : Lundi 03 Nov 09:00-17:00") {
		t.Fatalf("modified message must show both times: %q", n.Message)
	}
}

func TestRenderChange_Deleted(t *testing.T) {
	ev := mkEvent(t, KindAbsence, "08:00", "12:00", "CP: Leave")
	rec := mustRecord(t, Change{Kind: ChangeDeleted, Before: &ev})

	n, err := RenderChange(rec)
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "Creneau Supprime" || !strings.Contains(n.Message, "Créneau supprimé") {
		t.Fatalf("unexpected deleted rendering: %+v", n)
	}
	if !strings.Contains(n.Message, "CP: Leave") {
		t.Fatalf("label missing from %q", n.Message)
	}
}

func mustRecord(t *testing.T, ch Change) ChangeRecord {
	t.Helper()
	rec, err := ch.toRecord(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	return rec
}
