package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Notification is one rendered push message. Titles stay ASCII-safe;
// emoji go in the body.
type Notification struct {
	Title    string
	Message  string
	Priority string
	Tags     []string
}

type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// NtfyClient publishes to an ntfy topic.
type NtfyClient struct {
	rc    *resty.Client
	topic string
}

func NewNtfyClient(server, topic string, timeout time.Duration) *NtfyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(server, "/")).
		SetTimeout(timeout)
	return &NtfyClient{rc: rc, topic: topic}
}

func (c *NtfyClient) Send(ctx context.Context, n Notification) error {
	req := c.rc.R().
		SetContext(ctx).
		SetHeader("Title", n.Title).
		SetBody(n.Message)
	if n.Priority != "" {
		req.SetHeader("Priority", n.Priority)
	}
	if len(n.Tags) > 0 {
		req.SetHeader("Tags", strings.Join(n.Tags, ","))
	}
	resp, err := req.Post("/" + c.topic)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ntfy publish: status %d", resp.StatusCode())
	}
	return nil
}

// Dispatcher delivers unnotified change records. A record is marked
// notified only after a confirmed send, so a crash in between risks one
// duplicate on retry but never a lost notification.
type Dispatcher struct {
	store   *Store
	sender  NotificationSender
	retries int
	backoff time.Duration
	debug   bool
}

func NewDispatcher(store *Store, sender NotificationSender, retries int, backoff time.Duration, debug bool) *Dispatcher {
	if retries <= 0 {
		retries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Dispatcher{store: store, sender: sender, retries: retries, backoff: backoff, debug: debug}
}

type DispatchStats struct {
	Sent   int
	Failed int
}

func (d *Dispatcher) Run(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats

	pending, err := d.store.UnnotifiedChanges()
	if err != nil {
		return stats, err
	}
	for _, rec := range pending {
		n, err := RenderChange(rec)
		if err != nil {
			// Unrenderable snapshots would block the queue forever;
			// record the error and move on.
			d.debugf("render failed id=%d err=%v", rec.ID, err)
			if err := d.store.SetChangeNotifyError(rec.ID, err.Error()); err != nil {
				return stats, err
			}
			stats.Failed++
			continue
		}

		if err := d.sendWithRetry(ctx, n); err != nil {
			d.debugf("send failed id=%d err=%v", rec.ID, err)
			if err := d.store.SetChangeNotifyError(rec.ID, err.Error()); err != nil {
				return stats, err
			}
			stats.Failed++
			continue
		}
		if err := d.store.MarkChangeNotified(rec.ID, time.Now().UTC()); err != nil {
			return stats, err
		}
		stats.Sent++
	}
	return stats, nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, n Notification) error {
	var lastErr error
	for attempt := 0; attempt < d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}
		if err := d.sender.Send(ctx, n); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (d *Dispatcher) debugf(format string, args ...any) {
	if d == nil || !d.debug {
		return
	}
	log.Printf(format, args...)
}

// RenderChange turns a change record into a short human-readable push
// message: event kind, label, date/time, and for MODIFIED the
// before/after times.
func RenderChange(rec ChangeRecord) (Notification, error) {
	before, after, err := decodeSnapshots(rec)
	if err != nil {
		return Notification{}, err
	}

	switch rec.ChangeKind {
	case ChangeCreated:
		if after == nil {
			return Notification{}, fmt.Errorf("change %d: missing after snapshot", rec.ID)
		}
		return Notification{
			Title:    "Nouveau Creneau",
			Message:  fmt.Sprintf("🆕 Nouveau créneau ajouté : %s le %s", CalendarTitle(*after), FormatEventTime(*after)),
			Priority: "default",
			Tags:     []string{"calendar", "heavy_plus_sign"},
		}, nil
	case ChangeDeleted:
		if before == nil {
			return Notification{}, fmt.Errorf("change %d: missing before snapshot", rec.ID)
		}
		return Notification{
			Title:    "Creneau Supprime",
			Message:  fmt.Sprintf("❌ Créneau supprimé : %s le %s", CalendarTitle(*before), FormatEventTime(*before)),
			Priority: "default",
			Tags:     []string{"calendar", "x"},
		}, nil
	case ChangeModified:
		if before == nil || after == nil {
			return Notification{}, fmt.Errorf("change %d: missing snapshot pair", rec.ID)
		}
		return Notification{
			Title: "Creneau Modifie",
			Message: fmt.Sprintf("✏️ %s\nAvant : %s\nMaintenant : %s",
				CalendarTitle(*after), FormatEventTime(*before), FormatEventTime(*after)),
			Priority: "default",
			Tags:     []string{"calendar", "pencil2"},
		}, nil
	default:
		return Notification{}, fmt.Errorf("change %d: unknown kind %q", rec.ID, rec.ChangeKind)
	}
}

func decodeSnapshots(rec ChangeRecord) (*CanonicalEvent, *CanonicalEvent, error) {
	var before, after *CanonicalEvent
	if rec.BeforeJSON != "" {
		var ev CanonicalEvent
		if err := json.Unmarshal([]byte(rec.BeforeJSON), &ev); err != nil {
			return nil, nil, fmt.Errorf("change %d: before snapshot: %w", rec.ID, err)
		}
		before = &ev
	}
	if rec.AfterJSON != "" {
		var ev CanonicalEvent
		if err := json.Unmarshal([]byte(rec.AfterJSON), &ev); err != nil {
			return nil, nil, fmt.Errorf("change %d: after snapshot: %w", rec.ID, err)
		}
		after = &ev
	}
	return before, after, nil
}
