package syncer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// syncCategory marks entries owned by this tool on the remote calendar.
const syncCategory = "SHIFT-SYNC"

var uidNamespace = uuid.MustParse("5f2aefc1-8c92-4a52-9d0b-3d1fb12a6f41")

// EventUID derives the external calendar identifier from the
// fingerprint. Deterministic UIDs make the CalDAV PUT idempotent: a
// crash between the remote write and the mapping write cannot produce a
// duplicate entry on retry, and a UID is never reused for a different
// fingerprint.
func EventUID(fingerprint string) string {
	return uuid.NewSHA1(uidNamespace, []byte(fingerprint)).String() + "@shift-sync"
}

// CalDAVClient talks to a CalDAV collection (iCloud and friends) with
// basic auth, storing each event as one .ics resource keyed by UID.
type CalDAVClient struct {
	rc           *resty.Client
	calendarPath string
}

func NewCalDAVClient(baseURL, calendarPath, username, password string, timeout time.Duration) *CalDAVClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(username, password).
		SetTimeout(timeout)
	return &CalDAVClient{
		rc:           rc,
		calendarPath: "/" + strings.Trim(calendarPath, "/"),
	}
}

func (c *CalDAVClient) CreateEntry(ctx context.Context, ev CanonicalEvent) (string, error) {
	uid := EventUID(ev.Fingerprint)
	if err := c.putEvent(ctx, uid, ev); err != nil {
		return "", err
	}
	return uid, nil
}

func (c *CalDAVClient) UpdateEntry(ctx context.Context, externalID string, ev CanonicalEvent) error {
	return c.putEvent(ctx, externalID, ev)
}

func (c *CalDAVClient) DeleteEntry(ctx context.Context, externalID string) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		Delete(c.resourcePath(externalID))
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrEntryNotFound
	}
	if resp.IsError() {
		return fmt.Errorf("caldav delete %s: status %d", externalID, resp.StatusCode())
	}
	return nil
}

func (c *CalDAVClient) putEvent(ctx context.Context, uid string, ev CanonicalEvent) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/calendar; charset=utf-8").
		SetBody(BuildICS(uid, ev, time.Now().UTC())).
		Put(c.resourcePath(uid))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("caldav put %s: status %d", uid, resp.StatusCode())
	}
	return nil
}

func (c *CalDAVClient) resourcePath(uid string) string {
	return c.calendarPath + "/" + uid + ".ics"
}

// BuildICS renders one canonical event as a VCALENDAR payload.
func BuildICS(uid string, ev CanonicalEvent, now time.Time) string {
	cal := ics.NewCalendar()
	cal.SetProductId("-//shift-sync//EN")
	cal.SetVersion("2.0")

	e := cal.AddEvent(uid)
	e.SetDtStampTime(now)
	e.SetSummary(CalendarTitle(ev))
	if desc := CalendarDescription(ev); desc != "" {
		e.SetDescription(desc)
	}
	if ev.AllDay {
		e.SetAllDayStartAt(ev.StartTime)
		e.SetAllDayEndAt(ev.EndTime)
	} else {
		e.SetStartAt(ev.StartTime)
		e.SetEndAt(ev.EndTime)
	}
	e.SetProperty(ics.ComponentPropertyCategories, strings.Join([]string{syncCategory, string(ev.Kind)}, ","))

	return cal.Serialize()
}
