package syncer

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ScheduleSource supplies the raw schedule entries for a date window.
// A fetch failure abandons the current ingest; the prior canonical set
// is left untouched.
type ScheduleSource interface {
	FetchEntries(ctx context.Context, from, to time.Time) ([]RawEntry, error)
}

// HTTPSource pulls the three planning feeds (shifts, absences,
// activities) from the scheduling service. Authentication happens out
// of band; the client is handed a pre-issued bearer token.
type HTTPSource struct {
	rc  *resty.Client
	loc *time.Location
}

func NewHTTPSource(baseURL, token string, loc *time.Location, timeout time.Duration) *HTTPSource {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetTimeout(timeout)
	return &HTTPSource{rc: rc, loc: loc}
}

var sourceFeeds = []struct {
	path string
	kind EventKind
}{
	{path: "/planning/schedule", kind: KindWork},
	{path: "/planning/absences", kind: KindAbsence},
	{path: "/planning/activities", kind: KindActivity},
}

func (s *HTTPSource) FetchEntries(ctx context.Context, from, to time.Time) ([]RawEntry, error) {
	var out []RawEntry
	for _, feed := range sourceFeeds {
		resp, err := s.rc.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"start": from.Format("2006-01-02"),
				"end":   to.Format("2006-01-02"),
			}).
			Get(feed.path)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", feed.path, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch %s: status %d", feed.path, resp.StatusCode())
		}
		entries, err := ParseEventXML(resp.Body(), feed.kind, s.loc)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", feed.path, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

type eventRow struct {
	ID          string `xml:"p_id"`
	Title       string `xml:"p_title"`
	AllDay      string `xml:"p_allday"`
	Start       string `xml:"p_start"`
	End         string `xml:"p_end"`
	Description string `xml:"p_desc"`
	Code        string `xml:"p_cod"`
	Lib         string `xml:"p_lib"`
	Planning    string `xml:"p_plg"`
}

// ParseEventXML extracts every eventRow element from a feed payload,
// wherever it is nested, and maps it to a RawEntry of the given kind.
// Rows without a parseable start time are skipped.
func ParseEventXML(body []byte, kind EventKind, loc *time.Location) ([]RawEntry, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var out []RawEntry
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "eventRow" {
			continue
		}
		var row eventRow
		if err := dec.DecodeElement(&row, &start); err != nil {
			return nil, err
		}
		entry, ok := rowToEntry(row, kind, loc)
		if !ok {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func rowToEntry(row eventRow, kind EventKind, loc *time.Location) (RawEntry, bool) {
	startTime, startOK := parseSourceTime(row.Start, loc)
	if !startOK {
		return RawEntry{}, false
	}
	endTime, endOK := parseSourceTime(row.End, loc)
	if !endOK {
		endTime = startTime
	}

	entry := RawEntry{
		Kind:        kind,
		Start:       startTime,
		End:         endTime,
		AllDay:      row.AllDay != "false",
		Description: row.Description,
	}
	switch kind {
	case KindWork:
		entry.Label = row.Planning
	case KindAbsence:
		if row.Code != "" {
			entry.Label = row.Code + ": " + row.Lib
		} else {
			entry.Label = row.Lib
		}
	case KindActivity:
		entry.Label = row.Lib
	}
	if entry.Label == "" {
		entry.Label = row.Title
	}
	return entry, true
}

func parseSourceTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.In(loc), true
	}
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
