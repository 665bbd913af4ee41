package syncer

import (
	"sort"
	"time"
)

// span is a half-open [start, end) time range. Exact half-open boundary
// semantics avoid off-by-one duplication at midnight.
type span struct {
	start time.Time
	end   time.Time
}

func (s span) empty() bool {
	return !s.end.After(s.start)
}

func (s span) overlaps(o span) bool {
	return s.start.Before(o.end) && o.start.Before(s.end)
}

// entrySpan normalizes an entry to its effective interval. All-day
// entries cover whole days from the start date's midnight through the
// end of the (inclusive) end date.
func entrySpan(e RawEntry) span {
	if !e.AllDay {
		return span{start: e.Start, end: e.End}
	}
	start := startOfDay(e.Start)
	end := startOfDay(e.End)
	if end.Before(start) {
		end = start
	}
	return span{start: start, end: end.AddDate(0, 0, 1)}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// mergedAbsence is an absence interval after same-kind union merging.
type mergedAbsence struct {
	span        span
	allDay      bool
	labels      []string
	description string
}

// MergeEntries resolves one ingest's raw entries into the canonical
// event set: absence strictly dominates work, activity is additive but
// still suppressed by absence. The merge is pure and order-independent;
// shuffling the input never changes the output.
func MergeEntries(entries []RawEntry) []CanonicalEvent {
	byDay := make(map[string][]RawEntry)
	var keys []string
	for _, e := range entries {
		k := dayKey(entrySpan(e).start)
		if _, ok := byDay[k]; !ok {
			keys = append(keys, k)
		}
		byDay[k] = append(byDay[k], e)
	}
	sort.Strings(keys)

	var out []CanonicalEvent
	for _, k := range keys {
		out = append(out, mergeDay(byDay[k])...)
	}
	return dedupeCanonical(out)
}

// dedupeCanonical collapses repeated fingerprints. A duplicated source
// row is a feed glitch, not an error, and the canonical set must carry
// each slot exactly once or the window swap trips the fingerprint
// unique index.
func dedupeCanonical(events []CanonicalEvent) []CanonicalEvent {
	idx := make(map[string]int, len(events))
	out := events[:0]
	for _, ev := range events {
		if i, ok := idx[ev.Fingerprint]; ok {
			if ev.Description != "" && (out[i].Description == "" || ev.Description < out[i].Description) {
				out[i].Description = ev.Description
			}
			continue
		}
		idx[ev.Fingerprint] = len(out)
		out = append(out, ev)
	}
	return out
}

func mergeDay(entries []RawEntry) []CanonicalEvent {
	var absences, works, activities []RawEntry
	for _, e := range entries {
		switch e.Kind {
		case KindAbsence:
			absences = append(absences, e)
		case KindWork:
			works = append(works, e)
		case KindActivity:
			activities = append(activities, e)
		}
	}

	merged := mergeAbsences(absences)
	cuts := make([]span, len(merged))
	for i, a := range merged {
		cuts[i] = a.span
	}

	var out []CanonicalEvent
	for _, a := range merged {
		out = append(out, canonical(KindAbsence, a.span, a.allDay, joinLabels(a.labels), a.description))
	}
	for _, w := range works {
		out = append(out, truncateBy(w, cuts)...)
	}
	for _, a := range activities {
		out = append(out, truncateBy(a, cuts)...)
	}

	sortCanonical(out)
	return out
}

// mergeAbsences unions overlapping or contiguous absence intervals into
// one, concatenating labels. Overlapping absences are a defined edge
// case, not an error.
func mergeAbsences(absences []RawEntry) []mergedAbsence {
	if len(absences) == 0 {
		return nil
	}
	sorted := make([]RawEntry, len(absences))
	copy(sorted, absences)
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := entrySpan(sorted[i]), entrySpan(sorted[j])
		if !si.start.Equal(sj.start) {
			return si.start.Before(sj.start)
		}
		if !si.end.Equal(sj.end) {
			return si.end.Before(sj.end)
		}
		return sorted[i].Label < sorted[j].Label
	})

	var out []mergedAbsence
	for _, a := range sorted {
		sp := entrySpan(a)
		if sp.empty() {
			continue
		}
		if len(out) > 0 && !sp.start.After(out[len(out)-1].span.end) {
			cur := &out[len(out)-1]
			if sp.end.After(cur.span.end) {
				cur.span.end = sp.end
			}
			cur.allDay = cur.allDay && a.AllDay
			cur.labels = appendLabel(cur.labels, a.Label)
			if cur.description == "" {
				cur.description = a.Description
			}
			continue
		}
		out = append(out, mergedAbsence{
			span:        sp,
			allDay:      a.AllDay,
			labels:      []string{a.Label},
			description: a.Description,
		})
	}
	return out
}

// truncateBy subtracts every overlapping absence interval from the
// entry. Full coverage drops it, a mid-interval absence splits it in
// two, and degenerate zero-length leftovers are discarded.
func truncateBy(e RawEntry, cuts []span) []CanonicalEvent {
	base := entrySpan(e)
	if base.empty() {
		return nil
	}
	remains := []span{base}
	for _, cut := range cuts {
		var next []span
		for _, r := range remains {
			next = append(next, subtract(r, cut)...)
		}
		remains = next
	}

	out := make([]CanonicalEvent, 0, len(remains))
	for _, r := range remains {
		allDay := e.AllDay && r.start.Equal(base.start) && r.end.Equal(base.end)
		out = append(out, canonical(e.Kind, r, allDay, e.Label, e.Description))
	}
	return out
}

func subtract(base, cut span) []span {
	if !base.overlaps(cut) {
		return []span{base}
	}
	var out []span
	if cut.start.After(base.start) {
		out = append(out, span{start: base.start, end: cut.start})
	}
	if cut.end.Before(base.end) {
		out = append(out, span{start: cut.end, end: base.end})
	}
	return out
}

func canonical(kind EventKind, sp span, allDay bool, label, description string) CanonicalEvent {
	return CanonicalEvent{
		Fingerprint: Fingerprint(kind, sp.start, sp.end, label),
		Kind:        kind,
		StartTime:   sp.start,
		EndTime:     sp.end,
		AllDay:      allDay,
		Label:       label,
		Description: description,
	}
}

func sortCanonical(events []CanonicalEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		if events[i].Kind != events[j].Kind {
			return events[i].Kind < events[j].Kind
		}
		if events[i].Label != events[j].Label {
			return events[i].Label < events[j].Label
		}
		return events[i].EndTime.Before(events[j].EndTime)
	})
}

func appendLabel(labels []string, label string) []string {
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}

func joinLabels(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	out := labels[0]
	for _, l := range labels[1:] {
		out += " / " + l
	}
	return out
}
