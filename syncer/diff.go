package syncer

import (
	"sort"
	"time"
)

// Change is one detected transition between the prior and the new
// canonical set. CREATED carries After only, DELETED carries Before
// only, MODIFIED carries both snapshots.
type Change struct {
	Kind   ChangeKind
	Before *CanonicalEvent
	After  *CanonicalEvent
}

// DiffEvents computes the delta between the prior and new canonical
// sets for one window. Deletion is derived from set difference by
// fingerprint, never from tombstones. CREATED/DELETED pairs that occupy
// the same or a closely overlapping slot with the same kind are folded
// into a single MODIFIED change. CREATED changes whose start falls
// inside the guard band at the window's far edge are suppressed: the
// same future event would be "created" again on every ingest purely
// because the window slid forward.
func DiffEvents(prior, current []CanonicalEvent, windowEnd time.Time, guardBand time.Duration) []Change {
	priorByFP := make(map[string]CanonicalEvent, len(prior))
	for _, ev := range prior {
		priorByFP[ev.Fingerprint] = ev
	}
	currentByFP := make(map[string]CanonicalEvent, len(current))
	for _, ev := range current {
		currentByFP[ev.Fingerprint] = ev
	}

	var created, deleted []CanonicalEvent
	for _, ev := range current {
		if _, ok := priorByFP[ev.Fingerprint]; !ok {
			created = append(created, ev)
		}
	}
	for _, ev := range prior {
		if _, ok := currentByFP[ev.Fingerprint]; !ok {
			deleted = append(deleted, ev)
		}
	}
	sortCanonical(created)
	sortCanonical(deleted)

	pairs := pairModified(deleted, created)

	guardStart := windowEnd.Add(-guardBand)
	var changes []Change
	for _, p := range pairs {
		before, after := p.before, p.after
		changes = append(changes, Change{Kind: ChangeModified, Before: &before, After: &after})
	}
	for i := range created {
		if pairedCreated(pairs, created[i].Fingerprint) {
			continue
		}
		if guardBand > 0 && !created[i].StartTime.Before(guardStart) {
			continue
		}
		ev := created[i]
		changes = append(changes, Change{Kind: ChangeCreated, After: &ev})
	}
	for i := range deleted {
		if pairedDeleted(pairs, deleted[i].Fingerprint) {
			continue
		}
		ev := deleted[i]
		changes = append(changes, Change{Kind: ChangeDeleted, Before: &ev})
	}

	sort.SliceStable(changes, func(i, j int) bool {
		ti, tj := changeTime(changes[i]), changeTime(changes[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return changes[i].Kind < changes[j].Kind
	})
	return changes
}

type modifiedPair struct {
	before CanonicalEvent
	after  CanonicalEvent
}

// pairModified folds CREATED+DELETED pairs into MODIFIED changes.
// Eligible pairs have the same kind and either share an endpoint or
// overlap by more than half of the shorter interval. Candidates are
// ranked globally by start-time proximity and assigned greedily, which
// keeps the pairing independent of input order. The closest-start-time
// tie-break is a heuristic, not observed behavior.
func pairModified(deleted, created []CanonicalEvent) []modifiedPair {
	type candidate struct {
		di, ci   int
		distance time.Duration
	}
	var candidates []candidate
	for di, d := range deleted {
		for ci, c := range created {
			if d.Kind != c.Kind {
				continue
			}
			if !slotRelated(d, c) {
				continue
			}
			dist := d.StartTime.Sub(c.StartTime)
			if dist < 0 {
				dist = -dist
			}
			candidates = append(candidates, candidate{di: di, ci: ci, distance: dist})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if deleted[a.di].Fingerprint != deleted[b.di].Fingerprint {
			return deleted[a.di].Fingerprint < deleted[b.di].Fingerprint
		}
		return created[a.ci].Fingerprint < created[b.ci].Fingerprint
	})

	usedDeleted := make(map[int]bool)
	usedCreated := make(map[int]bool)
	var pairs []modifiedPair
	for _, c := range candidates {
		if usedDeleted[c.di] || usedCreated[c.ci] {
			continue
		}
		usedDeleted[c.di] = true
		usedCreated[c.ci] = true
		pairs = append(pairs, modifiedPair{before: deleted[c.di], after: created[c.ci]})
	}
	return pairs
}

func slotRelated(a, b CanonicalEvent) bool {
	if a.StartTime.Equal(b.StartTime) || a.EndTime.Equal(b.EndTime) {
		return true
	}
	overlapStart := maxTime(a.StartTime, b.StartTime)
	overlapEnd := minTime(a.EndTime, b.EndTime)
	if !overlapEnd.After(overlapStart) {
		return false
	}
	overlap := overlapEnd.Sub(overlapStart)
	shorter := a.EndTime.Sub(a.StartTime)
	if d := b.EndTime.Sub(b.StartTime); d < shorter {
		shorter = d
	}
	return shorter > 0 && overlap*2 > shorter
}

func pairedCreated(pairs []modifiedPair, fingerprint string) bool {
	for _, p := range pairs {
		if p.after.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func pairedDeleted(pairs []modifiedPair, fingerprint string) bool {
	for _, p := range pairs {
		if p.before.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func changeTime(c Change) time.Time {
	if c.After != nil {
		return c.After.StartTime
	}
	if c.Before != nil {
		return c.Before.StartTime
	}
	return time.Time{}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
