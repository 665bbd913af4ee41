package syncer

import (
	"context"
	"errors"
	"log"
	"time"
)

// ErrEntryNotFound is returned by CalendarClient implementations when
// the remote entry no longer exists. The projector treats it as already
// converged.
var ErrEntryNotFound = errors.New("calendar entry not found")

// CalendarClient is the remote calendar collaborator. Calls may fail
// transiently; the projector retries each with the same idempotency key
// (the fingerprint-derived external ID) before giving up on that item.
type CalendarClient interface {
	CreateEntry(ctx context.Context, ev CanonicalEvent) (string, error)
	UpdateEntry(ctx context.Context, externalID string, ev CanonicalEvent) error
	DeleteEntry(ctx context.Context, externalID string) error
}

type Projector struct {
	store    *Store
	calendar CalendarClient
	retries  int
	backoff  time.Duration
	debug    bool
}

func NewProjector(store *Store, calendar CalendarClient, retries int, backoff time.Duration, debug bool) *Projector {
	if retries <= 0 {
		retries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Projector{store: store, calendar: calendar, retries: retries, backoff: backoff, debug: debug}
}

type ProjectStats struct {
	Created int
	Updated int
	Deleted int
	Skipped int
	Failed  int
}

func (s ProjectStats) Writes() int {
	return s.Created + s.Updated + s.Deleted
}

// Run projects the given canonical events (the future portion of the
// window) onto the remote calendar. Every decision is keyed by content
// hash comparison against the sync-mapping table, never by "did we
// already run this", so a pass interrupted at any point converges on
// re-run without duplicating or losing entries. A mapping row is only
// written after the corresponding remote write succeeded. Per-item
// failures are counted and left pending for the next pass.
func (p *Projector) Run(ctx context.Context, events []CanonicalEvent) (ProjectStats, error) {
	var stats ProjectStats

	mappings, err := p.store.Mappings()
	if err != nil {
		return stats, err
	}
	byFP := make(map[string]SyncMapping, len(mappings))
	for _, m := range mappings {
		byFP[m.Fingerprint] = m
	}

	live := make(map[string]bool, len(events))
	for _, ev := range events {
		live[ev.Fingerprint] = true
		hash := ContentHash(ev)
		m, ok := byFP[ev.Fingerprint]
		switch {
		case !ok:
			externalID, cerr := p.withRetry(ctx, func() (string, error) {
				return p.calendar.CreateEntry(ctx, ev)
			})
			if cerr != nil {
				p.debugf("create failed fingerprint=%s err=%v", ev.Fingerprint, cerr)
				stats.Failed++
				continue
			}
			if err := p.store.UpsertMapping(ev.Fingerprint, externalID, hash, time.Now().UTC()); err != nil {
				return stats, err
			}
			stats.Created++
		case m.PushedContentHash != hash:
			_, uerr := p.withRetry(ctx, func() (string, error) {
				return m.ExternalID, p.calendar.UpdateEntry(ctx, m.ExternalID, ev)
			})
			if uerr != nil {
				p.debugf("update failed fingerprint=%s err=%v", ev.Fingerprint, uerr)
				stats.Failed++
				continue
			}
			if err := p.store.UpsertMapping(ev.Fingerprint, m.ExternalID, hash, time.Now().UTC()); err != nil {
				return stats, err
			}
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	for _, m := range mappings {
		if live[m.Fingerprint] {
			continue
		}
		_, derr := p.withRetry(ctx, func() (string, error) {
			err := p.calendar.DeleteEntry(ctx, m.ExternalID)
			if errors.Is(err, ErrEntryNotFound) {
				return "", nil
			}
			return "", err
		})
		if derr != nil {
			p.debugf("delete failed fingerprint=%s err=%v", m.Fingerprint, derr)
			stats.Failed++
			continue
		}
		if err := p.store.DeleteMapping(m.Fingerprint); err != nil {
			return stats, err
		}
		stats.Deleted++
	}

	return stats, nil
}

func (p *Projector) withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (p *Projector) debugf(format string, args ...any) {
	if p == nil || !p.debug {
		return
	}
	log.Printf(format, args...)
}
