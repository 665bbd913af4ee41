package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const settingLastFetch = "last_fetch_at"

type RunnerConfig struct {
	DaysPast  int
	DaysAhead int
	// GuardBand is the margin at the far edge of the window inside
	// which newly visible events are not reported as CREATED.
	GuardBand time.Duration
	// Timeout bounds one phase invocation. A timed-out phase is
	// recorded as FAILED and retried on its next tick.
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	// Retention for notified change records and long-past events.
	ChangeRetentionDays int
	EventRetentionDays  int
	Timezone            *time.Location
	Debug               bool
}

func (c *RunnerConfig) normalize() {
	if c.DaysPast <= 0 {
		c.DaysPast = 7
	}
	if c.DaysAhead <= 0 {
		c.DaysAhead = 90
	}
	if c.GuardBand <= 0 {
		c.GuardBand = 24 * time.Hour
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.ChangeRetentionDays <= 0 {
		c.ChangeRetentionDays = 30
	}
	if c.EventRetentionDays <= 0 {
		c.EventRetentionDays = 730
	}
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
}

// Runner owns the three phases. Phases communicate only through the
// store; none of them blocks waiting for another, and a phase always
// operates against the last successfully stored state of its upstream.
type Runner struct {
	cfg      RunnerConfig
	store    *Store
	source   ScheduleSource
	calendar CalendarClient
	sender   NotificationSender

	ingestMu  sync.Mutex
	projectMu sync.Mutex
	notifyMu  sync.Mutex
}

func NewRunner(cfg RunnerConfig, store *Store, source ScheduleSource, calendar CalendarClient, sender NotificationSender) *Runner {
	cfg.normalize()
	return &Runner{cfg: cfg, store: store, source: source, calendar: calendar, sender: sender}
}

// RunIngest fetches the raw schedule for the window, merges it into the
// canonical set, diffs against the prior snapshot and atomically swaps
// the window. A source failure abandons the pass and the prior state is
// left untouched.
func (r *Runner) RunIngest() error {
	return r.runPhase(JobIngest, &r.ingestMu, func(ctx context.Context) (int, error) {
		now := time.Now().In(r.cfg.Timezone)
		from := startOfDay(now.AddDate(0, 0, -r.cfg.DaysPast))
		to := startOfDay(now.AddDate(0, 0, r.cfg.DaysAhead+1))

		entries, err := r.source.FetchEntries(ctx, from, to)
		if err != nil {
			return 0, fmt.Errorf("source unavailable: %w", err)
		}
		events := clampToWindow(MergeEntries(entries), from, to)

		hasSnapshot, err := r.store.HasSnapshot()
		if err != nil {
			return 0, err
		}
		var changes []Change
		if hasSnapshot {
			prior, err := r.store.CanonicalInWindow(from, to)
			if err != nil {
				return 0, err
			}
			changes = DiffEvents(prior, events, to, r.cfg.GuardBand)
		}

		if err := r.store.ReplaceCanonicalWindow(from, to, events, changes, time.Now().UTC()); err != nil {
			return 0, err
		}
		if err := r.store.SetSetting(settingLastFetch, now.UTC().Format(time.RFC3339)); err != nil {
			return 0, err
		}

		r.pruneRetention(now)

		r.debugf("ingest done: entries=%d events=%d changes=%d window=[%s,%s)",
			len(entries), len(events), len(changes), from.Format("2006-01-02"), to.Format("2006-01-02"))
		return len(events), nil
	})
}

// RunProject projects the future portion of the canonical set onto the
// remote calendar. Per-item failures leave those items pending for the
// next pass; they fail this run without blocking the rest of it.
func (r *Runner) RunProject() error {
	return r.runPhase(JobProject, &r.projectMu, func(ctx context.Context) (int, error) {
		now := time.Now().In(r.cfg.Timezone)
		to := startOfDay(now.AddDate(0, 0, r.cfg.DaysAhead+1))

		events, err := r.store.CanonicalInWindow(now, to)
		if err != nil {
			return 0, err
		}

		projector := NewProjector(r.store, r.calendar, r.cfg.Retries, r.cfg.Backoff, r.cfg.Debug)
		stats, err := projector.Run(ctx, events)
		if err != nil {
			return stats.Writes(), err
		}
		r.debugf("project done: created=%d updated=%d deleted=%d skipped=%d failed=%d",
			stats.Created, stats.Updated, stats.Deleted, stats.Skipped, stats.Failed)
		if stats.Failed > 0 {
			return stats.Writes(), fmt.Errorf("%d entries still pending after retries", stats.Failed)
		}
		return stats.Writes(), nil
	})
}

// RunNotify delivers pending change records. Failed sends stay
// unnotified for the next run.
func (r *Runner) RunNotify() error {
	return r.runPhase(JobNotify, &r.notifyMu, func(ctx context.Context) (int, error) {
		dispatcher := NewDispatcher(r.store, r.sender, r.cfg.Retries, r.cfg.Backoff, r.cfg.Debug)
		stats, err := dispatcher.Run(ctx)
		if err != nil {
			return stats.Sent, err
		}
		r.debugf("notify done: sent=%d failed=%d", stats.Sent, stats.Failed)
		if stats.Failed > 0 {
			return stats.Sent, fmt.Errorf("%d notifications still pending after retries", stats.Failed)
		}
		return stats.Sent, nil
	})
}

// pruneRetention drops notified change records and long-past events
// beyond their retention. Failures are logged, never fatal: retention
// is housekeeping and must not fail an otherwise good ingest.
func (r *Runner) pruneRetention(now time.Time) {
	if n, err := r.store.PruneChanges(now.AddDate(0, 0, -r.cfg.ChangeRetentionDays)); err != nil {
		log.Printf("prune change records: %v", err)
	} else if n > 0 {
		r.debugf("pruned %d notified change records", n)
	}
	if n, err := r.store.PruneEvents(now.AddDate(0, 0, -r.cfg.EventRetentionDays)); err != nil {
		log.Printf("prune events: %v", err)
	} else if n > 0 {
		r.debugf("pruned %d long-past events", n)
	}
}

// runPhase wraps one phase invocation with re-entrancy skipping, the
// phase timeout and the JobRun audit record. A failure here never
// touches state another phase consumes.
func (r *Runner) runPhase(name string, mu *sync.Mutex, fn func(ctx context.Context) (int, error)) error {
	if !mu.TryLock() {
		r.debugf("%s already running, skipping tick", name)
		return nil
	}
	defer mu.Unlock()

	ctx := context.Background()
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	runID, err := r.store.StartJobRun(name, time.Now().UTC())
	if err != nil {
		return err
	}

	count, runErr := fn(ctx)
	status := StatusSuccess
	errMsg := ""
	if runErr != nil {
		status = StatusFailed
		errMsg = runErr.Error()
		log.Printf("%s failed: %v", name, runErr)
	}
	if err := r.store.CompleteJobRun(runID, status, count, errMsg, time.Now().UTC()); err != nil {
		return err
	}
	return runErr
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

func clampToWindow(events []CanonicalEvent, from, to time.Time) []CanonicalEvent {
	out := events[:0]
	for _, ev := range events {
		if ev.StartTime.Before(from) || !ev.StartTime.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
