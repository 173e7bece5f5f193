// Package scheduler drives the per-setup poll cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/ingest"
	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/internal/storage"
)

// ErrCycleInProgress is returned by TriggerNow when the setup's cycle is
// already running; cycles for one setup never overlap.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// ErrUnknownSetup is returned by TriggerNow for an unconfigured setup id.
var ErrUnknownSetup = errors.New("unknown setup")

// Alerter posts a new alert for an item and persists its view state.
type Alerter interface {
	PostAlert(ctx context.Context, setup config.Setup, item model.ReportedItem) error
}

// CycleResult summarizes one completed poll cycle.
type CycleResult struct {
	Fetched               int
	Alerted               int
	DroppedOld            int
	DroppedBelowThreshold int
	DispatchFailures      int
}

// SetupStatus is a point-in-time health snapshot of one setup's polling.
type SetupStatus struct {
	SetupID     string
	Subreddit   string
	LastSuccess time.Time
	LastError   string
	OpenAlerts  int
}

type runner struct {
	setup    config.Setup
	ingester *ingest.Ingester

	// cycleMu serializes cycles for this setup. Held for the whole cycle.
	cycleMu sync.Mutex

	statMu      sync.Mutex
	lastSuccess time.Time
	lastErr     error
}

// Scheduler runs one poll loop per configured setup.
type Scheduler struct {
	store   storage.Storage
	alerter Alerter
	log     *slog.Logger
	viewTTL time.Duration
	runners map[string]*runner
	order   []string
}

// New creates a Scheduler for the given setups. Sources maps setup id to
// that setup's report source.
func New(store storage.Storage, alerter Alerter, sources map[string]ingest.ReportSource,
	setups []config.Setup, viewTTL time.Duration, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		store:   store,
		alerter: alerter,
		log:     log,
		viewTTL: viewTTL,
		runners: make(map[string]*runner, len(setups)),
	}
	for _, setup := range setups {
		s.runners[setup.SetupID] = &runner{
			setup:    setup,
			ingester: ingest.New(sources[setup.SetupID], setup),
		}
		s.order = append(s.order, setup.SetupID)
	}
	return s
}

// Run starts one poll loop per setup and blocks until ctx is cancelled.
// Each loop runs a cycle immediately, then on every tick of the setup's
// poll interval.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range s.order {
		r := s.runners[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, r)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, r *runner) {
	s.runCycle(ctx, r)

	ticker := time.NewTicker(r.setup.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, r)
		}
	}
}

// runCycle runs one cycle under the setup's single-flight lock. A tick that
// arrives while the previous cycle is still running is dropped, not queued.
func (s *Scheduler) runCycle(ctx context.Context, r *runner) {
	if !r.cycleMu.TryLock() {
		s.log.Warn("skipping poll tick, previous cycle still running",
			"setup", r.setup.SetupID)
		return
	}
	defer r.cycleMu.Unlock()

	res, err := s.cycle(ctx, r)

	r.statMu.Lock()
	if err != nil {
		r.lastErr = err
	} else {
		r.lastErr = nil
		r.lastSuccess = time.Now().UTC()
	}
	r.statMu.Unlock()

	switch {
	case err != nil && ctx.Err() == nil:
		s.log.Error("poll cycle failed", "setup", r.setup.SetupID, "error", err)
	case err == nil && res.Alerted > 0:
		s.log.Info("poll cycle complete", "setup", r.setup.SetupID,
			"fetched", res.Fetched, "alerted", res.Alerted,
			"dropped_old", res.DroppedOld,
			"dropped_below_threshold", res.DroppedBelowThreshold)
	}
}

// TriggerNow runs one cycle for the setup immediately, off-schedule. It
// fails fast instead of queueing when a cycle is already running.
func (s *Scheduler) TriggerNow(ctx context.Context, setupID string) (*CycleResult, error) {
	r, ok := s.runners[setupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSetup, setupID)
	}
	if !r.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer r.cycleMu.Unlock()

	res, err := s.cycle(ctx, r)

	r.statMu.Lock()
	if err != nil {
		r.lastErr = err
	} else {
		r.lastErr = nil
		r.lastSuccess = time.Now().UTC()
	}
	r.statMu.Unlock()

	return res, err
}

func (s *Scheduler) cycle(ctx context.Context, r *runner) (*CycleResult, error) {
	s.maintain(ctx, r)

	batch, err := r.ingester.Collect(ctx)
	if err != nil {
		return nil, err
	}

	res := &CycleResult{
		Fetched:               batch.Fetched,
		DroppedOld:            batch.DroppedOld,
		DroppedBelowThreshold: batch.DroppedBelowThreshold,
	}
	for _, item := range batch.Items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		alert, err := s.store.ShouldAlert(ctx, r.setup.SetupID, item)
		if err != nil {
			return res, fmt.Errorf("dedupe check %s: %w", item.Fullname, err)
		}
		if !alert {
			continue
		}
		if err := s.alerter.PostAlert(ctx, r.setup, item); err != nil {
			// The dedupe record stays dispatchable, so the next cycle
			// retries this item.
			res.DispatchFailures++
			s.log.Error("post alert", "setup", r.setup.SetupID,
				"fullname", item.Fullname, "error", err)
			continue
		}
		res.Alerted++
	}
	return res, nil
}

// maintain prunes aged dedupe records and expired alert views. Dedupe
// records live exactly as long as the item-age limit, independent of the
// view TTL. Failures are logged and do not fail the cycle.
func (s *Scheduler) maintain(ctx context.Context, r *runner) {
	if n, err := s.store.PruneDedupe(ctx, r.setup.SetupID, r.setup.MaxItemAge); err != nil {
		s.log.Warn("prune dedupe records", "setup", r.setup.SetupID, "error", err)
	} else if n > 0 {
		s.log.Debug("pruned dedupe records", "setup", r.setup.SetupID, "count", n)
	}

	if n, err := s.store.EvictExpiredAlerts(ctx, s.viewTTL); err != nil {
		s.log.Warn("evict expired alerts", "error", err)
	} else if n > 0 {
		s.log.Debug("evicted expired alerts", "count", n)
	}
}

// Status reports a snapshot for every setup, in configuration order.
func (s *Scheduler) Status(ctx context.Context) []SetupStatus {
	statuses := make([]SetupStatus, 0, len(s.order))
	for _, id := range s.order {
		r := s.runners[id]

		r.statMu.Lock()
		st := SetupStatus{
			SetupID:     id,
			Subreddit:   r.setup.Subreddit,
			LastSuccess: r.lastSuccess,
		}
		if r.lastErr != nil {
			st.LastError = r.lastErr.Error()
		}
		r.statMu.Unlock()

		open, err := s.store.CountOpenAlerts(ctx, id)
		if err != nil {
			s.log.Warn("count open alerts", "setup", id, "error", err)
		} else {
			st.OpenAlerts = open
		}
		statuses = append(statuses, st)
	}
	return statuses
}
