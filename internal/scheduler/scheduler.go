// Package scheduler drives the poll cycle: on every tick each tracked center is
// fetched, diffed against its seen slots and announced to its subscribers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"slot_bot/internal/diff"
	"slot_bot/internal/fetcher"
	"slot_bot/internal/model"
	"slot_bot/internal/notifier"
	"slot_bot/internal/storage"
)

// Fetcher retrieves the open slots of a center.
type Fetcher interface {
	Fetch(ctx context.Context, center model.Center) (model.Snapshot, error)
}

// Notifier announces new slots to subscribers.
type Notifier interface {
	Notify(ctx context.Context, center model.Center, res model.DiffResult, subs []model.Subscriber) notifier.Report
}

// Store is the persistence the pipeline needs.
type Store interface {
	storage.SeenStore
	storage.Locker
	SubscribersOf(ctx context.Context, centerID string) ([]model.Subscriber, error)
}

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	Schedule    string
	Workers     int
	Granularity model.Granularity
	// AtMostOnce marks slots seen before announcing them instead of after.
	AtMostOnce            bool
	PruneConfirmations    int
	PermanentFailureLimit int
	// AdminChatID receives permanent fetch failure alerts when non-zero.
	AdminChatID int64
	// LockTTL is the base lifetime of a center lock. It grows by the time
	// needed to message every subscriber at SendRate messages per second.
	LockTTL  time.Duration
	SendRate int
	// DrainTimeout bounds how long Run lets in-flight pipelines finish after
	// its context is cancelled.
	DrainTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Schedule == "" {
		o.Schedule = "@every 15s"
	}
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.Granularity == "" {
		o.Granularity = model.PerSlot
	}
	if o.PermanentFailureLimit < 1 {
		o.PermanentFailureLimit = 3
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Minute
	}
	if o.SendRate < 1 {
		o.SendRate = 20
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
}

// Outcome summarizes what happened to one center during a tick.
type Outcome string

// Pipeline outcomes.
const (
	OutcomeOK          Outcome = "ok"
	OutcomeIdle        Outcome = "idle"
	OutcomeLocked      Outcome = "locked"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeStoreFailed Outcome = "store_failed"
	OutcomePanicked    Outcome = "panicked"
	OutcomeCancelled   Outcome = "cancelled"
)

// CenterResult is the outcome of one center's pipeline.
type CenterResult struct {
	CenterID  string
	Outcome   Outcome
	New       int
	Delivered int
	Failed    int
	Err       error
}

// TickReport collects the per-center results of a tick.
type TickReport struct {
	ID      string
	Results []CenterResult
}

// Result returns the result for a center, if it was processed.
func (r TickReport) Result(centerID string) (CenterResult, bool) {
	for _, res := range r.Results {
		if res.CenterID == centerID {
			return res, true
		}
	}
	return CenterResult{}, false
}

// Scheduler periodically polls centers and announces new slots.
type Scheduler struct {
	centers      []model.Center
	store        Store
	fetcher      Fetcher
	notifier     Notifier
	alerts       notifier.Sender
	corroborator *diff.Corroborator
	opts         Options
	log          *slog.Logger
	now          func() time.Time

	running atomic.Bool

	mu       sync.Mutex
	failures map[string]int
	delisted map[string]bool
}

// New creates a Scheduler for the given centers. alerts may be nil.
func New(centers []model.Center, store Store, f Fetcher, n Notifier, alerts notifier.Sender, opts Options, log *slog.Logger) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		centers:      centers,
		store:        store,
		fetcher:      f,
		notifier:     n,
		alerts:       alerts,
		corroborator: diff.NewCorroborator(opts.PruneConfirmations),
		opts:         opts,
		log:          log,
		now:          time.Now,
		failures:     make(map[string]int),
		delisted:     make(map[string]bool),
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks once immediately and then on the configured schedule, blocking
// until ctx is cancelled. Once ctx is done no new pipeline starts, and the ones
// in flight get DrainTimeout to finish before their context is cancelled too.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	work, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	if _, err := c.AddFunc(s.opts.Schedule, func() { s.tick(ctx, work) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.opts.Schedule, err)
	}

	drained := make(chan struct{})
	defer close(drained)
	go func() {
		select {
		case <-ctx.Done():
		case <-drained:
			return
		}
		t := time.NewTimer(s.opts.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			s.log.Warn("drain timeout reached, aborting in-flight pipelines")
			abort()
		case <-drained:
		}
	}()

	s.tick(ctx, work)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Tick runs one poll cycle over every listed center. It reports false without
// doing anything when the previous tick is still in progress.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, bool) {
	return s.tick(ctx, ctx)
}

// tick admits centers while ctx is live and runs their pipelines under work.
func (s *Scheduler) tick(ctx, work context.Context) (TickReport, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("previous tick still running, skipping")
		return TickReport{}, false
	}
	defer s.running.Store(false)

	report := TickReport{ID: uuid.NewString()}
	log := s.log.With("tick", report.ID)
	centers := s.listed()
	report.Results = make([]CenterResult, len(centers))

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, c := range centers {
		g.Go(func() error {
			if ctx.Err() != nil {
				report.Results[i] = CenterResult{CenterID: c.ID, Outcome: OutcomeCancelled, Err: ctx.Err()}
				return nil
			}
			report.Results[i] = s.processCenter(work, log, c)
			return nil
		})
	}
	_ = g.Wait()

	log.Debug("tick finished", "centers", len(centers), "duration", time.Since(start))
	return report, true
}

// Delisted returns the IDs of centers no longer polled.
func (s *Scheduler) Delisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, c := range s.centers {
		if s.delisted[c.ID] {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (s *Scheduler) listed() []model.Center {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Center, 0, len(s.centers))
	for _, c := range s.centers {
		if !s.delisted[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scheduler) processCenter(ctx context.Context, log *slog.Logger, c model.Center) (res CenterResult) {
	res.CenterID = c.ID
	log = log.With("center", c.ID)
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomePanicked
			res.Err = fmt.Errorf("panic: %v", r)
			log.Error("pipeline panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	storeFailed := func(op string, err error) CenterResult {
		log.Error(op, "error", err)
		res.Outcome = OutcomeStoreFailed
		res.Err = fmt.Errorf("%s: %w", op, err)
		return res
	}

	subs, err := s.store.SubscribersOf(ctx, c.ID)
	if err != nil {
		return storeFailed("list subscribers", err)
	}
	if len(subs) == 0 {
		res.Outcome = OutcomeIdle
		return res
	}

	release, acquired, err := s.store.LockCenter(ctx, c.ID, s.lockTTL(len(subs)))
	if err != nil {
		return storeFailed("lock center", err)
	}
	if !acquired {
		log.Debug("center locked by another worker")
		res.Outcome = OutcomeLocked
		return res
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("release center lock", "error", err)
		}
	}()

	snap, err := s.fetcher.Fetch(ctx, c)
	if err != nil {
		s.fetchFailed(ctx, log, c, err)
		res.Outcome = OutcomeFetchFailed
		res.Err = err
		return res
	}
	s.fetchSucceeded(c.ID)

	seen, err := s.store.Seen(ctx, c.ID)
	if err != nil {
		return storeFailed("load seen slots", err)
	}

	now := s.now().In(c.Loc())
	d := diff.Diff(snap, seen, s.opts.Granularity, now)
	res.New = len(d.New)

	if !d.Empty() {
		log.Info("new slots", "count", len(d.New), "subscribers", len(subs))
		if s.opts.AtMostOnce {
			if err := s.store.MarkSeen(ctx, c.ID, d.NewKeys); err != nil {
				return storeFailed("mark seen", err)
			}
		}
		report := s.notifier.Notify(ctx, c, d, subs)
		res.Delivered = len(report.Delivered)
		res.Failed = len(report.Failed)
		switch {
		case s.opts.AtMostOnce:
		case report.Retryable():
			// Left unseen: the next tick announces them again.
			log.Warn("delivery incomplete, slots stay unseen",
				"delivered", res.Delivered, "failed", res.Failed)
		default:
			if err := s.store.MarkSeen(ctx, c.ID, d.NewKeys); err != nil {
				return storeFailed("mark seen", err)
			}
		}
	}

	s.prune(ctx, log, c.ID, snap, d, now)
	res.Outcome = OutcomeOK
	return res
}

// lockTTL returns how long a center lock must live to cover a pipeline that
// announces to subscribers chats.
func (s *Scheduler) lockTTL(subscribers int) time.Duration {
	sends := (subscribers + s.opts.SendRate - 1) / s.opts.SendRate
	return s.opts.LockTTL + time.Duration(sends)*time.Second
}

// prune drops seen keys once their disappearance has been corroborated. The
// cutoff never passes an expired key still waiting for confirmation.
func (s *Scheduler) prune(ctx context.Context, log *slog.Logger, centerID string, snap model.Snapshot, d model.DiffResult, now time.Time) {
	confirmed := s.corroborator.Confirm(centerID, d.Expired)
	if len(confirmed) == 0 {
		return
	}

	cutoff := diff.PruneCutoff(snap, now)
	ok := model.NewKeySet(confirmed...)
	for _, k := range d.Expired {
		if ok.Has(k) {
			continue
		}
		if day, valid := k.Date(now.Location()); valid && day.Before(cutoff) {
			cutoff = day
		}
	}

	n, err := s.store.Prune(ctx, centerID, cutoff)
	if err != nil {
		log.Warn("prune seen slots", "error", err)
		return
	}
	if n > 0 {
		log.Debug("pruned seen slots", "count", n, "before", cutoff.Format(model.DayLayout))
	}
}

func (s *Scheduler) fetchSucceeded(centerID string) {
	s.mu.Lock()
	delete(s.failures, centerID)
	s.mu.Unlock()
}

// fetchFailed logs a failed fetch. Permanent failures alert the operator and
// de-list the center once they happen PermanentFailureLimit times in a row;
// transient ones are retried on the next tick.
func (s *Scheduler) fetchFailed(ctx context.Context, log *slog.Logger, c model.Center, err error) {
	if fetcher.IsRetryable(err) {
		log.Warn("fetch failed, retrying next tick", "error", err)
		return
	}

	s.mu.Lock()
	s.failures[c.ID]++
	n := s.failures[c.ID]
	delist := n >= s.opts.PermanentFailureLimit
	if delist {
		s.delisted[c.ID] = true
	}
	s.mu.Unlock()

	log.Error("permanent fetch failure", "consecutive", n, "delisted", delist, "error", err)

	msg := fmt.Sprintf("Polling %s failed (%d in a row): %v", c.ID, n, err)
	if delist {
		msg += "\nThe center is no longer polled until restart."
	}
	s.alert(ctx, log, msg)
}

func (s *Scheduler) alert(ctx context.Context, log *slog.Logger, text string) {
	if s.alerts == nil || s.opts.AdminChatID == 0 {
		return
	}
	if err := s.alerts.SendMessage(ctx, s.opts.AdminChatID, text); err != nil {
		log.Warn("send operator alert", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
