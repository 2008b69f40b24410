package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// RunSummary reports one resync pass.
type RunSummary struct {
	Tenants   int           `json:"tenants"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// ResyncAll syncs every tenant that has a billing customer, at most
// concurrency at a time. A failing tenant is logged and counted; it does not
// stop the pass.
func (r *Reconciler) ResyncAll(ctx context.Context, concurrency int) (*RunSummary, error) {
	start := r.now()
	tenants, err := r.directory.TenantsWithCustomer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list billed tenants: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	var synced, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := r.SyncFromExternal(ctx, tenantID); err != nil {
				failed.Add(1)
				r.logger.Warn("resync failed", "tenant_id", tenantID, "error", err)
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	sum := &RunSummary{
		Tenants:   len(tenants),
		Synced:    int(synced.Load()),
		Failed:    int(failed.Load()),
		StartedAt: start,
		Duration:  r.now().Sub(start),
	}
	resyncDuration.Observe(sum.Duration.Seconds())
	resyncFailed.Set(float64(sum.Failed))
	resyncLastRun.Set(float64(r.now().Unix()))
	return sum, ctx.Err()
}

// Scheduler runs ResyncAll on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	rec         *Reconciler
	concurrency int
	logger      *slog.Logger
	cron        *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	mu   sync.Mutex
	last *RunSummary
}

// NewScheduler parses a standard five-field cron spec ("0 3 * * *"),
// evaluated in UTC.
func NewScheduler(rec *Reconciler, schedule string, concurrency int, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		rec:         rec,
		concurrency: concurrency,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(schedule, func() { s.safeRun(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("resync scheduler started")
}

// Stop halts the schedule and cancels a run in progress. The returned
// context is done once the running job has returned.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// Next returns when the schedule fires next after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(t.In(time.UTC))
}

// Running reports whether a resync pass is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastRun returns the most recent completed pass, or nil.
func (s *Scheduler) LastRun() *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunNow performs a pass synchronously, e.g. from the admin endpoint.
func (s *Scheduler) RunNow(ctx context.Context) (*RunSummary, error) {
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (*RunSummary, error) {
	s.running.Store(true)
	defer s.running.Store(false)

	sum, err := s.rec.ResyncAll(ctx, s.concurrency)
	if sum != nil {
		s.mu.Lock()
		s.last = sum
		s.mu.Unlock()
		s.logger.Info("resync completed",
			"tenants", sum.Tenants, "synced", sum.Synced, "failed", sum.Failed,
			"duration_ms", sum.Duration.Milliseconds())
	}
	return sum, err
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in resync scheduler", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := s.run(ctx); err != nil {
		s.logger.Warn("resync run failed", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
