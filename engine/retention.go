package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
)

// DefaultRetentionSchedule runs the sweep hourly
const DefaultRetentionSchedule = "@hourly"

// Retention deletes terminal runs, with their step executions, once they are
// older than the retention period
type Retention struct {
	store  hubflow.Store
	period time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetention creates a sweeper for runs completed more than period ago
func NewRetention(store hubflow.Store, period time.Duration, logger zerolog.Logger) *Retention {
	return &Retention{
		store:  store,
		period: period,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

// Sweep deletes expired runs once and returns how many were removed
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.period)
	runs, err := r.store.ListRuns(ctx, hubflow.RunFilter{CompletedBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired runs: %w", err)
	}

	deleted := 0
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			continue
		}
		if err := r.store.DeleteRun(ctx, run.RunID); err != nil {
			if hubflow.IsNotFound(err) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete run %s: %w", run.RunID, err)
		}
		deleted++
	}

	if deleted > 0 {
		r.logger.Info().
			Int("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Expired runs deleted")
	}
	return deleted, nil
}

// Start schedules Sweep with a cron spec such as "@hourly" or "0 3 * * *"
func (r *Retention) Start(ctx context.Context, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("retention already started")
	}

	logger := cronLogger{r.logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}

	c.Start()
	r.cron = c
	r.logger.Info().
		Str("schedule", spec).
		Dur("period", r.period).
		Msg("Retention scheduled")
	return nil
}

// Stop halts scheduling and waits for a running sweep
func (r *Retention) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger routes cron's own logging through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
