package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sicko7947/hubflow"
)

// Start launches the worker pool. Workers poll for claimable runs every
// PollInterval and whenever a run is created through this engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine already started")
	}

	workers := e.config.Workers
	if workers <= 0 {
		workers = DefaultEngineConfig.Workers
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.quit = make(chan struct{})
	e.running = true
	e.draining.Store(false)

	jobs := make(chan string)
	inflight := &sync.Map{}
	quit := e.quit

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(jobs)
		e.dispatch(ctx, quit, jobs, inflight)
	}()

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.work(ctx, id, jobs, inflight)
		}(i)
	}

	e.logger.Info().
		Int("workers", workers).
		Str("owner", e.owner).
		Msg("Engine started")
	return nil
}

// Stop drains the pool: workers finish their current step, release their
// leases and exit. Stop returns when all workers are gone or ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.draining.Store(true)
	cancel := e.cancel
	quit := e.quit
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	// Stop dispatching; in-flight runs stop at their next step boundary
	close(quit)

	select {
	case <-done:
		cancel()
		e.logger.Info().Msg("Engine stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// Running reports whether the worker pool is started
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ActiveRuns returns the number of runs being driven right now
func (e *Engine) ActiveRuns() int {
	return int(e.active.Load())
}

func (e *Engine) dispatch(ctx context.Context, quit <-chan struct{}, jobs chan<- string, inflight *sync.Map) {
	interval := e.config.PollInterval
	if interval <= 0 {
		interval = DefaultEngineConfig.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runs, err := e.store.ListClaimable(ctx, e.now(), e.config.ClaimBatch)
		if err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Failed to list claimable runs")
		}

		for _, run := range runs {
			if _, busy := inflight.LoadOrStore(run.RunID, struct{}{}); busy {
				continue
			}
			select {
			case jobs <- run.RunID:
			case <-quit:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *Engine) work(ctx context.Context, id int, jobs <-chan string, inflight *sync.Map) {
	logger := e.logger.With().Int("worker", id).Logger()

	for runID := range jobs {
		run, err := e.Process(ctx, runID)
		inflight.Delete(runID)

		switch {
		case err == nil:
			if run != nil && run.Status == hubflow.RunStatusWaitingRetry {
				logger.Debug().Str("run_id", runID).Msg("Run parked until next attempt")
			}
		case errors.Is(err, hubflow.ErrLeaseConflict), errors.Is(err, context.Canceled):
		default:
			logger.Error().Err(err).Str("run_id", runID).Msg("Run processing stopped")
		}
	}
}
