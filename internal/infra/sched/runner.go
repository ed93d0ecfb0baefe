// File: internal/infra/sched/runner.go
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/infra/redis"
	"email-triage-pipeline/internal/infra/worker"
)

// Job is one periodic maintenance task. Every tick runs under a Redis leader
// lock keyed by Name, so replicas of the service never execute the same job
// concurrently: the loser of the lock race skips its tick.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// Runner drives its jobs on tickers and executes each tick on a shared
// worker pool.
type Runner struct {
	pool *worker.Pool
	lock redis.Locker
	log  *zerolog.Logger
	jobs []Job

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(pool *worker.Pool, lock redis.Locker, logger *zerolog.Logger) *Runner {
	runLog := logger.With().Str("component", "SchedRunner").Logger()
	return &Runner{pool: pool, lock: lock, log: &runLog, done: make(chan struct{})}
}

func (r *Runner) Add(jobs ...Job) {
	r.jobs = append(r.jobs, jobs...)
}

// Start launches one ticker loop per job. Calling Start twice has no effect.
func (r *Runner) Start(parentCtx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	r.cancel = cancel

	running := make(chan struct{}, len(r.jobs))
	for _, job := range r.jobs {
		job := job
		go func() {
			defer func() { running <- struct{}{} }()
			r.loop(ctx, job)
		}()
	}
	go func() {
		for range r.jobs {
			<-running
		}
		close(r.done)
	}()
	r.log.Info().Int("jobs", len(r.jobs)).Msg("scheduler started")
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, job)
		}
	}
}

func (r *Runner) tick(ctx context.Context, job Job) {
	err := r.pool.Submit(func(ctx context.Context) error {
		lockKey := "sched:lock:" + job.Name
		token, err := r.lock.TryLock(ctx, lockKey, job.Timeout)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			r.log.Debug().Str("job", job.Name).Msg("tick skipped, another run holds the lock")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := r.lock.Unlock(ctx, lockKey, token); err != nil {
				r.log.Warn().Err(err).Str("job", job.Name).Msg("lock release failed, ttl will expire it")
			}
		}()

		runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
		defer cancel()
		if err := job.Fn(runCtx); err != nil {
			r.log.Error().Err(err).Str("job", job.Name).Msg("job tick failed")
		}
		return nil
	})
	if err != nil {
		r.log.Warn().Err(err).Str("job", job.Name).Msg("tick dropped, pool saturated")
	}
}

// Stop cancels all loops and waits for them to exit. Tasks already submitted
// to the pool finish on the pool's own shutdown.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.log.Info().Msg("scheduler stopped")
}
