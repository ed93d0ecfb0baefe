// File: internal/infra/sched/jobs.go
package sched

import (
	"context"
	"time"

	"email-triage-pipeline/internal/config"
	"email-triage-pipeline/internal/usecase"
)

// maxJobsPerFlushTick bounds a single flush tick when the pool is deep
// enough for several jobs (the ceiling trigger re-fires after each drain).
const maxJobsPerFlushTick = 5

// NewAnalysisDriverJob advances items waiting at a layer boundary: spam gate
// calls run directly, L1/L2 calls land in the batch queue.
func NewAnalysisDriverJob(analysisUC usecase.AnalysisUseCase, cfg config.BatchConfig) Job {
	return Job{
		Name:     "analysis_driver",
		Interval: cfg.FlushInterval,
		Timeout:  cfg.FlushInterval * 2,
		Fn: func(ctx context.Context) error {
			return analysisUC.ProcessNew(ctx)
		},
	}
}

// NewQueueFlusherJob turns the accumulated request pool into submitted jobs.
func NewQueueFlusherJob(batchUC usecase.BatchJobUseCase, cfg config.BatchConfig) Job {
	return Job{
		Name:     "queue_flusher",
		Interval: cfg.FlushInterval,
		Timeout:  cfg.FlushInterval * 2,
		Fn: func(ctx context.Context) error {
			for i := 0; i < maxJobsPerFlushTick; i++ {
				job, err := batchUC.FlushQueue(ctx)
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
			}
			return nil
		},
	}
}

// NewJobPollerJob tracks open provider jobs and reconciles finished ones.
func NewJobPollerJob(batchUC usecase.BatchJobUseCase, cfg config.BatchConfig) Job {
	return Job{
		Name:     "job_poller",
		Interval: cfg.PollInterval,
		Timeout:  10 * time.Minute,
		Fn: func(ctx context.Context) error {
			return batchUC.PollOpenJobs(ctx)
		},
	}
}

// NewBacklogSweeperJob re-drives stale items synchronously.
func NewBacklogSweeperJob(analysisUC usecase.AnalysisUseCase, cfg config.AnalysisConfig) Job {
	return Job{
		Name:     "backlog_sweeper",
		Interval: cfg.SweepInterval,
		Timeout:  30 * time.Minute,
		Fn: func(ctx context.Context) error {
			_, err := analysisUC.ProcessBacklog(ctx)
			return err
		},
	}
}
