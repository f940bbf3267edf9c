package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
)

// Job is a periodic task. Only one instance runs a given job at a time; the lease is
// named after the job.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// SweepJob wraps Service.Sweep as a Job.
func SweepJob(s *Service, interval time.Duration) Job {
	return Job{
		Name:     "donation-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}

// Scheduler runs jobs on tickers until its context ends.
type Scheduler struct {
	logger     *logger.Logger
	repo       models.Repository
	instanceID string
	jobs       []Job

	wg sync.WaitGroup
}

func NewScheduler(repo models.Repository, instanceID string, logger *logger.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		logger:     logger,
		repo:       repo,
		instanceID: instanceID,
		jobs:       jobs,
	}
}

// Start launches one goroutine per job. Each job first runs right away.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				s.RunOnce(ctx, job)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Wait blocks until every job goroutine returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunOnce runs job if this instance can take its lease.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	ttl := job.Interval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	ok, err := s.repo.AcquireLock(ctx, job.Name, s.instanceID, ttl)
	if err != nil {
		s.logger.Errorw("failed to acquire job lease", "job", job.Name, "error", err)
		return
	}
	if !ok {
		s.logger.Debugw("job lease held by another instance", "job", job.Name)
		return
	}
	defer func() {
		// released on a fresh context so shutdown does not strand the lease
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.ReleaseLock(releaseCtx, job.Name, s.instanceID); err != nil {
			s.logger.Warnw("failed to release job lease", "job", job.Name, "error", err)
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Errorw("job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debugw("job finished", "job", job.Name, "duration", time.Since(start))
}
