package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// startScheduler wires the background jobs: expiry sweep, dispute-timeout
// escalation, stuck-processing recovery, idempotency purge, and the
// reconciliation pass. Each job body recovers its own panics so one bad pass
// never kills the scheduler.
func (s *Server) startScheduler(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.scheduler = sched

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{
			name:     "expiry_sweep",
			interval: s.cfg.ExpirySweepInterval,
			run: func(ctx context.Context) {
				res := s.escrowService.SweepExpired(ctx, s.cfg.SweepBatchSize)
				if res.Scanned > 0 {
					s.logger.Info("expiry sweep",
						"scanned", res.Scanned, "refunded", res.Refunded,
						"contended", res.Contended, "failed", res.Failed)
				}
			},
		},
		{
			name:     "dispute_escalation",
			interval: s.cfg.ExpirySweepInterval,
			run: func(ctx context.Context) {
				res := s.escrowService.EscalateDisputes(ctx, s.cfg.SweepBatchSize)
				if res.Scanned > 0 {
					s.logger.Info("dispute escalation sweep",
						"scanned", res.Scanned, "refunded", res.Refunded)
				}
			},
		},
		{
			name:     "recovery_sweep",
			interval: s.cfg.RecoverySweepInterval,
			run: func(ctx context.Context) {
				res := s.escrowService.RecoverStuck(ctx, s.cfg.SweepBatchSize)
				if res.Scanned > 0 {
					s.logger.Info("recovery sweep",
						"scanned", res.Scanned, "recovered", res.Recovered,
						"contended", res.Contended, "failed", res.Failed)
				}
			},
		},
		{
			name:     "idempotency_purge",
			interval: s.cfg.IdempotencyPurgeEvery,
			run: func(ctx context.Context) {
				n, err := s.idemStore.PurgeExpired(ctx, time.Now())
				if err != nil {
					s.logger.Warn("idempotency purge failed", "error", err)
					return
				}
				if n > 0 {
					s.logger.Info("purged expired idempotency keys", "count", n)
				}
			},
		},
		{
			name:     "reconciliation",
			interval: s.cfg.ReconcileInterval,
			run: func(ctx context.Context) {
				if _, err := s.reconRunner.RunAll(ctx); err != nil {
					s.logger.Warn("reconciliation pass failed", "error", err)
				}
			},
		},
	}

	for _, job := range jobs {
		name, run := job.name, job.run
		_, err := sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("panic in scheduled job", "job", name, "panic", fmt.Sprint(r))
					}
				}()
				jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
				defer cancel()
				run(jobCtx)
			}),
			gocron.WithName(name),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
	}

	sched.Start()
	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// stopScheduler shuts the scheduler down, waiting for running jobs.
func (s *Server) stopScheduler() {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown error", "error", err)
	} else {
		s.logger.Info("scheduler stopped")
	}
}
