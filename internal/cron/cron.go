// Package cron is the gateway's minimal scheduling service: it evaluates
// cron expressions on a fixed tick and invokes registered job callbacks
// when they come due. The service's own job-storage/persistence model is
// out of scope here — callers register in-memory jobs with SetOnJob, the
// way the teacher's cron service exposes a single named collaborator
// interface to the rest of the gateway rather than its full internals.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// pollInterval is how often pending jobs are checked against their cron
// expression. A minute granularity matches standard cron semantics.
const pollInterval = time.Minute

// JobFunc is invoked when a job's expression comes due. A returned error
// is logged but never stops the scheduler.
type JobFunc func(ctx context.Context) error

type job struct {
	expression string
	fn         JobFunc
}

// Scheduler evaluates registered jobs against their cron expression on
// each tick and runs the due ones concurrently.
type Scheduler struct {
	gron   gronx.Gronx
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]job

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds an idle Scheduler. Call Start to begin ticking.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		gron:   gronx.New(),
		logger: logger,
		jobs:   make(map[string]job),
	}
}

// SetOnJob registers or replaces the job named id, due per expression
// (standard five-field cron syntax). It validates expression eagerly so
// a typo in config surfaces at startup rather than silently never firing.
func (s *Scheduler) SetOnJob(id, expression string, fn JobFunc) error {
	if !s.gron.IsValid(expression) {
		return fmt.Errorf("cron: invalid expression %q for job %q", expression, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = job{expression: expression, fn: fn}
	return nil
}

// RemoveJob unregisters a job by ID. A no-op if it isn't registered.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Start begins the scheduler's polling loop in a background goroutine. It
// returns immediately; call Stop to end the loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make(map[string]job)
	for id, j := range s.jobs {
		ok, err := s.gron.IsDue(j.expression, now)
		if err != nil {
			s.logger.Warn("cron: expression evaluation failed", "job", id, "error", err)
			continue
		}
		if ok {
			due[id] = j
		}
	}
	s.mu.Unlock()

	for id, j := range due {
		go func(id string, j job) {
			if err := j.fn(ctx); err != nil {
				s.logger.Error("cron: job failed", "job", id, "error", err)
			}
		}(id, j)
	}
}
