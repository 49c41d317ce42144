// Package sched runs the fabric's background jobs: directory sweeps,
// broadcast redelivery, retention, vector reconciliation, snapshots.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled unit of work. Errors are logged, never fatal.
type Job func(ctx context.Context) error

type intervalJob struct {
	name  string
	every time.Duration
	fn    Job
}

type cronJob struct {
	name string
	expr string
	fn   Job
}

// Scheduler drives interval jobs on their own tickers and cron jobs on
// a shared minute tick.
type Scheduler struct {
	mu        sync.Mutex
	intervals []intervalJob
	crons     []cronJob
	g         *gronx.Gronx
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{g: gronx.New()}
}

// AddInterval registers a fixed-period job.
func (s *Scheduler) AddInterval(name string, every time.Duration, fn Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = append(s.intervals, intervalJob{name: name, every: every, fn: fn})
}

// AddCron registers a job on a cron expression. Invalid expressions
// are rejected at registration so misconfiguration fails fast.
func (s *Scheduler) AddCron(name, expr string, fn Job) error {
	if !s.g.IsValid(expr) {
		return &InvalidExprError{Name: name, Expr: expr}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons = append(s.crons, cronJob{name: name, expr: expr, fn: fn})
	return nil
}

// InvalidExprError reports a bad cron expression at registration.
type InvalidExprError struct {
	Name string
	Expr string
}

func (e *InvalidExprError) Error() string {
	return "invalid cron expression for job " + e.Name + ": " + e.Expr
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	s.mu.Lock()
	intervals := append([]intervalJob(nil), s.intervals...)
	crons := append([]cronJob(nil), s.crons...)
	s.mu.Unlock()

	for _, j := range intervals {
		wg.Add(1)
		go func(j intervalJob) {
			defer wg.Done()
			ticker := time.NewTicker(j.every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOne(ctx, j.name, j.fn)
				}
			}
		}(j)
	}

	if len(crons) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, j := range crons {
						due, err := s.g.IsDue(j.expr, time.Now())
						if err != nil || !due {
							continue
						}
						s.runOne(ctx, j.name, j.fn)
					}
				}
			}
		}()
	}

	wg.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, name string, fn Job) {
	start := time.Now()
	if err := fn(ctx); err != nil {
		slog.Warn("scheduled job failed", "job", name, "error", err)
		return
	}
	if d := time.Since(start); d > 5*time.Second {
		slog.Debug("scheduled job slow", "job", name, "duration", d)
	}
}
