// Package scheduler runs omnia's periodic housekeeping jobs.
//
// Jobs are registered with cron expressions; descriptors such as "@every 5m"
// are accepted too.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHousekeepingSchedule prunes state every five minutes.
const DefaultHousekeepingSchedule = "@every 5m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow) plus descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under name using expr. It returns an error if the
// expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		started := time.Now()
		task()
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid schedule", "job", name, "expr", expr, "error", err)
		return err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "expr", expr)
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Pruner drops concluded dialogues from memory.
type Pruner interface {
	PruneFinished(before time.Time) int
}

// InboundPurger drops old inbound message records.
type InboundPurger interface {
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
}

// Housekeeping returns a job that forgets dialogues and inbound records older
// than retention. Either target may be nil.
func Housekeeping(retention time.Duration, dialogues Pruner, inbound InboundPurger) func() {
	return func() {
		cutoff := time.Now().Add(-retention)
		if dialogues != nil {
			if n := dialogues.PruneFinished(cutoff); n > 0 {
				slog.Info("Housekeeping: pruned concluded dialogues", "count", n)
			}
		}
		if inbound != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := inbound.PurgeInbound(ctx, cutoff)
			if err != nil {
				slog.Error("Housekeeping: failed to purge inbound messages", "error", err)
				return
			}
			if n > 0 {
				slog.Info("Housekeeping: purged inbound messages", "count", n)
			}
		}
	}
}
