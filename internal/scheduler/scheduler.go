// Package scheduler runs the forecast job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/lox/waterquality/internal/store"
)

// Job is one scheduled unit of work.
type Job interface {
	Run(ctx context.Context) (*Outcome, error)
}

type Scheduler struct {
	job           Job
	store         *store.Store
	spec          string
	retentionDays int

	mu sync.Mutex
}

// New schedules job with a standard five-field cron spec or a descriptor
// such as "@daily".
func New(job Job, s *store.Store, spec string) *Scheduler {
	return &Scheduler{job: job, store: s, spec: spec}
}

// SetPayloadRetention prunes raw source payloads older than days once a day.
// Zero keeps them forever.
func (s *Scheduler) SetPayloadRetention(days int) {
	s.retentionDays = days
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// a running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() { s.Trigger(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	if s.retentionDays > 0 && s.store != nil {
		if _, err := c.AddFunc("@daily", s.cleanup); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
	}

	c.Start()
	log.Printf("scheduler: forecast job scheduled %q", s.spec)

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-c.Stop().Done()
	return nil
}

// Trigger runs the job now unless a previous run is still in progress. It
// reports whether the job ran.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.mu.TryLock() {
		log.Println("scheduler: previous run still in progress, skipping")
		return false
	}
	defer s.mu.Unlock()

	if _, err := s.job.Run(ctx); err != nil {
		log.Printf("scheduler: forecast job: %v", err)
	}
	return true
}

func (s *Scheduler) cleanup() {
	n, err := s.store.CleanupOldRawPayloads(s.retentionDays)
	if err != nil {
		log.Printf("scheduler: cleanup raw payloads: %v", err)
		return
	}
	if n > 0 {
		log.Printf("scheduler: removed %d raw payloads older than %d days", n, s.retentionDays)
	}
}
