// Package sweeper schedules the periodic maintenance jobs: rendezvous
// expiry, chunk cache and source expiry, and the attestation reaper.
package sweeper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled maintenance task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(now time.Time)
}

// Sweeper runs jobs on their intervals until stopped.
type Sweeper struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New schedules the given jobs. Jobs do not overlap with themselves; cron
// runs each scheduled invocation on its own goroutine, and every job here
// takes its registry's lock internally.
func New(jobs []Job, log zerolog.Logger) (*Sweeper, error) {
	c := cron.New()
	for _, job := range jobs {
		job := job
		spec := fmt.Sprintf("@every %s", job.Every)
		_, err := c.AddFunc(spec, func() {
			job.Run(time.Now())
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s job: %w", job.Name, err)
		}
		log.Debug().Str("job", job.Name).Dur("every", job.Every).Msg("scheduled sweep")
	}
	return &Sweeper{cron: c, log: log}, nil
}

// Start begins running the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
