// Package scheduler runs the daily deep analysis at a configured wall
// clock time.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler wraps a cron runner with a single daily job.
type Scheduler struct {
	cron *cron.Cron
}

// New schedules fn daily at the given "HH:MM" time. fn runs with the
// provided context so shutdown cancels an in-flight analysis.
func New(ctx context.Context, clockTime string, fn func(context.Context) error) (*Scheduler, error) {
	spec, err := cronSpec(clockTime)
	if err != nil {
		return nil, err
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduled deep analysis failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling deep analysis: %w", err)
	}
	log.Info().Str("time", clockTime).Msg("Deep analysis scheduled")
	return &Scheduler{cron: c}, nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the runner and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronSpec converts "HH:MM" to a cron expression.
func cronSpec(clockTime string) (string, error) {
	parts := strings.SplitN(clockTime, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("expected HH:MM, got %q", clockTime)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(clockTime, "%d:%d", &hour, &minute); err != nil {
		return "", fmt.Errorf("expected HH:MM, got %q", clockTime)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("out of range time %q", clockTime)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
