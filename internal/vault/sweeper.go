package vault

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/rohioffl/cloudscan/internal/model"
)

// Sweeper runs Vault.Sweep on a schedule.
type Sweeper struct {
	scheduler gocron.Scheduler
}

func NewSweeper(ctx context.Context, v *Vault, sched model.Schedule) (*Sweeper, error) {
	var def gocron.JobDefinition
	switch {
	case sched.Cron != "":
		def = gocron.CronJob(sched.Cron, false)
	case sched.Every > 0:
		def = gocron.DurationJob(sched.Every)
	default:
		return nil, fmt.Errorf("empty sweep schedule")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		def,
		gocron.NewTask(func() { v.Sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "vault sweeper scheduled", "schedule", sched.String())
	return &Sweeper{scheduler: s}, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Shutdown() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down vault sweeper: %w", err)
	}
	return nil
}
