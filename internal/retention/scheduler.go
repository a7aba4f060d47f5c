package retention

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/alphabot-ai/keypost/internal/logging"
)

// Scheduler runs the sweep in-process on a standard five-field cron
// expression. Runs never overlap.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger
}

func NewScheduler(sweeper *Sweeper, spec string, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		logger:  logging.Component(logger, "retention"),
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	if _, err := s.sweeper.Run(context.Background(), false); err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for a running sweep to finish or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
