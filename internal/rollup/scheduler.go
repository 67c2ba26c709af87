package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Scheduler drives the aggregator on a fixed interval.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	aggregator *Aggregator
	interval   time.Duration
	logger     *zap.Logger
}

func NewScheduler(aggregator *Aggregator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		aggregator: aggregator,
		interval:   interval,
		logger:     logger,
	}
}

// Start schedules the rollup job and runs it until ctx is cancelled.
// SingletonMode keeps a slow run from overlapping the next tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting rollup scheduler", zap.Duration("interval", s.interval))

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		if err := s.aggregator.Run(ctx); err != nil {
			s.logger.Error("rollup run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling rollup failed: %w", err)
	}

	s.scheduler.StartAsync()

	go func() {
		<-ctx.Done()
		s.logger.Info("stopping rollup scheduler")
		s.scheduler.Stop()
	}()

	return nil
}
