package jobs

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/repository"
)

// ScheduleRecurringJobs schedules all recurring jobs and returns their schedulers
func ScheduleRecurringJobs(
	store repository.Store,
	logger *zap.Logger,
	m *metrics.Metrics,
	sweepInterval time.Duration,
	sweepBatchSize int,
) ([]*gocron.Scheduler, error) {
	// Schedule the commission clearing sweep
	sweep := NewClearingSweepJob(store, logger.Named("clearing_sweep"), m, sweepBatchSize)
	scheduler, err := sweep.Schedule(sweepInterval)
	if err != nil {
		return nil, err
	}
	return []*gocron.Scheduler{scheduler}, nil
}

// StopAll stops every scheduler
func StopAll(schedulers []*gocron.Scheduler) {
	for _, s := range schedulers {
		s.Stop()
	}
}
