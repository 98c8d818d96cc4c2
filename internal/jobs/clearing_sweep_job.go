package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/ledger"
	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/models"
	"github.com/operatorkit/backend/internal/repository"
)

// DefaultSweepBatchSize bounds how many entries one listing pulls
const DefaultSweepBatchSize = 500

// ClearingSweepJob moves pending commissions whose hold window has ended to cleared
type ClearingSweepJob struct {
	store     repository.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time
}

// NewClearingSweepJob creates a new clearing sweep job
func NewClearingSweepJob(store repository.Store, logger *zap.Logger, m *metrics.Metrics, batchSize int) *ClearingSweepJob {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &ClearingSweepJob{
		store:     store,
		logger:    logger,
		metrics:   m,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run clears every entry due at now and returns how many were cleared.
// Each entry commits in its own transaction, so a failure leaves earlier
// entries cleared and later ones pending for the next run. An entry reversed
// between listing and clearing is skipped.
func (j *ClearingSweepJob) Run(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	cleared := 0
	for {
		var due []models.CommissionEntry
		err := j.store.WithinTx(ctx, func(tx repository.Tx) error {
			var err error
			due, err = tx.Ledger().ListDueForClearing(ctx, now, j.batchSize)
			return err
		})
		if err != nil {
			return cleared, fmt.Errorf("list due entries: %w", err)
		}
		if len(due) == 0 {
			break
		}

		batchCleared := 0
		for i := range due {
			applied, err := j.clearOne(ctx, &due[i], now)
			if err != nil {
				return cleared, err
			}
			if applied {
				batchCleared++
			}
		}
		cleared += batchCleared
		j.metrics.ClearedEntries.Add(float64(batchCleared))

		if len(due) < j.batchSize || batchCleared == 0 {
			break
		}
	}

	j.logger.Info("clearing sweep finished", zap.Int("cleared", cleared), zap.Time("as_of", now))
	return cleared, nil
}

func (j *ClearingSweepJob) clearOne(ctx context.Context, entry *models.CommissionEntry, now time.Time) (bool, error) {
	var applied bool
	err := j.store.WithinTx(ctx, func(tx repository.Tx) error {
		if err := ledger.Clear(entry, now); err != nil {
			return err
		}
		var err error
		applied, err = tx.Ledger().Transition(ctx, entry, models.CommissionStatusPending)
		return err
	})
	if errors.Is(err, ledger.ErrInvalidTransition) {
		j.logger.Warn("entry not clearable, skipped", zap.String("event_id", entry.EventID), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clear entry %s: %w", entry.EventID, err)
	}
	if !applied {
		j.logger.Debug("entry changed state before clearing", zap.String("event_id", entry.EventID))
	}
	return applied, nil
}

// Schedule runs the sweep every interval until the returned scheduler is stopped.
// SingletonMode keeps a slow run from overlapping the next tick.
func (j *ClearingSweepJob) Schedule(interval time.Duration) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Every(interval).SingletonMode().Do(func() {
		if _, err := j.Run(context.Background(), j.now()); err != nil {
			j.logger.Error("clearing sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule clearing sweep: %w", err)
	}
	scheduler.StartAsync()
	return scheduler, nil
}
