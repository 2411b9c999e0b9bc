package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openbrick/openbrick/pkg/models"
)

// Scheduler drives the call auction: one background task per process,
// woken on a fixed interval, clearing every property sequentially. A
// failed round is logged and retried on the next tick; there is no
// partial-round resume.
type Scheduler struct {
	logger   *zap.Logger
	db       *gorm.DB
	trading  *Service
	interval time.Duration
}

// NewScheduler creates a new matching scheduler
func NewScheduler(logger *zap.Logger, db *gorm.DB, trading *Service, interval time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger,
		db:       db,
		trading:  trading,
		interval: interval,
	}
}

// Run blocks until the context is cancelled, executing one auction round
// per property per tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("matching scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("matching scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full pass over all properties.
func (s *Scheduler) Tick(ctx context.Context) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&models.Property{}).Pluck("id", &ids).Error; err != nil {
		s.logger.Error("failed to list properties for auction tick", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := s.trading.RunAuction(ctx, id); err != nil {
			// Aborted rounds roll back completely; the next tick retries.
			s.logger.Error("auction round failed",
				zap.String("property_id", id.String()),
				zap.Error(err))
		}
	}
}
