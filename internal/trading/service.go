// Package trading implements order intake, cancellation, and the periodic
// single-price call auction over the shared order book cache. The relational
// ledger is the source of truth; the book cache is derived state and can be
// rebuilt from currently-open orders at any time.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openbrick/openbrick/internal/orderbook"
	"github.com/openbrick/openbrick/pkg/metrics"
	"github.com/openbrick/openbrick/pkg/models"
)

// Service implements order intake, cancellation, and book/history reads.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	books  *orderbook.Store
}

// NewService creates a new trading service
func NewService(logger *zap.Logger, db *gorm.DB, books *orderbook.Store) (*Service, error) {
	return &Service{
		logger: logger,
		db:     db,
		books:  books,
	}, nil
}

// SubmitOrder validates and admits a new limit order. Buys reserve the full
// notional from the submitter's orderable balance; sells reserve the token
// quantity from the tradeable position. The ledger write commits first; the
// book append follows under the property lock.
func (s *Service) SubmitOrder(ctx context.Context, userID, propertyID uuid.UUID, side string, quantity, price int64) (*models.Order, error) {
	if side != models.SideBuy && side != models.SideSell {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}

	now := time.Now()
	order := &models.Order{
		ID:         uuid.New(),
		PropertyID: propertyID,
		UserID:     userID,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		Status:     models.OrderStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.books.WithLock(propertyID, func() error {
		tx := s.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("failed to begin transaction: %w", tx.Error)
		}
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
			}
		}()

		if err := s.reserve(tx, order); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Create(order).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create order: %w", err)
		}

		if err := tx.Commit().Error; err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		s.appendToBook(ctx, order)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersSubmitted.WithLabelValues(side).Inc()
	return order, nil
}

// reserve earmarks the submitter's cash or tokens inside the given
// transaction. The guarded single-statement update keeps the reservation
// invariant under concurrent submissions.
func (s *Service) reserve(tx *gorm.DB, order *models.Order) error {
	if order.Side == models.SideBuy {
		cost := order.Quantity * order.Price
		res := tx.Model(&models.User{}).
			Where("id = ? AND orderable_balance >= ?", order.UserID, cost).
			UpdateColumn("orderable_balance", gorm.Expr("orderable_balance - ?", cost))
		if res.Error != nil {
			return fmt.Errorf("failed to reserve cash: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientFunds
		}
		return nil
	}

	res := tx.Model(&models.Holding{}).
		Where("user_id = ? AND property_id = ? AND tradeable_tokens >= ?", order.UserID, order.PropertyID, order.Quantity).
		UpdateColumn("tradeable_tokens", gorm.Expr("tradeable_tokens - ?", order.Quantity))
	if res.Error != nil {
		return fmt.Errorf("failed to reserve tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientTokens
	}
	return nil
}

// appendToBook adds the committed order to the cached book and republishes.
// The ledger is already durable here: a cache fault leaves the book stale
// but rebuildable, so it is logged for replay rather than surfaced.
func (s *Service) appendToBook(ctx context.Context, order *models.Order) {
	snap, err := s.books.GetSnapshot(ctx, order.PropertyID)
	if err != nil {
		s.logger.Error("failed to read order book after ledger write",
			zap.String("property_id", order.PropertyID.String()),
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return
	}
	snap.Book.Append(order.Side, order.Price, orderbook.Entry{OrderID: order.ID, Quantity: order.Quantity})
	if err := s.books.PutSnapshot(ctx, snap); err != nil {
		s.logger.Error("failed to write order book after ledger write",
			zap.String("property_id", order.PropertyID.String()),
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
}

// CancelOrder cancels an open order owned by the subject, restores the
// reservation for the remaining quantity, and removes the book entry. An
// order already consumed by a settling round fails ErrNotCancellable.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	var owned models.Order
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&owned).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("failed to find order: %w", err)
	}

	err := s.books.WithLock(owned.PropertyID, func() error {
		tx := s.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("failed to begin transaction: %w", tx.Error)
		}
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
			}
		}()

		// Re-check status inside the transaction: a settling round may have
		// consumed the order since the lookup above.
		var order models.Order
		if err := tx.Where("id = ? AND status = ?", orderID, models.OrderStatusOpen).First(&order).Error; err != nil {
			tx.Rollback()
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotCancellable
			}
			return fmt.Errorf("failed to find order: %w", err)
		}

		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).
			Updates(map[string]interface{}{"status": models.OrderStatusCancelled, "updated_at": time.Now()}).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to cancel order: %w", err)
		}

		if order.Side == models.SideBuy {
			refund := order.Price * order.Quantity
			if err := tx.Model(&models.User{}).Where("id = ?", order.UserID).
				UpdateColumn("orderable_balance", gorm.Expr("orderable_balance + ?", refund)).Error; err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to restore cash reservation: %w", err)
			}
		} else {
			if err := tx.Model(&models.Holding{}).
				Where("user_id = ? AND property_id = ?", order.UserID, order.PropertyID).
				UpdateColumn("tradeable_tokens", gorm.Expr("tradeable_tokens + ?", order.Quantity)).Error; err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to restore token reservation: %w", err)
			}
		}

		if err := tx.Commit().Error; err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		s.removeFromBook(ctx, &order)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.OrdersCancelled.Inc()
	return nil
}

func (s *Service) removeFromBook(ctx context.Context, order *models.Order) {
	snap, err := s.books.GetSnapshot(ctx, order.PropertyID)
	if err != nil {
		s.logger.Error("failed to read order book after cancellation",
			zap.String("property_id", order.PropertyID.String()),
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return
	}
	snap.Book.Remove(order.Side, order.Price, order.ID)
	if err := s.books.PutSnapshot(ctx, snap); err != nil {
		s.logger.Error("failed to write order book after cancellation",
			zap.String("property_id", order.PropertyID.String()),
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
}

// GetBook returns the current book snapshot for a property.
func (s *Service) GetBook(ctx context.Context, propertyID uuid.UUID) (*orderbook.Snapshot, error) {
	return s.books.GetSnapshot(ctx, propertyID)
}

// GetHistory returns the clearing price series for a property, newest first.
func (s *Service) GetHistory(ctx context.Context, propertyID uuid.UUID, limit int) ([]*models.PropertyHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var points []*models.PropertyHistory
	if err := s.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&points).Error; err != nil {
		return nil, fmt.Errorf("failed to find price history: %w", err)
	}
	return points, nil
}

// ListProperties returns all tradable property listings.
func (s *Service) ListProperties(ctx context.Context) ([]*models.Property, error) {
	var properties []*models.Property
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&properties).Error; err != nil {
		return nil, fmt.Errorf("failed to find properties: %w", err)
	}
	return properties, nil
}

// Portfolio bundles a user's cash account, holdings, and open orders.
type Portfolio struct {
	User     *models.User      `json:"user"`
	Holdings []*models.Holding `json:"holdings"`
	Orders   []*models.Order   `json:"open_orders"`
}

// GetPortfolio returns the subject's balances, positions, and open orders.
func (s *Service) GetPortfolio(ctx context.Context, userID uuid.UUID) (*Portfolio, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	var holdings []*models.Holding
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to find holdings: %w", err)
	}

	var orders []*models.Order
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.OrderStatusOpen).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to find orders: %w", err)
	}

	return &Portfolio{User: &user, Holdings: holdings, Orders: orders}, nil
}

// RebuildBook reconstructs a property's book strictly from currently-open
// ledger orders, preserving per-level arrival order. It is the recovery
// path for a corrupted or lost cache payload; it does not write the store.
func (s *Service) RebuildBook(ctx context.Context, propertyID uuid.UUID) (*orderbook.Snapshot, error) {
	var orders []*models.Order
	if err := s.db.WithContext(ctx).
		Where("property_id = ? AND status = ?", propertyID, models.OrderStatusOpen).
		Order("created_at ASC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to find open orders: %w", err)
	}

	snap := orderbook.NewSnapshot(propertyID)
	for _, o := range orders {
		snap.Book.Append(o.Side, o.Price, orderbook.Entry{OrderID: o.ID, Quantity: o.Quantity})
	}
	return snap, nil
}
