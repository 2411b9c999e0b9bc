package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openbrick/openbrick/internal/orderbook"
	"github.com/openbrick/openbrick/pkg/metrics"
	"github.com/openbrick/openbrick/pkg/models"
)

// findClearingPrice scans buy levels descending and sell levels ascending
// and returns the single price at which the round clears.
//
// For every crossing pair (buy level b, sell level s with b.Price >= s.Price)
// the executable volume is min(cumulative buy quantity at or above b.Price,
// cumulative sell quantity at or below s.Price). The clearing price is the
// sell price of the best pair under the rule: maximize executable volume,
// then minimize the leftover imbalance between the two cumulative
// quantities, then take the lowest price. The rule is deterministic for any
// book contents.
func findClearingPrice(book *orderbook.Book) (price, volume int64, ok bool) {
	if len(book.Buy) == 0 || len(book.Sell) == 0 {
		return 0, 0, false
	}

	var bestImbalance int64

	cumBuy := int64(0)
	for bi := len(book.Buy) - 1; bi >= 0; bi-- {
		buyLevel := book.Buy[bi]
		cumBuy += levelQuantity(buyLevel)

		cumSell := int64(0)
		for si := 0; si < len(book.Sell); si++ {
			sellLevel := book.Sell[si]
			if sellLevel.Price > buyLevel.Price {
				break
			}
			cumSell += levelQuantity(sellLevel)

			vol := min(cumBuy, cumSell)
			imbalance := cumBuy - cumSell
			if imbalance < 0 {
				imbalance = -imbalance
			}
			better := !ok ||
				vol > volume ||
				(vol == volume && imbalance < bestImbalance) ||
				(vol == volume && imbalance == bestImbalance && sellLevel.Price < price)
			if better {
				ok = true
				volume = vol
				bestImbalance = imbalance
				price = sellLevel.Price
			}
		}
	}
	return price, volume, ok
}

func levelQuantity(l orderbook.Level) int64 {
	var total int64
	for _, e := range l.Orders {
		total += e.Quantity
	}
	return total
}

// RunAuction executes one call-auction round for a property: read the book,
// find the equilibrium price, settle all crossing orders FIFO at that single
// price, persist and republish the pruned book, and append one history
// point. All ledger writes for the round happen in one transaction; a
// failed round rolls back completely and the next tick retries.
func (s *Service) RunAuction(ctx context.Context, propertyID uuid.UUID) error {
	timer := prometheus.NewTimer(metrics.AuctionTickDuration)
	defer timer.ObserveDuration()

	return s.books.WithLock(propertyID, func() error {
		snap, err := s.books.GetSnapshot(ctx, propertyID)
		if err != nil {
			return err
		}

		if snap.Book.Empty() {
			return s.recordCarryForward(ctx, propertyID)
		}

		price, _, ok := findClearingPrice(&snap.Book)
		if !ok {
			return s.recordCarryForward(ctx, propertyID)
		}

		matched, err := s.executeRound(ctx, snap, price)
		if err != nil {
			return err
		}

		if err := s.books.PutSnapshot(ctx, snap); err != nil {
			return err
		}

		metrics.TokensMatched.Add(float64(matched))
		s.logger.Info("auction round cleared",
			zap.String("property_id", propertyID.String()),
			zap.Int64("clearing_price", price),
			zap.Int64("matched_quantity", matched))
		return nil
	})
}

// executeRound sweeps sell levels ascending and buy levels descending up to
// the clearing price, matching the oldest order on each side, and settles
// every match in one ledger transaction. The in-memory book is pruned as
// orders fill; the caller persists it after commit.
func (s *Service) executeRound(ctx context.Context, snap *orderbook.Snapshot, clearing int64) (int64, error) {
	book := &snap.Book

	var sellPrices []int64
	for _, l := range book.Sell {
		if l.Price <= clearing {
			sellPrices = append(sellPrices, l.Price)
		}
	}
	var buyPrices []int64
	for i := len(book.Buy) - 1; i >= 0; i-- {
		if book.Buy[i].Price >= clearing {
			buyPrices = append(buyPrices, book.Buy[i].Price)
		}
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var totalMatched int64
	for _, sellPrice := range sellPrices {
		for _, buyPrice := range buyPrices {
			for {
				sellLevel := levelAt(book.Sell, sellPrice)
				buyLevel := levelAt(book.Buy, buyPrice)
				if sellLevel == nil || buyLevel == nil {
					break
				}

				sellEntry := &sellLevel.Orders[0]
				buyEntry := &buyLevel.Orders[0]
				quantity := min(sellEntry.Quantity, buyEntry.Quantity)

				if err := s.settleMatch(tx, snap.PropertyID, buyEntry.OrderID, sellEntry.OrderID, clearing, quantity); err != nil {
					tx.Rollback()
					return 0, err
				}
				totalMatched += quantity

				buyDone := buyEntry.Quantity == quantity
				sellDone := sellEntry.Quantity == quantity
				buyEntry.Quantity -= quantity
				sellEntry.Quantity -= quantity
				if buyDone {
					book.Remove(models.SideBuy, buyPrice, buyEntry.OrderID)
				}
				if sellDone {
					book.Remove(models.SideSell, sellPrice, sellEntry.OrderID)
				}
			}
		}
	}

	if err := s.appendHistory(tx, snap.PropertyID, clearing, totalMatched); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("failed to commit auction round: %w", err)
	}
	return totalMatched, nil
}

func levelAt(s orderbook.Side, price int64) *orderbook.Level {
	for i := range s {
		if s[i].Price == price {
			return &s[i]
		}
	}
	return nil
}

// settleMatch transfers cash and custody for one fill at the clearing
// price: the buyer pays quantity*price and is refunded the limit price
// improvement into orderable balance, the seller is credited in full, token
// positions move by exactly the matched quantity, and both order rows are
// decremented (removed from the open set at zero).
func (s *Service) settleMatch(tx *gorm.DB, propertyID, buyOrderID, sellOrderID uuid.UUID, price, quantity int64) error {
	var buyOrder, sellOrder models.Order
	if err := tx.Where("id = ? AND status = ?", buyOrderID, models.OrderStatusOpen).First(&buyOrder).Error; err != nil {
		return fmt.Errorf("buy order %s not open in ledger: %w", buyOrderID, err)
	}
	if err := tx.Where("id = ? AND status = ?", sellOrderID, models.OrderStatusOpen).First(&sellOrder).Error; err != nil {
		return fmt.Errorf("sell order %s not open in ledger: %w", sellOrderID, err)
	}
	if buyOrder.Quantity < quantity || sellOrder.Quantity < quantity {
		return fmt.Errorf("match quantity %d exceeds remaining order quantity (buy %d, sell %d)",
			quantity, buyOrder.Quantity, sellOrder.Quantity)
	}

	value := quantity * price
	// Price improvement refund, never negative: the buy limit is >= the
	// clearing price for every order swept.
	refund := (buyOrder.Price - price) * quantity
	if refund < 0 {
		return fmt.Errorf("buy order %s limit %d below clearing price %d", buyOrderID, buyOrder.Price, price)
	}

	if err := tx.Model(&models.User{}).Where("id = ?", buyOrder.UserID).
		Updates(map[string]interface{}{
			"total_balance":     gorm.Expr("total_balance - ?", value),
			"orderable_balance": gorm.Expr("orderable_balance + ?", refund),
			"updated_at":        time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to debit buyer: %w", err)
	}

	if err := s.creditBuyerPosition(tx, buyOrder.UserID, propertyID, price, quantity); err != nil {
		return err
	}

	if err := tx.Model(&models.User{}).Where("id = ?", sellOrder.UserID).
		Updates(map[string]interface{}{
			"total_balance":     gorm.Expr("total_balance + ?", value),
			"orderable_balance": gorm.Expr("orderable_balance + ?", value),
			"updated_at":        time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to credit seller: %w", err)
	}

	if err := s.debitSellerPosition(tx, sellOrder.UserID, propertyID, quantity); err != nil {
		return err
	}

	if err := s.consumeOrder(tx, &buyOrder, quantity); err != nil {
		return err
	}
	if err := s.consumeOrder(tx, &sellOrder, quantity); err != nil {
		return err
	}

	trade := &models.Trade{
		ID:          uuid.New(),
		PropertyID:  propertyID,
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		BuyerID:     buyOrder.UserID,
		SellerID:    sellOrder.UserID,
		Price:       price,
		Quantity:    quantity,
		CreatedAt:   time.Now(),
	}
	if err := tx.Create(trade).Error; err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// creditBuyerPosition increases the buyer's position and tradeable tokens
// and recomputes the quantity-weighted average cost.
func (s *Service) creditBuyerPosition(tx *gorm.DB, userID, propertyID uuid.UUID, price, quantity int64) error {
	var holding models.Holding
	err := tx.Where("user_id = ? AND property_id = ?", userID, propertyID).First(&holding).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to find buyer holding: %w", err)
		}
		now := time.Now()
		holding = models.Holding{
			ID:              uuid.New(),
			UserID:          userID,
			PropertyID:      propertyID,
			Quantity:        quantity,
			TradeableTokens: quantity,
			AvgCost:         decimal.NewFromInt(price),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&holding).Error; err != nil {
			return fmt.Errorf("failed to create buyer holding: %w", err)
		}
		return nil
	}

	newQuantity := holding.Quantity + quantity
	priorValue := holding.AvgCost.Mul(decimal.NewFromInt(holding.Quantity))
	fillValue := decimal.NewFromInt(price).Mul(decimal.NewFromInt(quantity))
	newAvg := priorValue.Add(fillValue).Div(decimal.NewFromInt(newQuantity))

	if err := tx.Model(&models.Holding{}).Where("id = ?", holding.ID).
		Updates(map[string]interface{}{
			"quantity":         newQuantity,
			"tradeable_tokens": gorm.Expr("tradeable_tokens + ?", quantity),
			"avg_cost":         newAvg,
			"updated_at":       time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update buyer holding: %w", err)
	}
	return nil
}

// debitSellerPosition decreases the seller's position, removing the row at
// zero. Tradeable tokens were already reserved at submission.
func (s *Service) debitSellerPosition(tx *gorm.DB, userID, propertyID uuid.UUID, quantity int64) error {
	var holding models.Holding
	if err := tx.Where("user_id = ? AND property_id = ?", userID, propertyID).First(&holding).Error; err != nil {
		return fmt.Errorf("failed to find seller holding: %w", err)
	}
	if holding.Quantity < quantity {
		return fmt.Errorf("seller position %d below matched quantity %d", holding.Quantity, quantity)
	}

	remaining := holding.Quantity - quantity
	if remaining == 0 {
		if err := tx.Delete(&holding).Error; err != nil {
			return fmt.Errorf("failed to remove seller holding: %w", err)
		}
		return nil
	}
	if err := tx.Model(&models.Holding{}).Where("id = ?", holding.ID).
		Updates(map[string]interface{}{
			"quantity":   remaining,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to update seller holding: %w", err)
	}
	return nil
}

// consumeOrder decrements an order's remaining quantity, transitioning it
// out of the open set when fully filled.
func (s *Service) consumeOrder(tx *gorm.DB, order *models.Order, quantity int64) error {
	remaining := order.Quantity - quantity
	updates := map[string]interface{}{
		"quantity":   remaining,
		"updated_at": time.Now(),
	}
	if remaining == 0 {
		updates["status"] = models.OrderStatusFilled
	}
	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	order.Quantity = remaining
	return nil
}

// recordCarryForward appends a history point carrying the last clearing
// price forward with zero quantity, for rounds with an empty or uncrossed
// book.
func (s *Service) recordCarryForward(ctx context.Context, propertyID uuid.UUID) error {
	tx := s.db.WithContext(ctx)

	var last models.PropertyHistory
	price := int64(0)
	err := tx.Where("property_id = ?", propertyID).Order("recorded_at DESC").First(&last).Error
	if err == nil {
		price = last.Price
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to find last history point: %w", err)
	}

	return s.appendHistory(tx, propertyID, price, 0)
}

func (s *Service) appendHistory(tx *gorm.DB, propertyID uuid.UUID, price, quantity int64) error {
	point := &models.PropertyHistory{
		ID:         uuid.New(),
		PropertyID: propertyID,
		RecordedAt: time.Now(),
		Price:      price,
		Quantity:   quantity,
	}
	if err := tx.Create(point).Error; err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}
	return nil
}
