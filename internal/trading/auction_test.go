package trading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openbrick/openbrick/internal/orderbook"
	"github.com/openbrick/openbrick/pkg/models"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Property{}, &models.Order{},
		&models.Holding{}, &models.Trade{}, &models.PropertyHistory{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	svc, err := NewService(zap.NewNop(), db, orderbook.NewStore(rdb, zap.NewNop()))
	require.NoError(t, err)
	return svc, mr
}

func createUser(t *testing.T, svc *Service, cash int64) uuid.UUID {
	t.Helper()
	user := &models.User{
		ID:               uuid.New(),
		Email:            uuid.New().String() + "@example.com",
		TotalBalance:     cash,
		OrderableBalance: cash,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, svc.db.Create(user).Error)
	return user.ID
}

func createProperty(t *testing.T, svc *Service, supply int64) uuid.UUID {
	t.Helper()
	property := &models.Property{
		ID:          uuid.New(),
		Name:        "Test Property",
		TokenSupply: supply,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, svc.db.Create(property).Error)
	return property.ID
}

func createHolding(t *testing.T, svc *Service, userID, propertyID uuid.UUID, quantity int64, avgCost int64) {
	t.Helper()
	holding := &models.Holding{
		ID:              uuid.New(),
		UserID:          userID,
		PropertyID:      propertyID,
		Quantity:        quantity,
		TradeableTokens: quantity,
		AvgCost:         decimal.NewFromInt(avgCost),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, svc.db.Create(holding).Error)
}

func getUser(t *testing.T, svc *Service, id uuid.UUID) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, svc.db.Where("id = ?", id).First(&user).Error)
	return &user
}

func getHolding(t *testing.T, svc *Service, userID, propertyID uuid.UUID) (*models.Holding, bool) {
	t.Helper()
	var holding models.Holding
	err := svc.db.Where("user_id = ? AND property_id = ?", userID, propertyID).First(&holding).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false
	}
	require.NoError(t, err)
	return &holding, true
}

func getOrder(t *testing.T, svc *Service, id uuid.UUID) *models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, svc.db.Where("id = ?", id).First(&order).Error)
	return &order
}

func bookOf(entries map[string]map[int64][]int64) *orderbook.Book {
	book := &orderbook.Book{Buy: orderbook.Side{}, Sell: orderbook.Side{}}
	for side, levels := range entries {
		for price, quantities := range levels {
			for _, q := range quantities {
				book.Append(side, price, orderbook.Entry{OrderID: uuid.New(), Quantity: q})
			}
		}
	}
	return book
}

func TestFindClearingPriceMaximizesVolume(t *testing.T) {
	// Buy levels {100: 5, 90: 10}, sell levels {80: 8, 95: 4}. Candidate
	// volumes: (buy 90, sell 80) = min(15, 8) = 8, (buy 100, sell 80) =
	// min(5, 8) = 5, (buy 100, sell 95) = min(5, 12) = 5. The maximum is
	// unique, so the round clears at 80 for 8 tokens.
	book := bookOf(map[string]map[int64][]int64{
		"buy":  {100: {5}, 90: {10}},
		"sell": {80: {8}, 95: {4}},
	})

	price, volume, ok := findClearingPrice(book)
	require.True(t, ok)
	assert.Equal(t, int64(80), price)
	assert.Equal(t, int64(8), volume)
}

func TestFindClearingPriceTieBreaksOnImbalance(t *testing.T) {
	// Both sell levels clear 5 tokens against the single buy level; 90
	// leaves no unmatched quantity while 95 strands 5 sell-side tokens.
	book := bookOf(map[string]map[int64][]int64{
		"buy":  {100: {5}},
		"sell": {90: {5}, 95: {5}},
	})

	price, volume, ok := findClearingPrice(book)
	require.True(t, ok)
	assert.Equal(t, int64(90), price)
	assert.Equal(t, int64(5), volume)
}

func TestFindClearingPriceNoCross(t *testing.T) {
	book := bookOf(map[string]map[int64][]int64{
		"buy":  {80: {5}},
		"sell": {90: {5}},
	})
	_, _, ok := findClearingPrice(book)
	assert.False(t, ok)

	empty := &orderbook.Book{Buy: orderbook.Side{}, Sell: orderbook.Side{}}
	_, _, ok = findClearingPrice(empty)
	assert.False(t, ok)
}

func TestRunAuctionEndToEnd(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	propertyID := createProperty(t, svc, 100)

	buyer := createUser(t, svc, 1000)
	seller := createUser(t, svc, 0)
	createHolding(t, svc, seller, propertyID, 5, 50)

	buyOrder, err := svc.SubmitOrder(ctx, buyer, propertyID, models.SideBuy, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(500), getUser(t, svc, buyer).OrderableBalance)

	sellOrder, err := svc.SubmitOrder(ctx, seller, propertyID, models.SideSell, 5, 90)
	require.NoError(t, err)

	require.NoError(t, svc.RunAuction(ctx, propertyID))

	// Buyer paid 5x90 and got the 5x10 price improvement back.
	buyerAfter := getUser(t, svc, buyer)
	assert.Equal(t, int64(550), buyerAfter.TotalBalance)
	assert.Equal(t, int64(550), buyerAfter.OrderableBalance)

	holding, ok := getHolding(t, svc, buyer, propertyID)
	require.True(t, ok)
	assert.Equal(t, int64(5), holding.Quantity)
	assert.Equal(t, int64(5), holding.TradeableTokens)
	assert.True(t, holding.AvgCost.Equal(decimal.NewFromInt(90)), "avg cost %s", holding.AvgCost)

	sellerAfter := getUser(t, svc, seller)
	assert.Equal(t, int64(450), sellerAfter.TotalBalance)
	assert.Equal(t, int64(450), sellerAfter.OrderableBalance)

	_, ok = getHolding(t, svc, seller, propertyID)
	assert.False(t, ok, "seller position should be removed at zero")

	assert.Equal(t, models.OrderStatusFilled, getOrder(t, svc, buyOrder.ID).Status)
	assert.Equal(t, models.OrderStatusFilled, getOrder(t, svc, sellOrder.ID).Status)

	snap, err := svc.GetBook(ctx, propertyID)
	require.NoError(t, err)
	assert.True(t, snap.Book.Empty())

	points, err := svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(90), points[0].Price)
	assert.Equal(t, int64(5), points[0].Quantity)

	var trades []models.Trade
	require.NoError(t, svc.db.Where("property_id = ?", propertyID).Find(&trades).Error)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(90), trades[0].Price)
	assert.Equal(t, int64(5), trades[0].Quantity)
}

func TestRunAuctionPartialFill(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	propertyID := createProperty(t, svc, 100)

	buyer := createUser(t, svc, 10000)
	seller := createUser(t, svc, 0)
	createHolding(t, svc, seller, propertyID, 4, 80)

	buyOrder, err := svc.SubmitOrder(ctx, buyer, propertyID, models.SideBuy, 10, 100)
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, seller, propertyID, models.SideSell, 4, 90)
	require.NoError(t, err)

	require.NoError(t, svc.RunAuction(ctx, propertyID))

	// 4 of 10 filled at 90; the remainder rests at its limit price.
	after := getOrder(t, svc, buyOrder.ID)
	assert.Equal(t, models.OrderStatusOpen, after.Status)
	assert.Equal(t, int64(6), after.Quantity)

	snap, err := svc.GetBook(ctx, propertyID)
	require.NoError(t, err)
	require.Len(t, snap.Book.Buy, 1)
	require.Len(t, snap.Book.Buy[0].Orders, 1)
	assert.Equal(t, buyOrder.ID, snap.Book.Buy[0].Orders[0].OrderID)
	assert.Equal(t, int64(6), snap.Book.Buy[0].Orders[0].Quantity)
	assert.Empty(t, snap.Book.Sell)

	// Reservation accounting: 10000 - 1000 reserved + 4x10 improvement.
	buyerAfter := getUser(t, svc, buyer)
	assert.Equal(t, int64(9040), buyerAfter.OrderableBalance)
	assert.Equal(t, int64(9640), buyerAfter.TotalBalance)

	points, err := svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(90), points[0].Price)
	assert.Equal(t, int64(4), points[0].Quantity)
}

func TestRunAuctionConservation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	propertyID := createProperty(t, svc, 100)

	buyerA := createUser(t, svc, 2000)
	buyerC := createUser(t, svc, 1000)
	sellerB := createUser(t, svc, 0)
	sellerD := createUser(t, svc, 0)
	createHolding(t, svc, sellerB, propertyID, 8, 70)
	createHolding(t, svc, sellerD, propertyID, 4, 70)

	_, err := svc.SubmitOrder(ctx, buyerA, propertyID, models.SideBuy, 10, 100)
	require.NoError(t, err)
	orderC, err := svc.SubmitOrder(ctx, buyerC, propertyID, models.SideBuy, 5, 95)
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, sellerB, propertyID, models.SideSell, 8, 90)
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, sellerD, propertyID, models.SideSell, 4, 85)
	require.NoError(t, err)

	require.NoError(t, svc.RunAuction(ctx, propertyID))

	points, err := svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(90), points[0].Price)
	assert.Equal(t, int64(12), points[0].Quantity)

	// Cash conservation: buyer debits equal seller credits, 12x90.
	a, c := getUser(t, svc, buyerA), getUser(t, svc, buyerC)
	b, d := getUser(t, svc, sellerB), getUser(t, svc, sellerD)
	buyerDebits := (2000 - a.TotalBalance) + (1000 - c.TotalBalance)
	sellerCredits := b.TotalBalance + d.TotalBalance
	assert.Equal(t, int64(12*90), buyerDebits)
	assert.Equal(t, int64(12*90), sellerCredits)

	// Token conservation: total position quantity is unchanged.
	var holdings []models.Holding
	require.NoError(t, svc.db.Where("property_id = ?", propertyID).Find(&holdings).Error)
	var totalTokens int64
	for _, h := range holdings {
		totalTokens += h.Quantity
	}
	assert.Equal(t, int64(12), totalTokens)

	// A filled 10 at 90 with a 100 refund; C filled 2 of 5.
	assert.Equal(t, int64(1100), a.TotalBalance)
	assert.Equal(t, int64(1100), a.OrderableBalance)
	assert.Equal(t, int64(820), c.TotalBalance)
	assert.Equal(t, int64(535), c.OrderableBalance)

	afterC := getOrder(t, svc, orderC.ID)
	assert.Equal(t, models.OrderStatusOpen, afterC.Status)
	assert.Equal(t, int64(3), afterC.Quantity)

	holdingA, ok := getHolding(t, svc, buyerA, propertyID)
	require.True(t, ok)
	assert.Equal(t, int64(10), holdingA.Quantity)
	assert.True(t, holdingA.AvgCost.Equal(decimal.NewFromInt(90)))
}

func TestRunAuctionCarriesPriceForward(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	propertyID := createProperty(t, svc, 100)

	// Empty book with no prior history records a zero point.
	require.NoError(t, svc.RunAuction(ctx, propertyID))
	points, err := svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(0), points[0].Price)
	assert.Equal(t, int64(0), points[0].Quantity)

	// Trade once, then an empty round carries 90 forward at zero quantity.
	buyer := createUser(t, svc, 1000)
	seller := createUser(t, svc, 0)
	createHolding(t, svc, seller, propertyID, 5, 50)
	_, err = svc.SubmitOrder(ctx, buyer, propertyID, models.SideBuy, 5, 90)
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, seller, propertyID, models.SideSell, 5, 90)
	require.NoError(t, err)
	require.NoError(t, svc.RunAuction(ctx, propertyID))
	require.NoError(t, svc.RunAuction(ctx, propertyID))

	points, err = svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, int64(90), points[0].Price)
	assert.Equal(t, int64(0), points[0].Quantity)
	assert.Equal(t, int64(90), points[1].Price)
	assert.Equal(t, int64(5), points[1].Quantity)
}

func TestRunAuctionUncrossedBookLeavesOrdersResting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	propertyID := createProperty(t, svc, 100)

	buyer := createUser(t, svc, 1000)
	seller := createUser(t, svc, 0)
	createHolding(t, svc, seller, propertyID, 5, 50)

	buyOrder, err := svc.SubmitOrder(ctx, buyer, propertyID, models.SideBuy, 5, 80)
	require.NoError(t, err)
	sellOrder, err := svc.SubmitOrder(ctx, seller, propertyID, models.SideSell, 5, 90)
	require.NoError(t, err)

	require.NoError(t, svc.RunAuction(ctx, propertyID))

	assert.Equal(t, models.OrderStatusOpen, getOrder(t, svc, buyOrder.ID).Status)
	assert.Equal(t, models.OrderStatusOpen, getOrder(t, svc, sellOrder.ID).Status)

	snap, err := svc.GetBook(ctx, propertyID)
	require.NoError(t, err)
	assert.Len(t, snap.Book.Buy, 1)
	assert.Len(t, snap.Book.Sell, 1)

	points, err := svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(0), points[0].Quantity)
}

func TestRunAuctionCorruptBookAborts(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	propertyID := createProperty(t, svc, 100)

	mr.HSet("orderbook:"+propertyID.String(), "book", "{not a snapshot")

	err := svc.RunAuction(ctx, propertyID)
	require.Error(t, err)
	assert.ErrorIs(t, err, orderbook.ErrCorruptSnapshot)

	// No history point is recorded for the aborted round.
	points, err := svc.GetHistory(ctx, propertyID, 10)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestSchedulerTickClearsAllProperties(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	first := createProperty(t, svc, 100)
	second := createProperty(t, svc, 100)

	scheduler := NewScheduler(zap.NewNop(), svc.db, svc, time.Minute)
	scheduler.Tick(ctx)

	for _, id := range []uuid.UUID{first, second} {
		points, err := svc.GetHistory(ctx, id, 10)
		require.NoError(t, err)
		assert.Len(t, points, 1, "property %s should have one history point", id)
	}
}
