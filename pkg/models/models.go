package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses
const (
	OrderStatusOpen      = "open"
	OrderStatusCancelled = "cancelled"
	OrderStatusFilled    = "filled"
)

// User represents a marketplace participant and their cash account.
// TotalBalance is the full cash balance; OrderableBalance is the portion
// not reserved against open buy orders.
type User struct {
	ID               uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email            string    `json:"email" gorm:"uniqueIndex"`
	PasswordHash     string    `json:"-" gorm:"column:password_hash"`
	TotalBalance     int64     `json:"total_balance"`
	OrderableBalance int64     `json:"orderable_balance"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Property represents a tokenized property listing. Listings are created
// upstream; the trading core only reads them.
type Property struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Name        string    `json:"name"`
	TokenSupply int64     `json:"token_supply"`
	CreatedAt   time.Time `json:"created_at"`
}

// Order represents a resting limit order in the ledger. Quantity is the
// remaining (unfilled) quantity; the auction and cancellation paths mutate
// it and transition Status.
type Order struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	PropertyID uuid.UUID `json:"property_id" gorm:"type:uuid;index"`
	UserID     uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Side       string    `json:"side"` // buy, sell
	Price      int64     `json:"price"`
	Quantity   int64     `json:"quantity"`
	Status     string    `json:"status" gorm:"index"` // open, cancelled, filled
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Holding represents a user's token position in one property.
// TradeableTokens is the portion not reserved against open sell orders.
// AvgCost is the quantity-weighted average acquisition price.
type Holding struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_holdings_user_property"`
	PropertyID      uuid.UUID       `json:"property_id" gorm:"type:uuid;uniqueIndex:idx_holdings_user_property"`
	Quantity        int64           `json:"quantity"`
	TradeableTokens int64           `json:"tradeable_tokens"`
	AvgCost         decimal.Decimal `json:"avg_cost" gorm:"type:numeric"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Trade records one fill produced by an auction round.
type Trade struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	PropertyID  uuid.UUID `json:"property_id" gorm:"type:uuid;index"`
	BuyOrderID  uuid.UUID `json:"buy_order_id" gorm:"type:uuid;index"`
	SellOrderID uuid.UUID `json:"sell_order_id" gorm:"type:uuid;index"`
	BuyerID     uuid.UUID `json:"buyer_id" gorm:"type:uuid;index"`
	SellerID    uuid.UUID `json:"seller_id" gorm:"type:uuid;index"`
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// PropertyHistory is the append-only clearing price series, one point per
// auction round per property. Rounds without a trade carry the last price
// forward with zero quantity.
type PropertyHistory struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	PropertyID uuid.UUID `json:"property_id" gorm:"type:uuid;index"`
	RecordedAt time.Time `json:"recorded_at" gorm:"index"`
	Price      int64     `json:"price"`
	Quantity   int64     `json:"quantity"`
}
