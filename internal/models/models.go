package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses. Filled and cancelled are terminal.
const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

// User represents a registered user holding the cash balance used for buy orders
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Balance      decimal.Decimal
	CreatedAt    time.Time
}

// Asset is a (user, symbol) holding. LockedAmount is the portion reserved
// by the user's open sell orders; Available() is what new sell orders may use.
type Asset struct {
	ID           int64
	UserID       int64
	Symbol       string
	Amount       decimal.Decimal
	LockedAmount decimal.Decimal
}

// Available returns Amount - LockedAmount.
func (a *Asset) Available() decimal.Decimal {
	return a.Amount.Sub(a.LockedAmount)
}

// Order represents a limit order for a fixed amount. Orders only ever match
// at exactly equal amounts; there are no partial fills.
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
}

// IsOpen reports whether the order can still be matched or cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Trade is the immutable record of one settled match.
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	Commission  decimal.Decimal `json:"commission"`
	CreatedAt   time.Time       `json:"created_at"`
}
