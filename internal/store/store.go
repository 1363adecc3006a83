// Package store defines the ledger contracts the engine runs against. A
// Ledger provides read access and atomic units of work; inside a unit, a Tx
// exposes row-locking reads whose locks are held until the unit commits or
// rolls back. Both the PostgreSQL ledger (internal/db) and the in-memory
// ledger (internal/memstore) satisfy these.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"spotex/internal/models"
)

// Row-level lookup failures shared by all ledger implementations.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrAssetNotFound = errors.New("asset not found")
	ErrOrderNotFound = errors.New("order not found")
)

// Ledger is the durable store for users, assets, orders and trades.
type Ledger interface {
	// RunAtomic executes fn inside one atomic unit of work. Every mutation
	// made through the Tx is committed iff fn returns nil; any error rolls
	// back all of them.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)

	UserAssets(ctx context.Context, userID int64) ([]models.Asset, error)
	UserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	UserTrades(ctx context.Context, userID int64) ([]models.Trade, error)

	// OpenOrders returns the order book for a symbol: open buys sorted by
	// price descending, open sells by price ascending, ties by creation time.
	OpenOrders(ctx context.Context, symbol string) (buys, sells []models.Order, err error)
}

// Tx is the locking view of the ledger inside one unit of work. ForUpdate
// methods take an exclusive lock on the row; the lock lives until the unit
// ends. Callers are responsible for acquiring locks in ascending-id order
// when more than one row of a kind is involved.
type Tx interface {
	UserForUpdate(ctx context.Context, id int64) (*models.User, error)
	SetUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error

	AssetForUpdate(ctx context.Context, userID int64, symbol string) (*models.Asset, error)
	// EnsureAssetForUpdate locks the (user, symbol) asset row, creating it
	// with zero amounts first if it does not exist.
	EnsureAssetForUpdate(ctx context.Context, userID int64, symbol string) (*models.Asset, error)
	SetAssetAmounts(ctx context.Context, id int64, amount, lockedAmount decimal.Decimal) error

	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	OrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status string) error

	// LockCounterOrder selects and locks the best eligible counter-order for
	// o: opposite side, same symbol, open, different owner, equal amount,
	// overlapping price. Best price for o's benefit wins, then earliest
	// creation, then lowest id. Returns (nil, nil) when no order qualifies.
	LockCounterOrder(ctx context.Context, o *models.Order) (*models.Order, error)

	CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error)
}
