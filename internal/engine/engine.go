// Package engine implements the order engine: fund and asset custody for
// limit orders, full-amount matching and atomic settlement with commission.
// All state changes run inside one ledger unit of work under exclusive row
// locks; notifications are emitted only after the unit has committed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"spotex/internal/models"
	"spotex/internal/money"
	"spotex/internal/store"
)

// Expected failure modes surfaced to callers. Handlers map these to HTTP
// statuses with errors.Is.
var (
	ErrValidation        = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInsufficientAsset = errors.New("insufficient asset balance")
	ErrAssetNotFound     = errors.New("asset not found")
	ErrOrderNotOpen      = errors.New("order is not open")
	ErrUnauthorized      = errors.New("order does not belong to user")
	ErrNotFound          = errors.New("order not found")
)

// Notifier receives events after a unit of work has committed.
type Notifier interface {
	// OrderPlaced signals that the symbol's order book changed.
	OrderPlaced(symbol string)
	// OrderMatched delivers the trade to buyer and seller individually.
	OrderMatched(buyerID, sellerID int64, trade *models.Trade)
}

// Config carries the engine's policy values.
type Config struct {
	Symbols        []string        // allowed trading symbols
	CommissionRate decimal.Decimal // fraction of trade value, charged to the buyer
}

// Engine is the order lifecycle manager, matching engine and settlement
// executor over a ledger.
type Engine struct {
	ledger   store.Ledger
	cfg      Config
	notifier Notifier
	logger   *slog.Logger
}

// New creates an engine. notifier may be nil when no push transport exists.
func New(ledger store.Ledger, cfg Config, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: ledger, cfg: cfg, notifier: notifier, logger: logger}
}

// PlacementResult reports the outcome of a successful order placement.
type PlacementResult struct {
	Order   *models.Order
	Matched bool
	Trade   *models.Trade
}

// PlaceOrder validates the request, reserves the buyer's funds or the
// seller's asset under lock, creates the order and tries to match it, all in
// one atomic unit. The reservation is price*amount for a buy (full limit
// price, refunded down to the execution price at settlement) and amount of
// the asset's available balance for a sell.
func (e *Engine) PlaceOrder(ctx context.Context, userID int64, symbol, side string, price, amount decimal.Decimal) (*PlacementResult, error) {
	symbol = strings.ToUpper(symbol)
	if !slices.Contains(e.cfg.Symbols, symbol) {
		return nil, fmt.Errorf("%w: unsupported symbol %q", ErrValidation, symbol)
	}
	if side != models.SideBuy && side != models.SideSell {
		return nil, fmt.Errorf("%w: side must be %q or %q", ErrValidation, models.SideBuy, models.SideSell)
	}
	if !money.IsPositive(price) {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if !money.IsPositive(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	res := &PlacementResult{}
	err := e.ledger.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if side == models.SideBuy {
			res.Order, err = e.reserveBuy(ctx, tx, userID, symbol, price, amount)
		} else {
			res.Order, err = e.reserveSell(ctx, tx, userID, symbol, price, amount)
		}
		if err != nil {
			return err
		}

		counter, err := tx.LockCounterOrder(ctx, res.Order)
		if err != nil {
			return fmt.Errorf("failed to scan for counter-order: %w", err)
		}
		if counter == nil {
			return nil
		}

		buy, sell := res.Order, counter
		if side == models.SideSell {
			buy, sell = counter, res.Order
		}
		trade, err := e.settle(ctx, tx, buy, sell)
		if err != nil {
			return err
		}
		if trade != nil {
			res.Matched = true
			res.Trade = trade
			res.Order.Status = models.StatusFilled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order placed",
		"order_id", res.Order.ID, "user_id", userID, "symbol", symbol,
		"side", side, "price", money.Format(price), "amount", money.Format(amount),
		"matched", res.Matched)

	if e.notifier != nil {
		e.notifier.OrderPlaced(symbol)
		if res.Matched {
			e.notifier.OrderMatched(res.Trade.BuyerID, res.Trade.SellerID, res.Trade)
		}
	}
	return res, nil
}

// reserveBuy debits price*amount from the user's balance and creates the
// open buy order.
func (e *Engine) reserveBuy(ctx context.Context, tx store.Tx, userID int64, symbol string, price, amount decimal.Decimal) (*models.Order, error) {
	user, err := tx.UserForUpdate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}

	total := money.Mul(price, amount)
	if user.Balance.LessThan(total) {
		return nil, ErrInsufficientFunds
	}
	if err := tx.SetUserBalance(ctx, user.ID, user.Balance.Sub(total)); err != nil {
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	return tx.CreateOrder(ctx, &models.Order{
		UserID: userID,
		Symbol: symbol,
		Side:   models.SideBuy,
		Price:  price,
		Amount: amount,
		Status: models.StatusOpen,
	})
}

// reserveSell locks amount of the user's asset and creates the open sell order.
func (e *Engine) reserveSell(ctx context.Context, tx store.Tx, userID int64, symbol string, price, amount decimal.Decimal) (*models.Order, error) {
	asset, err := tx.AssetForUpdate(ctx, userID, symbol)
	if err != nil {
		if errors.Is(err, store.ErrAssetNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}

	if asset.Available().LessThan(amount) {
		return nil, ErrInsufficientAsset
	}
	if err := tx.SetAssetAmounts(ctx, asset.ID, asset.Amount, asset.LockedAmount.Add(amount)); err != nil {
		return nil, fmt.Errorf("failed to lock asset amount: %w", err)
	}

	return tx.CreateOrder(ctx, &models.Order{
		UserID: userID,
		Symbol: symbol,
		Side:   models.SideSell,
		Price:  price,
		Amount: amount,
		Status: models.StatusOpen,
	})
}

// CancelOrder releases an open order's reservation and marks it cancelled.
// The order row lock serializes cancellation against concurrent matching:
// whichever acquires the lock first wins, the other sees the terminal status.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) error {
	err := e.ledger.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrOrderNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock order %d: %w", orderID, err)
		}
		if order.UserID != userID {
			return ErrUnauthorized
		}
		if !order.IsOpen() {
			return ErrOrderNotOpen
		}

		if order.Side == models.SideBuy {
			user, err := tx.UserForUpdate(ctx, order.UserID)
			if err != nil {
				return fmt.Errorf("failed to lock user %d: %w", order.UserID, err)
			}
			refund := money.Mul(order.Price, order.Amount)
			if err := tx.SetUserBalance(ctx, user.ID, user.Balance.Add(refund)); err != nil {
				return fmt.Errorf("failed to refund reservation: %w", err)
			}
		} else {
			asset, err := tx.AssetForUpdate(ctx, order.UserID, order.Symbol)
			if err != nil {
				return fmt.Errorf("failed to lock asset: %w", err)
			}
			locked := asset.LockedAmount.Sub(order.Amount)
			if locked.Sign() < 0 {
				return fmt.Errorf("locked amount for user %d %s would go negative", order.UserID, order.Symbol)
			}
			if err := tx.SetAssetAmounts(ctx, asset.ID, asset.Amount, locked); err != nil {
				return fmt.Errorf("failed to release asset: %w", err)
			}
		}

		return tx.SetOrderStatus(ctx, order.ID, models.StatusCancelled)
	})
	if err != nil {
		return err
	}

	e.logger.Info("order cancelled", "order_id", orderID, "user_id", userID)
	return nil
}
