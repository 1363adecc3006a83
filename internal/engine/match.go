package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"spotex/internal/models"
	"spotex/internal/money"
	"spotex/internal/store"
)

// settle executes a matched buy/sell pair inside the caller's unit of work.
// It returns (nil, nil) when the match must be abandoned without failing the
// unit: the counter-order stopped being open, the pair would self-trade, or
// the buyer cannot cover the commission. The incoming order then simply
// rests on the book with its reservation intact.
func (e *Engine) settle(ctx context.Context, tx store.Tx, buy, sell *models.Order) (*models.Trade, error) {
	// Re-acquire both order rows in ascending-id order and re-verify their
	// status: between selection and execution a concurrent cancel or match
	// may have reached the counter-order first.
	first, second := buy, sell
	if second.ID < first.ID {
		first, second = second, first
	}
	for _, o := range []**models.Order{&first, &second} {
		locked, err := tx.OrderForUpdate(ctx, (*o).ID)
		if err != nil {
			return nil, fmt.Errorf("failed to relock order %d: %w", (*o).ID, err)
		}
		*o = locked
	}
	if buy.ID == first.ID {
		buy, sell = first, second
	} else {
		buy, sell = second, first
	}
	if !buy.IsOpen() || !sell.IsOpen() {
		e.logger.Warn("match abandoned, order no longer open",
			"buy_order_id", buy.ID, "sell_order_id", sell.ID)
		return nil, nil
	}

	// Self-trade prevention is a rule of its own, not just a filter in the
	// counter-order query.
	if buy.UserID == sell.UserID {
		e.logger.Warn("match abandoned, self-trade",
			"user_id", buy.UserID, "buy_order_id", buy.ID, "sell_order_id", sell.ID)
		return nil, nil
	}

	if buy.Amount.Cmp(sell.Amount) != 0 {
		return nil, fmt.Errorf("matched orders %d and %d have unequal amounts", buy.ID, sell.ID)
	}
	// Matching guarantees sell.price <= buy.price; the refund computation
	// below depends on it, so verify rather than trust.
	if buy.Price.LessThan(sell.Price) {
		return nil, fmt.Errorf("matched orders %d and %d have crossed prices", buy.ID, sell.ID)
	}

	// The resting order is the maker and sets the execution price.
	price := sell.Price
	amount := buy.Amount
	total := money.Mul(price, amount)
	commission := money.Mul(total, e.cfg.CommissionRate)

	// The buyer reserved at its own limit price; anything above the
	// execution price comes back.
	refund := money.Mul(buy.Price, amount).Sub(total)

	buyer, seller, err := lockUsersAscending(ctx, tx, buy.UserID, sell.UserID)
	if err != nil {
		return nil, err
	}

	buyerBalance := buyer.Balance.Add(refund).Sub(commission)
	if buyerBalance.Sign() < 0 {
		// Never drive a balance negative: without funds for the commission
		// the match is abandoned and both orders stay open.
		e.logger.Warn("match abandoned, buyer cannot cover commission",
			"buyer_id", buyer.ID, "commission", money.Format(commission))
		return nil, nil
	}
	if err := tx.SetUserBalance(ctx, buyer.ID, buyerBalance); err != nil {
		return nil, fmt.Errorf("failed to settle buyer balance: %w", err)
	}
	if err := tx.SetUserBalance(ctx, seller.ID, seller.Balance.Add(total)); err != nil {
		return nil, fmt.Errorf("failed to settle seller balance: %w", err)
	}

	if err := e.transferAsset(ctx, tx, buy, sell, amount); err != nil {
		return nil, err
	}

	if err := tx.SetOrderStatus(ctx, buy.ID, models.StatusFilled); err != nil {
		return nil, fmt.Errorf("failed to fill buy order: %w", err)
	}
	if err := tx.SetOrderStatus(ctx, sell.ID, models.StatusFilled); err != nil {
		return nil, fmt.Errorf("failed to fill sell order: %w", err)
	}

	trade, err := tx.CreateTrade(ctx, &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Symbol:      buy.Symbol,
		Price:       price,
		Amount:      amount,
		Total:       total,
		Commission:  commission,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}

	e.logger.Info("orders matched",
		"trade_id", trade.ID, "buy_order_id", buy.ID, "sell_order_id", sell.ID,
		"price", money.Format(price), "amount", money.Format(amount),
		"commission", money.Format(commission))
	return trade, nil
}

// transferAsset moves amount of the symbol from seller to buyer: the
// seller's row drops both amount and locked_amount (releasing the sell
// reservation), the buyer's row, created at zero if absent, gains amount
// unlocked.
func (e *Engine) transferAsset(ctx context.Context, tx store.Tx, buy, sell *models.Order, amount decimal.Decimal) error {
	// Asset rows lock in ascending owner-id order, like user rows.
	if buy.UserID < sell.UserID {
		if err := e.creditBuyerAsset(ctx, tx, buy, amount); err != nil {
			return err
		}
		return e.debitSellerAsset(ctx, tx, sell, amount)
	}
	if err := e.debitSellerAsset(ctx, tx, sell, amount); err != nil {
		return err
	}
	return e.creditBuyerAsset(ctx, tx, buy, amount)
}

func (e *Engine) debitSellerAsset(ctx context.Context, tx store.Tx, sell *models.Order, amount decimal.Decimal) error {
	asset, err := tx.AssetForUpdate(ctx, sell.UserID, sell.Symbol)
	if err != nil {
		return fmt.Errorf("failed to lock seller asset: %w", err)
	}
	newAmount := asset.Amount.Sub(amount)
	newLocked := asset.LockedAmount.Sub(amount)
	if newAmount.Sign() < 0 || newLocked.Sign() < 0 || newLocked.GreaterThan(newAmount) {
		return fmt.Errorf("seller asset invariant violated for user %d %s", sell.UserID, sell.Symbol)
	}
	if err := tx.SetAssetAmounts(ctx, asset.ID, newAmount, newLocked); err != nil {
		return fmt.Errorf("failed to debit seller asset: %w", err)
	}
	return nil
}

func (e *Engine) creditBuyerAsset(ctx context.Context, tx store.Tx, buy *models.Order, amount decimal.Decimal) error {
	asset, err := tx.EnsureAssetForUpdate(ctx, buy.UserID, buy.Symbol)
	if err != nil {
		return fmt.Errorf("failed to lock buyer asset: %w", err)
	}
	if err := tx.SetAssetAmounts(ctx, asset.ID, asset.Amount.Add(amount), asset.LockedAmount); err != nil {
		return fmt.Errorf("failed to credit buyer asset: %w", err)
	}
	return nil
}

// lockUsersAscending locks both parties' user rows in ascending-id order so
// concurrent settlements touching the same users cannot deadlock, and
// returns them as (buyer, seller).
func lockUsersAscending(ctx context.Context, tx store.Tx, buyerID, sellerID int64) (buyer, seller *models.User, err error) {
	firstID, secondID := buyerID, sellerID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	first, err := tx.UserForUpdate(ctx, firstID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock user %d: %w", firstID, err)
	}
	second, err := tx.UserForUpdate(ctx, secondID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock user %d: %w", secondID, err)
	}
	if first.ID == buyerID {
		return first, second, nil
	}
	return second, first, nil
}
