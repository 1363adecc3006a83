// Package db implements the ledger on PostgreSQL. Row locks are taken with
// SELECT ... FOR UPDATE inside an explicit transaction, which is the atomic
// unit of work the engine runs in.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spotex/internal/models"
	"spotex/internal/store"
)

// Store wraps a PostgreSQL connection pool and implements store.Ledger.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore initializes a new database connection pool
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.Pool.Close()
}

// RunAtomic runs fn inside one transaction; any error rolls everything back.
func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const userCols = "id, username, password_hash, balance, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Balance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new user with a zero balance.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	row := s.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING "+userCols,
		username, passwordHash)
	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, store.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// UserByID retrieves a user by id.
func (s *Store) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.Pool.QueryRow(ctx,
		"SELECT "+userCols+" FROM users WHERE id = $1", id))
}

// UserByUsername retrieves a user by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.Pool.QueryRow(ctx,
		"SELECT "+userCols+" FROM users WHERE username = $1", username))
}

// UserAssets retrieves all asset rows held by a user.
func (s *Store) UserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT id, user_id, symbol, amount, locked_amount FROM assets WHERE user_id = $1 ORDER BY symbol",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.UserID, &a.Symbol, &a.Amount, &a.LockedAmount); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

const orderCols = "id, user_id, symbol, side, price, amount, status, created_at"

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Price, &o.Amount, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UserOrders retrieves all orders for a user, newest first.
func (s *Store) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT "+orderCols+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return scanOrders(rows)
}

// UserTrades retrieves all trades where the user was buyer or seller, newest first.
func (s *Store) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, total, commission, created_at
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&t.Symbol, &t.Price, &t.Amount, &t.Total, &t.Commission, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// OpenOrders retrieves the order book for a symbol: buys by price descending,
// sells ascending, ties broken by creation time.
func (s *Store) OpenOrders(ctx context.Context, symbol string) (buys, sells []models.Order, err error) {
	query := func(side, direction string) ([]models.Order, error) {
		rows, err := s.Pool.Query(ctx,
			"SELECT "+orderCols+" FROM orders WHERE status = 'open' AND side = $1 AND ($2 = '' OR symbol = $2)"+
				" ORDER BY price "+direction+", created_at ASC, id ASC",
			side, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to get open %s orders: %w", side, err)
		}
		return scanOrders(rows)
	}
	if buys, err = query(models.SideBuy, "DESC"); err != nil {
		return nil, nil, err
	}
	if sells, err = query(models.SideSell, "ASC"); err != nil {
		return nil, nil, err
	}
	return buys, sells, nil
}

// pgTx implements store.Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UserForUpdate(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userCols+" FROM users WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) SetUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2", balance, id)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	a := &models.Asset{}
	err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &a.Amount, &a.LockedAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}
	return a, nil
}

func (t *pgTx) AssetForUpdate(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	return scanAsset(t.tx.QueryRow(ctx,
		"SELECT id, user_id, symbol, amount, locked_amount FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol))
}

func (t *pgTx) EnsureAssetForUpdate(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO assets (user_id, symbol) VALUES ($1, $2) ON CONFLICT (user_id, symbol) DO NOTHING",
		userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure asset row: %w", err)
	}
	return t.AssetForUpdate(ctx, userID, symbol)
}

func (t *pgTx) SetAssetAmounts(ctx context.Context, id int64, amount, lockedAmount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE assets SET amount = $1, locked_amount = $2 WHERE id = $3",
		amount, lockedAmount, id)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAssetNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Price, &o.Amount, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	row := t.tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol, side, price, amount, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+orderCols,
		o.UserID, o.Symbol, o.Side, o.Price, o.Amount, o.Status)
	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int64, status string) error {
	tag, err := t.tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOrderNotFound
	}
	return nil
}

// LockCounterOrder finds and locks the best eligible counter-order: opposite
// side, same symbol, open, different owner, exactly equal amount, price
// overlapping the incoming limit. Best price for the incoming order wins,
// then time priority, then lowest id. FOR UPDATE keeps a concurrent matcher
// from selecting the same row.
func (t *pgTx) LockCounterOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	var side, priceCond, direction string
	if o.Side == models.SideBuy {
		side, priceCond, direction = models.SideSell, "price <= $4", "ASC"
	} else {
		side, priceCond, direction = models.SideBuy, "price >= $4", "DESC"
	}

	counter, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderCols+" FROM orders"+
			" WHERE symbol = $1 AND side = $2 AND status = 'open' AND user_id <> $3 AND "+priceCond+" AND amount = $5"+
			" ORDER BY price "+direction+", created_at ASC, id ASC LIMIT 1 FOR UPDATE",
		o.Symbol, side, o.UserID, o.Price, o.Amount))
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return counter, nil
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	created := &models.Trade{}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, total, commission)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, total, commission, created_at`,
		tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.Symbol,
		tr.Price, tr.Amount, tr.Total, tr.Commission).Scan(
		&created.ID, &created.BuyOrderID, &created.SellOrderID, &created.BuyerID, &created.SellerID,
		&created.Symbol, &created.Price, &created.Amount, &created.Total, &created.Commission, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return created, nil
}
