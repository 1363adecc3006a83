// Package memstore is an in-memory ledger used by tests and by the server's
// database-less dev mode. Units of work are serialized under one lock and
// roll back by restoring a snapshot, which trivially satisfies the row
// locking contract: a unit sees no concurrent mutations at all.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotex/internal/models"
	"spotex/internal/store"
)

type assetKey struct {
	userID int64
	symbol string
}

// Store implements store.Ledger in memory.
type Store struct {
	mu sync.RWMutex

	users      map[int64]*models.User
	userByName map[string]int64
	assets     map[int64]*models.Asset
	assetByKey map[assetKey]int64
	orders     map[int64]*models.Order
	trades     []models.Trade

	nextUserID  int64
	nextAssetID int64
	nextOrderID int64
	nextTradeID int64
}

// New creates an empty in-memory ledger.
func New() *Store {
	return &Store{
		users:      make(map[int64]*models.User),
		userByName: make(map[string]int64),
		assets:     make(map[int64]*models.Asset),
		assetByKey: make(map[assetKey]int64),
		orders:     make(map[int64]*models.Order),
	}
}

// RunAtomic runs fn under the store lock. On error the pre-unit snapshot is
// restored, so partial mutations never become visible.
func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshotState struct {
	users      map[int64]*models.User
	userByName map[string]int64
	assets     map[int64]*models.Asset
	assetByKey map[assetKey]int64
	orders     map[int64]*models.Order
	trades     []models.Trade
	nextIDs    [4]int64
}

func (s *Store) snapshot() snapshotState {
	snap := snapshotState{
		users:      make(map[int64]*models.User, len(s.users)),
		userByName: make(map[string]int64, len(s.userByName)),
		assets:     make(map[int64]*models.Asset, len(s.assets)),
		assetByKey: make(map[assetKey]int64, len(s.assetByKey)),
		orders:     make(map[int64]*models.Order, len(s.orders)),
		trades:     append([]models.Trade(nil), s.trades...),
		nextIDs:    [4]int64{s.nextUserID, s.nextAssetID, s.nextOrderID, s.nextTradeID},
	}
	for id, u := range s.users {
		cp := *u
		snap.users[id] = &cp
	}
	for name, id := range s.userByName {
		snap.userByName[name] = id
	}
	for id, a := range s.assets {
		cp := *a
		snap.assets[id] = &cp
	}
	for k, id := range s.assetByKey {
		snap.assetByKey[k] = id
	}
	for id, o := range s.orders {
		cp := *o
		snap.orders[id] = &cp
	}
	return snap
}

func (s *Store) restore(snap snapshotState) {
	s.users = snap.users
	s.userByName = snap.userByName
	s.assets = snap.assets
	s.assetByKey = snap.assetByKey
	s.orders = snap.orders
	s.trades = snap.trades
	s.nextUserID, s.nextAssetID, s.nextOrderID, s.nextTradeID =
		snap.nextIDs[0], snap.nextIDs[1], snap.nextIDs[2], snap.nextIDs[3]
}

// CreateUser inserts a user with a zero balance.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userByName[username]; exists {
		return nil, store.ErrUsernameTaken
	}
	s.nextUserID++
	u := &models.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      decimal.Zero,
		CreatedAt:    time.Now(),
	}
	s.users[u.ID] = u
	s.userByName[username] = u.ID
	cp := *u
	return &cp, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByName[username]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) UserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var assets []models.Asset
	for _, a := range s.assets {
		if a.UserID == userID {
			assets = append(assets, *a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

func (s *Store) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	// Newest first.
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (s *Store) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var trades []models.Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			trades = append(trades, t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID > trades[j].ID })
	return trades, nil
}

func (s *Store) OpenOrders(ctx context.Context, symbol string) (buys, sells []models.Order, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.Status != models.StatusOpen || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		if o.Side == models.SideBuy {
			buys = append(buys, *o)
		} else {
			sells = append(sells, *o)
		}
	}
	sort.Slice(buys, func(i, j int) bool {
		if !buys[i].Price.Equal(buys[j].Price) {
			return buys[i].Price.GreaterThan(buys[j].Price)
		}
		return buys[i].ID < buys[j].ID
	})
	sort.Slice(sells, func(i, j int) bool {
		if !sells[i].Price.Equal(sells[j].Price) {
			return sells[i].Price.LessThan(sells[j].Price)
		}
		return sells[i].ID < sells[j].ID
	})
	return buys, sells, nil
}

// memTx mutates the live state; RunAtomic's snapshot handles rollback.
type memTx struct {
	s *Store
}

func (t *memTx) UserForUpdate(ctx context.Context, id int64) (*models.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) SetUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	u, ok := t.s.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	u.Balance = balance
	return nil
}

func (t *memTx) AssetForUpdate(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	id, ok := t.s.assetByKey[assetKey{userID, symbol}]
	if !ok {
		return nil, store.ErrAssetNotFound
	}
	cp := *t.s.assets[id]
	return &cp, nil
}

func (t *memTx) EnsureAssetForUpdate(ctx context.Context, userID int64, symbol string) (*models.Asset, error) {
	if a, err := t.AssetForUpdate(ctx, userID, symbol); err == nil {
		return a, nil
	}
	t.s.nextAssetID++
	a := &models.Asset{
		ID:           t.s.nextAssetID,
		UserID:       userID,
		Symbol:       symbol,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
	}
	t.s.assets[a.ID] = a
	t.s.assetByKey[assetKey{userID, symbol}] = a.ID
	cp := *a
	return &cp, nil
}

func (t *memTx) SetAssetAmounts(ctx context.Context, id int64, amount, lockedAmount decimal.Decimal) error {
	a, ok := t.s.assets[id]
	if !ok {
		return store.ErrAssetNotFound
	}
	a.Amount = amount
	a.LockedAmount = lockedAmount
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	t.s.nextOrderID++
	cp := *o
	cp.ID = t.s.nextOrderID
	cp.CreatedAt = time.Now()
	t.s.orders[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (t *memTx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) SetOrderStatus(ctx context.Context, id int64, status string) error {
	o, ok := t.s.orders[id]
	if !ok {
		return store.ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (t *memTx) LockCounterOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	wantSide := models.SideSell
	if o.Side == models.SideSell {
		wantSide = models.SideBuy
	}

	var best *models.Order
	for _, c := range t.s.orders {
		if c.Status != models.StatusOpen || c.Side != wantSide || c.Symbol != o.Symbol {
			continue
		}
		if c.UserID == o.UserID || !c.Amount.Equal(o.Amount) {
			continue
		}
		if o.Side == models.SideBuy && c.Price.GreaterThan(o.Price) {
			continue
		}
		if o.Side == models.SideSell && c.Price.LessThan(o.Price) {
			continue
		}
		if best == nil || counterBetter(o.Side, c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// counterBetter reports whether a beats b as a counter-order for the given
// incoming side: best price for the incoming order first, then time
// priority, then lowest id.
func counterBetter(incomingSide string, a, b *models.Order) bool {
	if !a.Price.Equal(b.Price) {
		if incomingSide == models.SideBuy {
			return a.Price.LessThan(b.Price)
		}
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (t *memTx) CreateTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	t.s.nextTradeID++
	cp := *tr
	cp.ID = t.s.nextTradeID
	cp.CreatedAt = time.Now()
	t.s.trades = append(t.s.trades, cp)
	out := cp
	return &out, nil
}
