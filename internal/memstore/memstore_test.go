package memstore

import (
	"context"
	"errors"
	"testing"

	"spotex/internal/models"
	"spotex/internal/money"
	"spotex/internal/store"
)

func TestRunAtomic_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	user, err := s.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	err = s.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SetUserBalance(ctx, user.ID, money.MustParse("100")); err != nil {
			return err
		}
		if _, err := tx.CreateOrder(ctx, &models.Order{
			UserID: user.ID, Symbol: "BTC", Side: models.SideBuy,
			Price: money.MustParse("1"), Amount: money.MustParse("1"), Status: models.StatusOpen,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.UserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Balance.IsZero() {
		t.Errorf("balance mutation not rolled back: %s", got.Balance)
	}
	orders, _ := s.UserOrders(ctx, user.ID)
	if len(orders) != 0 {
		t.Errorf("order creation not rolled back: %d orders", len(orders))
	}
}

func TestLockCounterOrder_Selection(t *testing.T) {
	ctx := context.Background()
	s := New()

	alice, _ := s.CreateUser(ctx, "alice", "hash")
	bob, _ := s.CreateUser(ctx, "bob", "hash")
	carol, _ := s.CreateUser(ctx, "carol", "hash")

	one := money.MustParse("1")
	mkSell := func(userID int64, price string, amount string) int64 {
		var id int64
		err := s.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
			o, err := tx.CreateOrder(ctx, &models.Order{
				UserID: userID, Symbol: "BTC", Side: models.SideSell,
				Price: money.MustParse(price), Amount: money.MustParse(amount), Status: models.StatusOpen,
			})
			if err != nil {
				return err
			}
			id = o.ID
			return nil
		})
		if err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
		return id
	}

	cheap := mkSell(bob.ID, "49000", "1")
	mkSell(carol.ID, "50000", "1")
	mkSell(bob.ID, "48000", "2")     // wrong amount, must never match
	mkSell(alice.ID, "47000", "1")   // self-trade, excluded
	laterCheap := mkSell(carol.ID, "49000", "1")

	err := s.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		counter, err := tx.LockCounterOrder(ctx, &models.Order{
			UserID: alice.ID, Symbol: "BTC", Side: models.SideBuy, Price: money.MustParse("50000"), Amount: one,
		})
		if err != nil {
			return err
		}
		if counter == nil {
			t.Fatal("expected a counter-order")
		}
		if counter.ID != cheap {
			t.Errorf("expected lowest-price earliest order %d, got %d (later same-price id %d)", cheap, counter.ID, laterCheap)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Price below every ask: no match.
	err = s.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		counter, err := tx.LockCounterOrder(ctx, &models.Order{
			UserID: alice.ID, Symbol: "BTC", Side: models.SideBuy, Price: money.MustParse("100"), Amount: one,
		})
		if err != nil {
			return err
		}
		if counter != nil {
			t.Errorf("expected no counter-order, got %d", counter.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenOrders_Sorting(t *testing.T) {
	ctx := context.Background()
	s := New()

	alice, _ := s.CreateUser(ctx, "alice", "hash")

	add := func(side, price string) {
		err := s.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.CreateOrder(ctx, &models.Order{
				UserID: alice.ID, Symbol: "BTC", Side: side,
				Price: money.MustParse(price), Amount: money.MustParse("1"), Status: models.StatusOpen,
			})
			return err
		})
		if err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
	}

	add(models.SideBuy, "49000")
	add(models.SideBuy, "51000")
	add(models.SideBuy, "50000")
	add(models.SideSell, "53000")
	add(models.SideSell, "52000")

	buys, sells, err := s.OpenOrders(ctx, "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buys) != 3 || len(sells) != 2 {
		t.Fatalf("expected 3 buys and 2 sells, got %d and %d", len(buys), len(sells))
	}
	if !buys[0].Price.Equal(money.MustParse("51000")) {
		t.Errorf("expected highest buy first, got %s", buys[0].Price)
	}
	if !sells[0].Price.Equal(money.MustParse("52000")) {
		t.Errorf("expected lowest sell first, got %s", sells[0].Price)
	}
}
