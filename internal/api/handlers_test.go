package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotex/internal/auth"
	"spotex/internal/engine"
	"spotex/internal/memstore"
	"spotex/internal/money"
	"spotex/internal/store"
)

type testServer struct {
	router *chi.Mux
	ledger *memstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ledger := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(ledger, engine.Config{
		Symbols:        []string{"BTC", "ETH"},
		CommissionRate: money.MustParse("0.015"),
	}, nil, logger)
	authService := auth.NewService(ledger, "test-secret")
	handler := NewHandler(ledger, eng, authService)

	r := chi.NewRouter()
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook", handler.GetOrderBook)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Get("/profile", handler.Profile)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
	})

	return &testServer{router: r, ledger: ledger}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// registerAndLogin creates a user, funds it and returns a bearer token.
func (ts *testServer) registerAndLogin(t *testing.T, username, balance string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username, "password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	userID := int64(decodeBody(t, rec)["id"].(float64))

	if balance != "" {
		err := ts.ledger.RunAtomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.SetUserBalance(ctx, userID, money.MustParse(balance))
		})
		require.NoError(t, err)
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username, "password": "password123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["token"].(string)
}

func (ts *testServer) fundAsset(t *testing.T, username, symbol, amount string) {
	t.Helper()
	ctx := context.Background()
	user, err := ts.ledger.UserByUsername(ctx, username)
	require.NoError(t, err)
	err = ts.ledger.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
		asset, err := tx.EnsureAssetForUpdate(ctx, user.ID, symbol)
		if err != nil {
			return err
		}
		return tx.SetAssetAmounts(ctx, asset.ID, money.MustParse(amount), money.Zero)
	})
	require.NoError(t, err)
}

func TestRegisterEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "alice", body["username"])

	// Duplicate username
	rec = ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing fields
	rec = ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "bob",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.registerAndLogin(t, "alice", "")

	rec := ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "ghost", "password": "password123",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/profile"},
		{http.MethodPost, "/orders"},
		{http.MethodGet, "/orders"},
		{http.MethodDelete, "/orders/1"},
		{http.MethodGet, "/trades"},
	} {
		rec := ts.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}

	rec := ts.do(t, http.MethodGet, "/profile", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfileEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.registerAndLogin(t, "bob", "50000")
	ts.fundAsset(t, "bob", "BTC", "2")

	rec := ts.do(t, http.MethodGet, "/profile", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "50000", body["balance"])

	assets := body["assets"].([]any)
	require.Len(t, assets, 1)
	asset := assets[0].(map[string]any)
	assert.Equal(t, "BTC", asset["symbol"])
	assert.Equal(t, "2", asset["amount"])
	assert.Equal(t, "2", asset["available"])
}

func TestPlaceOrderEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.registerAndLogin(t, "alice", "100000")

	rec := ts.do(t, http.MethodPost, "/orders", token, map[string]any{
		"symbol": "BTC", "side": "buy", "price": "50000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Order created successfully", body["message"])
	assert.Equal(t, false, body["matched"])

	order := body["order"].(map[string]any)
	assert.Equal(t, "open", order["status"])

	// Funds were reserved, so an identical second order must fail.
	rec = ts.do(t, http.MethodPost, "/orders", token, map[string]any{
		"symbol": "BTC", "side": "buy", "price": "50000", "amount": "1.1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Insufficient balance", decodeBody(t, rec)["error"])
}

func TestPlaceOrderEndpoint_Validation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.registerAndLogin(t, "alice", "100000")

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "BadSymbol", body: map[string]any{"symbol": "DOGE", "side": "buy", "price": "1", "amount": "1"}},
		{name: "BadSide", body: map[string]any{"symbol": "BTC", "side": "short", "price": "1", "amount": "1"}},
		{name: "ZeroPrice", body: map[string]any{"symbol": "BTC", "side": "buy", "price": "0", "amount": "1"}},
		{name: "ZeroAmount", body: map[string]any{"symbol": "BTC", "side": "buy", "price": "1", "amount": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/orders", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestFullTradeFlow(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.registerAndLogin(t, "alice", "100000")
	bobToken := ts.registerAndLogin(t, "bob", "50000")
	ts.fundAsset(t, "bob", "BTC", "2")

	// Alice bids 50000 for 1 BTC.
	rec := ts.do(t, http.MethodPost, "/orders", aliceToken, map[string]any{
		"symbol": "BTC", "side": "buy", "price": "50000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The book shows her bid.
	rec = ts.do(t, http.MethodGet, "/orderbook?symbol=btc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decodeBody(t, rec)
	assert.Len(t, book["buy_orders"].([]any), 1)
	assert.Len(t, book["sell_orders"].([]any), 0)

	// Bob asks 49000 for 1 BTC and matches.
	rec = ts.do(t, http.MethodPost, "/orders", bobToken, map[string]any{
		"symbol": "BTC", "side": "sell", "price": "49000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Order matched successfully", body["message"])
	assert.Equal(t, true, body["matched"])

	trade := body["match_details"].(map[string]any)
	assert.Equal(t, "49000", trade["price"])
	assert.Equal(t, "735", trade["commission"])

	// The book is empty again.
	rec = ts.do(t, http.MethodGet, "/orderbook?symbol=BTC", "", nil)
	book = decodeBody(t, rec)
	assert.Len(t, book["buy_orders"].([]any), 0)
	assert.Len(t, book["sell_orders"].([]any), 0)

	// Alice paid 49000 plus 735 commission.
	rec = ts.do(t, http.MethodGet, "/profile", aliceToken, nil)
	body = decodeBody(t, rec)
	assert.Equal(t, "50265", body["balance"])

	// Bob received the proceeds and kept his other coin.
	rec = ts.do(t, http.MethodGet, "/profile", bobToken, nil)
	body = decodeBody(t, rec)
	assert.Equal(t, "99000", body["balance"])

	// Trade history reflects each side's view.
	rec = ts.do(t, http.MethodGet, "/trades", aliceToken, nil)
	trades := decodeBody(t, rec)["trades"].([]any)
	require.Len(t, trades, 1)
	aliceTrade := trades[0].(map[string]any)
	assert.Equal(t, "buy", aliceTrade["side"])
	assert.Equal(t, "735", aliceTrade["commission"])

	rec = ts.do(t, http.MethodGet, "/trades", bobToken, nil)
	trades = decodeBody(t, rec)["trades"].([]any)
	require.Len(t, trades, 1)
	bobTrade := trades[0].(map[string]any)
	assert.Equal(t, "sell", bobTrade["side"])
	assert.Equal(t, "0", bobTrade["commission"])

	// Both orders are filled.
	rec = ts.do(t, http.MethodGet, "/orders", aliceToken, nil)
	orders := decodeBody(t, rec)["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "filled", orders[0].(map[string]any)["status"])
}

func TestCancelOrderEndpoint(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.registerAndLogin(t, "alice", "100000")
	bobToken := ts.registerAndLogin(t, "bob", "100000")

	rec := ts.do(t, http.MethodPost, "/orders", aliceToken, map[string]any{
		"symbol": "BTC", "side": "buy", "price": "50000", "amount": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := int64(decodeBody(t, rec)["order"].(map[string]any)["id"].(float64))

	// Bob cannot cancel Alice's order.
	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/orders/notanumber", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/orders/99999", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The reservation came back.
	rec = ts.do(t, http.MethodGet, "/profile", aliceToken, nil)
	assert.Equal(t, "100000", decodeBody(t, rec)["balance"])

	// Cancelling again fails.
	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
