package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"spotex/internal/auth"
	"spotex/internal/engine"
	"spotex/internal/models"
	"spotex/internal/money"
	"spotex/internal/store"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Ledger store.Ledger
	Engine *engine.Engine
	Auth   *auth.Service
}

// NewHandler creates a new handler
func NewHandler(ledger store.Ledger, eng *engine.Engine, authSvc *auth.Service) *Handler {
	return &Handler{Ledger: ledger, Engine: eng, Auth: authSvc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "Username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.Auth.UserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok
}

// Profile returns the caller's cash balance and asset holdings.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.Ledger.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve profile")
		return
	}
	assets, err := h.Ledger.UserAssets(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve assets")
		return
	}

	assetViews := make([]map[string]any, 0, len(assets))
	for _, a := range assets {
		assetViews = append(assetViews, map[string]any{
			"symbol":        a.Symbol,
			"amount":        a.Amount,
			"locked_amount": a.LockedAmount,
			"available":     a.Available(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance": user.Balance,
		"assets":  assetViews,
	})
}

// PlaceOrder handles order placement and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Symbol string          `json:"symbol"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.Engine.PlaceOrder(r.Context(), userID, req.Symbol, req.Side,
		req.Price.Truncate(money.Scale), req.Amount.Truncate(money.Scale))
	if err != nil {
		status, message := engineError(err)
		writeError(w, status, message)
		return
	}

	message := "Order created successfully"
	if res.Matched {
		message = "Order matched successfully"
	}
	body := map[string]any{
		"message": message,
		"order":   res.Order,
		"matched": res.Matched,
	}
	if res.Matched {
		body["match_details"] = res.Trade
	}
	writeJSON(w, http.StatusCreated, body)
}

// CancelOrder cancels an open order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	if err := h.Engine.CancelOrder(r.Context(), userID, orderID); err != nil {
		status, message := engineError(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Order cancelled successfully"})
}

// bookEntry is the public view of an open order.
type bookEntry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

func bookEntries(orders []models.Order) []bookEntry {
	entries := make([]bookEntry, 0, len(orders))
	for _, o := range orders {
		entries = append(entries, bookEntry{
			ID: o.ID, UserID: o.UserID, Price: o.Price, Amount: o.Amount, CreatedAt: o.CreatedAt,
		})
	}
	return entries
}

// GetOrderBook returns open orders for a symbol: buys by price descending,
// sells ascending.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))

	buys, sells, err := h.Ledger.OpenOrders(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"buy_orders":  bookEntries(buys),
		"sell_orders": bookEntries(sells),
	})
}

// GetUserOrders retrieves the caller's orders, newest first.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.Ledger.UserOrders(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// GetUserTrades retrieves the caller's trades, with side and commission as
// seen from the caller's perspective (commission is buyer-only).
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Ledger.UserTrades(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trades")
		return
	}

	views := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		side := models.SideSell
		commission := decimal.Zero
		if t.BuyerID == userID {
			side = models.SideBuy
			commission = t.Commission
		}
		views = append(views, map[string]any{
			"id":         t.ID,
			"symbol":     t.Symbol,
			"side":       side,
			"price":      t.Price,
			"amount":     t.Amount,
			"total":      t.Total,
			"commission": commission,
			"created_at": t.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"trades": views})
}

// engineError maps engine failures to HTTP responses.
func engineError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusBadRequest, "Insufficient balance"
	case errors.Is(err, engine.ErrInsufficientAsset):
		return http.StatusBadRequest, "Insufficient asset balance"
	case errors.Is(err, engine.ErrAssetNotFound):
		return http.StatusBadRequest, "Asset not found"
	case errors.Is(err, engine.ErrOrderNotOpen):
		return http.StatusBadRequest, "Order is not open"
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden, "Unauthorized"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "Order not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
