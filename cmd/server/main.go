package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"spotex/internal/api"
	"spotex/internal/auth"
	"spotex/internal/config"
	"spotex/internal/db"
	"spotex/internal/engine"
	"spotex/internal/memstore"
	"spotex/internal/store"
	"spotex/internal/ws"
)

// Main entry point: sets up the ledger, engine and HTTP server.
func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var ledger store.Ledger
	if cfg.DatabaseURL != "" {
		pg, err := db.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		ledger = pg
		logger.Info("using postgres ledger")
	} else {
		ledger = memstore.New()
		logger.Warn("DATABASE_URL not set, using in-memory ledger; state is lost on exit")
	}

	hub := ws.NewHub(logger)
	eng := engine.New(ledger, engine.Config{
		Symbols:        cfg.Symbols,
		CommissionRate: cfg.CommissionRate,
	}, hub, logger)
	authService := auth.NewService(ledger, cfg.JWTSecret)
	handler := api.NewHandler(ledger, eng, authService)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint; a valid token upgrades the client to its private
	// user channel, anonymous clients get public channels only.
	r.Get("/ws", hub.Handler(func(req *http.Request) int64 {
		token := req.URL.Query().Get("token")
		if token == "" {
			return 0
		}
		userID, err := authService.UserFromToken(token)
		if err != nil {
			return 0
		}
		return userID
	}))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook", handler.GetOrderBook)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Get("/profile", handler.Profile)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
	})

	logger.Info("starting server", "addr", cfg.ListenAddr, "symbols", cfg.Symbols)
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
