package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/prediction-api/internal/auth"
	"github.com/ksred/prediction-api/internal/database"
	"github.com/ksred/prediction-api/internal/engine"
	"github.com/ksred/prediction-api/internal/events"
	"github.com/ksred/prediction-api/internal/notify"
	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/pricing"
	"github.com/ksred/prediction-api/internal/risk"
	"github.com/ksred/prediction-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// Test credentials
const (
	testAPIKey    = "test-user"
	testAPISecret = "test-api-secret"
)

// main initializes and runs the prediction market API server with
// graceful shutdown support. It wires the order book registry, price
// discovery, risk management and matching engine together behind the
// HTTP and websocket surfaces.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "prediction-secret-key"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(db, jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(testAPIKey, testAPISecret)

	books := orderbook.NewRegistry()
	pricingService := pricing.NewService(books)
	riskService := risk.NewService(db, pricingService)

	notifications := notify.NewQueue(1024)
	hub := notify.NewHub()
	dispatcher := notify.NewDispatcher(notifications, hub)

	engineService := engine.NewService(db, books, pricingService, riskService, notifications)
	engineHandlers := engine.NewGinHandlers(engineService)

	eventsService := events.NewService(db, books, pricingService, riskService, notifications)
	eventsHandlers := events.NewGinHandlers(eventsService)

	// Start background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go dispatcher.Run(workerCtx)
	go riskService.RunSweeper(workerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, engineHandlers, eventsHandlers, hub)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Market routes: Public read-only market data
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	engineHandlers *engine.GinHandlers,
	eventsHandlers *events.GinHandlers,
	hub *notify.Hub,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", engineHandlers.PlaceOrderHandler())
			orders.POST("/bulk", engineHandlers.PlaceBulkOrdersHandler())
			orders.DELETE("/:event_id/:order_id", engineHandlers.CancelOrderHandler())
			orders.GET("/limits", engineHandlers.GetUserLimitsHandler())
			orders.GET("/history", engineHandlers.GetUserTradeHistoryHandler())
		}

		// Public market data routes
		v1.GET("/orderbook/:event_id", engineHandlers.GetOrderBookHandler())
		markets := v1.Group("/markets")
		{
			markets.GET("/:event_id/metrics", engineHandlers.GetMarketMetricsHandler())
			markets.GET("/:event_id/trades", engineHandlers.GetRecentTradesHandler())
			markets.GET("/:event_id/history", engineHandlers.GetTradeHistoryHandler())
		}

		// Public event routes
		v1.GET("/events", eventsHandlers.ListEventsHandler())
		v1.GET("/events/:event_id", eventsHandlers.GetEventHandler())

		// Websocket market data stream
		v1.GET("/ws", hub.WebSocketHandler())

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/events", eventsHandlers.CreateEventHandler())
			internal.PUT("/events/:event_id/status", eventsHandlers.UpdateEventStatusHandler())
			internal.POST("/events/:event_id/settle", eventsHandlers.SettleEventHandler())
			internal.DELETE("/events/:event_id", eventsHandlers.DeleteEventHandler())
			internal.GET("/events/:event_id/stats", eventsHandlers.GetEventStatsHandler())
			internal.GET("/queue/stats", engineHandlers.GetQueueStatsHandler())
		}
	}
}
