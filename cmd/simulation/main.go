package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/auth"
	"github.com/ksred/prediction-api/internal/database"
	"github.com/ksred/prediction-api/internal/engine"
	"github.com/ksred/prediction-api/internal/events"
	"github.com/ksred/prediction-api/internal/notify"
	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/pricing"
	"github.com/ksred/prediction-api/internal/risk"
	"github.com/ksred/prediction-api/internal/types"
	"github.com/ksred/prediction-api/pkg/middleware"
)

const (
	minOrders     = 20
	maxOrders     = 200
	numWorkers    = 5
	numEvents     = 3
	serverAddress = "http://localhost:8080"
	jwtSecret     = "prediction-secret-key"
)

var (
	sides     = []string{types.SideBuy, types.SideSell}
	positions = []string{types.PositionYes, types.PositionNo}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the prediction market API
// on behalf of one simulated trader.
type simulationClient struct {
	baseURL   string
	userID    string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates a client for the given user, authenticates
// with the API and prepares performance tracking against shared stats.
func newSimulationClient(userID, apiSecret string, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		userID:  userID,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   stats,
	}

	token, err := sc.authenticate(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiSecret string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    sc.userID,
		"api_secret": apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// placeOrder submits a new order to the API and returns the result
func (sc *simulationClient) placeOrder(order types.OrderRequest) (*types.OrderResult, error) {
	start := time.Now()
	defer func() {
		sc.stats["place"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Place order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("place order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool              `json:"success"`
		Data    types.OrderResult `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// getOrderBook fetches the book depth for an event
func (sc *simulationClient) getOrderBook(eventID string) error {
	start := time.Now()
	defer func() {
		sc.stats["orderbook"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/orderbook/%s", sc.baseURL, eventID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get order book failed with status %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// getMarketMetrics fetches market quality metrics for an event
func (sc *simulationClient) getMarketMetrics(eventID string) error {
	start := time.Now()
	defer func() {
		sc.stats["metrics"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/markets/%s/metrics", sc.baseURL, eventID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get market metrics failed with status %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the market simulation. It starts a local API server, seeds
// trading events and user accounts, then drives concurrent traders
// against the order endpoints.
func main() {
	eventIDs := make(chan []string, 1)

	// Start the server in a goroutine
	go func() {
		if err := startServer(eventIDs); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start and seed data
	time.Sleep(2 * time.Second)
	tradableEvents := <-eventIDs

	stats := map[string]*routeStats{
		"auth":      {name: "Authentication"},
		"place":     {name: "Place Order"},
		"orderbook": {name: "Order Book"},
		"metrics":   {name: "Market Metrics"},
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().
		Int("target_orders", targetOrders).
		Int("events", len(tradableEvents)).
		Msg("Starting simulation")

	type tally struct {
		mu       sync.Mutex
		placed   int
		matched  int
		rejected int
		volume   int64
		sides    map[string]int
	}
	results := &tally{sides: make(map[string]int)}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			userID := fmt.Sprintf("sim_user_%d", workerID)
			sc, err := newSimulationClient(userID, "sim-secret", stats)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to initialize client")
				return
			}

			for j := 0; j < targetOrders/numWorkers; j++ {
				order := types.OrderRequest{
					EventID:  tradableEvents[rand.Intn(len(tradableEvents))],
					Side:     sides[rand.Intn(len(sides))],
					Position: positions[rand.Intn(len(positions))],
					Price:    int64(rand.Intn(21) + 40), // 40-60
					Amount:   int64(rand.Intn(91) + 10), // 10-100
				}

				result, err := sc.placeOrder(order)
				if err != nil {
					stats["place"].addFailure()
					results.mu.Lock()
					results.rejected++
					results.mu.Unlock()
					log.Debug().Err(err).Str("user_id", userID).Msg("Order rejected")
					continue
				}

				results.mu.Lock()
				results.placed++
				results.matched += len(result.Matches)
				results.sides[order.Side]++
				for _, m := range result.Matches {
					results.volume += m.Amount
				}
				results.mu.Unlock()

				log.Info().
					Str("user_id", userID).
					Str("order_id", result.OrderID).
					Str("event_id", order.EventID).
					Str("side", order.Side).
					Int64("price", order.Price).
					Int64("amount", order.Amount).
					Int("matches", len(result.Matches)).
					Msg("Order placed")

				// Occasionally poll market data
				if j%10 == 0 {
					if err := sc.getOrderBook(order.EventID); err != nil {
						stats["orderbook"].addFailure()
					}
					if err := sc.getMarketMetrics(order.EventID); err != nil {
						stats["metrics"].addFailure()
					}
				}

				// Random sleep between orders
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// Print summary
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
----------------
Orders Placed:    %d
Orders Rejected:  %d
Matches:          %d
Matched Volume:   %d

Side Distribution
-----------------
`, results.placed, results.rejected, results.matched, results.volume)

	for side, count := range results.sides {
		barLength := 0
		if results.placed > 0 {
			barLength = count * 20 / results.placed
		}
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}

	printPerformanceStats(stats)

	log.Info().
		Int("orders_placed", results.placed).
		Int("orders_rejected", results.rejected).
		Int("matches", results.matched).
		Int64("matched_volume", results.volume).
		Msg("Simulation completed")
}

// startServer initializes and starts the prediction market API server,
// seeds simulation data and reports the tradable event IDs.
func startServer(eventIDs chan<- []string) error {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	books := orderbook.NewRegistry()
	pricingService := pricing.NewService(books)
	riskService := risk.NewService(db, pricingService)

	notifications := notify.NewQueue(1024)
	hub := notify.NewHub()

	authService := auth.NewService(db, jwtSecret)
	engineService := engine.NewService(db, books, pricingService, riskService, notifications)
	eventsService := events.NewService(db, books, pricingService, riskService, notifications)

	// Seed user accounts and tradable events
	if err := seedUsers(db, authService); err != nil {
		return fmt.Errorf("failed to seed users: %w", err)
	}
	seeded, err := seedEvents(eventsService)
	if err != nil {
		return fmt.Errorf("failed to seed events: %w", err)
	}
	eventIDs <- seeded

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	engineHandlers := engine.NewGinHandlers(engineService)
	eventsHandlers := events.NewGinHandlers(eventsService)

	// Setup routes
	setupRoutes(router, authHandlers, engineHandlers, eventsHandlers, hub)

	// Start the server
	return router.Run(":8080")
}

// seedUsers creates one funded account per worker and registers its
// API credentials.
func seedUsers(db *gorm.DB, authService *auth.Service) error {
	for i := 0; i < numWorkers; i++ {
		userID := fmt.Sprintf("sim_user_%d", i)
		user := types.User{
			UserID:   userID,
			Username: userID,
			Balance:  1_000_000,
			Status:   types.UserStatusActive,
		}
		if err := db.Where("user_id = ?", userID).FirstOrCreate(&user).Error; err != nil {
			return err
		}
		authService.RegisterAPICredentials(userID, "sim-secret")
	}
	return nil
}

// seedEvents creates a handful of events and walks them into the
// trading state.
func seedEvents(eventsService *events.Service) ([]string, error) {
	ids := make([]string, 0, numEvents)
	for i := 0; i < numEvents; i++ {
		event, err := eventsService.CreateEvent(events.CreateEventRequest{
			Title:     fmt.Sprintf("Simulated market %d", i),
			Category:  "simulation",
			StartTime: time.Now().Add(-time.Minute),
			EndTime:   time.Now().Add(24 * time.Hour),
		}, "simulation")
		if err != nil {
			return nil, err
		}

		for _, status := range []string{types.EventStatusActive, types.EventStatusTrading} {
			if _, err := eventsService.UpdateStatus(event.EventID, status); err != nil {
				return nil, err
			}
		}
		ids = append(ids, event.EventID)
	}
	return ids, nil
}

// setupRoutes configures the endpoints exercised by the simulation
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
	}
}
