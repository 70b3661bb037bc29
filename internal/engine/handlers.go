package engine

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/risk"
	"github.com/ksred/prediction-api/internal/types"
	"github.com/ksred/prediction-api/pkg/response"
)

// GinHandlers contains HTTP handlers for the trading engine endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for the trading engine.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST requests to submit new orders.
// Requires a valid JWT token; the order is placed for the authenticated user.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}

		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ProcessOrder(risk.Intent{
			EventID:  req.EventID,
			UserID:   userID,
			Side:     req.Side,
			Position: req.Position,
			Amount:   req.Amount,
			Price:    req.Price,
		})
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// PlaceBulkOrdersHandler handles POST requests to submit a batch of orders.
// Individual failures are collected per order rather than failing the batch.
func (h *GinHandlers) PlaceBulkOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}

		var reqs []types.OrderRequest
		if err := c.ShouldBindJSON(&reqs); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		intents := make([]risk.Intent, 0, len(reqs))
		for _, req := range reqs {
			intents = append(intents, risk.Intent{
				EventID:  req.EventID,
				UserID:   userID,
				Side:     req.Side,
				Position: req.Position,
				Amount:   req.Amount,
				Price:    req.Price,
			})
		}

		response.Success(c, h.service.ProcessBulkOrders(intents))
	}
}

// CancelOrderHandler handles DELETE requests to cancel a resting order.
// URL parameters: event_id, order_id. Only the order's owner may cancel.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}

		eventID := c.Param("event_id")
		orderID := c.Param("order_id")

		order, err := h.service.CancelOrder(eventID, orderID, userID)
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// GetOrderBookHandler handles GET requests for an event's book depth.
// URL parameter: event_id. Query parameter: levels (default 10).
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID := c.Param("event_id")
		levels := intQuery(c, "levels", 10)

		response.Success(c, h.service.GetOrderBook(eventID, levels))
	}
}

// GetMarketMetricsHandler handles GET requests for market quality metrics.
// URL parameter: event_id.
func (h *GinHandlers) GetMarketMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID := c.Param("event_id")
		response.Success(c, h.service.GetMarketMetrics(eventID))
	}
}

// GetRecentTradesHandler handles GET requests for an event's trade tape.
// URL parameter: event_id. Query parameter: limit (default 50).
func (h *GinHandlers) GetRecentTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID := c.Param("event_id")
		limit := intQuery(c, "limit", 50)

		response.Success(c, h.service.GetRecentTrades(eventID, limit))
	}
}

// GetTradeHistoryHandler handles GET requests for an event's durable trade
// history. URL parameter: event_id. Query parameter: limit (default 50).
func (h *GinHandlers) GetTradeHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID := c.Param("event_id")
		limit := intQuery(c, "limit", 50)

		trades, err := h.service.GetTradeHistory(eventID, limit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, trades)
	}
}

// GetUserTradeHistoryHandler handles GET requests for the authenticated
// user's trade history. Query parameter: limit (default 50).
func (h *GinHandlers) GetUserTradeHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}
		limit := intQuery(c, "limit", 50)

		trades, err := h.service.GetUserTradeHistory(userID, limit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, trades)
	}
}

// GetUserLimitsHandler handles GET requests for the authenticated user's
// risk limits and live usage.
func (h *GinHandlers) GetUserLimitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}

		response.Success(c, h.service.GetUserLimits(userID))
	}
}

// GetQueueStatsHandler handles GET requests for processing queue occupancy.
// Internal endpoint.
func (h *GinHandlers) GetQueueStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.GetQueueStats())
	}
}

// handleOrderError maps order pipeline errors to HTTP responses.
func handleOrderError(c *gin.Context, err error) {
	var violation *risk.Violation
	switch {
	case errors.As(err, &violation):
		response.Rejection(c, violation.Code, violation.Message)
	case errors.Is(err, ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrTradingSuspended):
		response.ServiceUnavailable(c, err.Error())
	case errors.Is(err, ErrQueueFull):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, orderbook.ErrOrderNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, orderbook.ErrNotOrderOwner):
		response.Forbidden(c, "Order belongs to another user")
	default:
		response.Handle(c, nil, err)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
