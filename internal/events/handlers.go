package events

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/prediction-api/pkg/response"
)

// GinHandlers contains HTTP handlers for event lifecycle endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for events.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateEventHandler handles POST requests to create a new event.
// Internal endpoint.
func (h *GinHandlers) CreateEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		event, err := h.service.CreateEvent(req, c.GetString("clientID"))
		if err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, event)
	}
}

// GetEventHandler handles GET requests for a single event.
func (h *GinHandlers) GetEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		event, err := h.service.GetEvent(c.Param("event_id"))
		if err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, event)
	}
}

// ListEventsHandler handles GET requests for a filtered page of events.
// Query parameters: status, category, limit (default 10), offset.
func (h *GinHandlers) ListEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		list, err := h.service.ListEvents(c.Query("status"), c.Query("category"), limit, offset)
		if err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, list)
	}
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateEventStatusHandler handles PUT requests to move an event through
// its lifecycle. Internal endpoint.
func (h *GinHandlers) UpdateEventStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		event, err := h.service.UpdateStatus(c.Param("event_id"), req.Status)
		if err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, event)
	}
}

type settleRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=yes no cancelled"`
}

// SettleEventHandler handles POST requests to settle a closed event.
// Internal endpoint.
func (h *GinHandlers) SettleEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.SettleEvent(c.Param("event_id"), req.Outcome)
		if err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// DeleteEventHandler handles DELETE requests for upcoming events.
// Internal endpoint.
func (h *GinHandlers) DeleteEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.DeleteEvent(c.Param("event_id")); err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, gin.H{"deleted": true})
	}
}

// GetEventStatsHandler handles GET requests for the full statistics view
// of an event. Internal endpoint.
func (h *GinHandlers) GetEventStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.GetEventStats(c.Param("event_id"))
		if err != nil {
			handleEventError(c, err)
			return
		}
		response.Success(c, stats)
	}
}

// handleEventError maps event lifecycle errors to HTTP responses.
func handleEventError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEventNotFound):
		response.NotFound(c, "Event not found")
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrNotSettleable),
		errors.Is(err, ErrBeforeStartTime),
		errors.Is(err, ErrBeforeEndTime),
		errors.Is(err, ErrNotDeletable),
		errors.Is(err, ErrAlreadySettled):
		response.BadRequest(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}
