package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/notify"
	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/pricing"
	"github.com/ksred/prediction-api/internal/risk"
	"github.com/ksred/prediction-api/internal/types"
)

var (
	ErrEventNotFound     = errors.New("event not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrNotSettleable     = errors.New("only closed events can be settled")
	ErrBeforeStartTime   = errors.New("cannot start trading before event start time")
	ErrBeforeEndTime     = errors.New("cannot close event before end time")
	ErrNotDeletable      = errors.New("only upcoming events can be deleted")
	ErrAlreadySettled    = errors.New("event already settled")
)

// statusTransitions defines the allowed event lifecycle moves. Settled
// and cancelled are terminal.
var statusTransitions = map[string][]string{
	types.EventStatusUpcoming:  {types.EventStatusActive, types.EventStatusCancelled},
	types.EventStatusActive:    {types.EventStatusTrading, types.EventStatusCancelled},
	types.EventStatusTrading:   {types.EventStatusClosed},
	types.EventStatusClosed:    {types.EventStatusSettled},
	types.EventStatusSettled:   {},
	types.EventStatusCancelled: {},
}

func isValidTransition(from, to string) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// settlementPrice maps an outcome to the price every contract settles
// at: yes contracts are worth 100, no contracts 0, and cancelled events
// unwind at the neutral price.
func settlementPrice(outcome string) (int64, bool) {
	switch outcome {
	case types.OutcomeYes:
		return 100, true
	case types.OutcomeNo:
		return 0, true
	case types.OutcomeCancelled:
		return 50, true
	default:
		return 0, false
	}
}

// Service manages the event lifecycle from creation through settlement.
type Service struct {
	db            *Database
	books         *orderbook.Registry
	pricing       *pricing.Service
	risk          *risk.Service
	notifications *notify.Queue
}

func NewService(gormDB *gorm.DB, books *orderbook.Registry, pricingService *pricing.Service, riskService *risk.Service, notifications *notify.Queue) *Service {
	return &Service{
		db:            NewDatabase(gormDB),
		books:         books,
		pricing:       pricingService,
		risk:          riskService,
		notifications: notifications,
	}
}

// CreateEventRequest carries the fields accepted when creating an event.
type CreateEventRequest struct {
	Title        string    `json:"title" binding:"required"`
	Description  string    `json:"description"`
	Category     string    `json:"category" binding:"required"`
	StartTime    time.Time `json:"start_time" binding:"required"`
	EndTime      time.Time `json:"end_time" binding:"required"`
	InitialPrice int64     `json:"initial_price"`
	MinAmount    int64     `json:"min_amount"`
	MaxAmount    int64     `json:"max_amount"`
}

// CreateEvent registers a new upcoming event. Omitted fields fall back
// to a neutral initial price and the default amount bounds.
func (s *Service) CreateEvent(req CreateEventRequest, createdBy string) (*types.Event, error) {
	logger := log.With().
		Str("service", "events").
		Str("title", req.Title).
		Logger()

	if req.EndTime.Before(req.StartTime) {
		return nil, fmt.Errorf("%w: end time before start time", ErrInvalidTransition)
	}

	initialPrice := req.InitialPrice
	if initialPrice <= 0 || initialPrice >= 100 {
		initialPrice = 50
	}
	minAmount := req.MinAmount
	if minAmount <= 0 {
		minAmount = 1
	}
	maxAmount := req.MaxAmount
	if maxAmount <= 0 {
		maxAmount = 10000
	}

	event := &types.Event{
		EventID:      "event_" + uuid.New().String(),
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Status:       types.EventStatusUpcoming,
		Outcome:      types.OutcomePending,
		CurrentPrice: initialPrice,
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		CreatedBy:    createdBy,
	}

	if err := s.db.CreateEvent(event); err != nil {
		logger.Error().Err(err).Msg("failed to create event")
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	logger.Info().
		Str("event_id", event.EventID).
		Str("category", event.Category).
		Msg("event created")
	return event, nil
}

// GetEvent fetches a single event.
func (s *Service) GetEvent(eventID string) (*types.Event, error) {
	event, err := s.db.GetEvent(eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event: %w", err)
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	return event, nil
}

// EventList is a page of events with the total match count.
type EventList struct {
	Events []types.Event `json:"events"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListEvents returns a filtered page of events.
func (s *Service) ListEvents(status, category string, limit, offset int) (*EventList, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := s.db.ListEvents(status, category, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return &EventList{Events: events, Total: total, Limit: limit, Offset: offset}, nil
}

// UpdateStatus moves an event through its lifecycle. Trading cannot
// start before the event's start time and an event cannot close before
// its end time. Settlement goes through SettleEvent instead.
func (s *Service) UpdateStatus(eventID, newStatus string) (*types.Event, error) {
	logger := log.With().
		Str("service", "events").
		Str("event_id", eventID).
		Str("new_status", newStatus).
		Logger()

	event, err := s.GetEvent(eventID)
	if err != nil {
		return nil, err
	}

	if !isValidTransition(event.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, event.Status, newStatus)
	}
	if newStatus == types.EventStatusSettled {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, event.Status, newStatus)
	}

	now := time.Now()
	if newStatus == types.EventStatusTrading && now.Before(event.StartTime) {
		return nil, ErrBeforeStartTime
	}
	if newStatus == types.EventStatusClosed && now.Before(event.EndTime) {
		return nil, ErrBeforeEndTime
	}

	previous := event.Status
	event.Status = newStatus
	if err := s.db.SaveEvent(event); err != nil {
		logger.Error().Err(err).Msg("failed to update event status")
		return nil, fmt.Errorf("failed to update event status: %w", err)
	}

	// Cancelled events free their book; resting orders are void.
	if newStatus == types.EventStatusCancelled {
		s.books.Remove(eventID)
	}

	s.notifications.Publish(notify.Notification{
		Topic: notify.EventTopic(eventID),
		Type:  notify.TypeEventStatus,
		Payload: map[string]interface{}{
			"event_id": eventID,
			"status":   newStatus,
		},
	})

	logger.Info().Str("previous_status", previous).Msg("event status updated")
	return event, nil
}

// DeleteEvent removes an event that has not yet gone live. Events past
// the upcoming stage have trading history and can only be cancelled.
func (s *Service) DeleteEvent(eventID string) error {
	event, err := s.GetEvent(eventID)
	if err != nil {
		return err
	}
	if event.Status != types.EventStatusUpcoming {
		return ErrNotDeletable
	}

	if err := s.db.DeleteEvent(eventID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	log.Info().
		Str("service", "events").
		Str("event_id", eventID).
		Msg("event deleted")
	return nil
}

// SettlementResult summarises a completed settlement run.
type SettlementResult struct {
	Event           *types.Event `json:"event"`
	SettlementPrice int64        `json:"settlement_price"`
	TradesSettled   int          `json:"trades_settled"`
}

// SettleEvent resolves a closed event against the given outcome. Every
// completed trade is settled at the outcome's terminal price and each
// holder's profit or loss is credited to their balance. The event's
// order book is removed once settlement commits.
func (s *Service) SettleEvent(eventID, outcome string) (*SettlementResult, error) {
	logger := log.With().
		Str("service", "events").
		Str("event_id", eventID).
		Str("outcome", outcome).
		Logger()

	event, err := s.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == types.EventStatusSettled {
		return nil, ErrAlreadySettled
	}
	if event.Status != types.EventStatusClosed {
		return nil, ErrNotSettleable
	}

	price, ok := settlementPrice(outcome)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOutcome, outcome)
	}

	event.Outcome = outcome
	settled, err := s.db.SettleEvent(event, price)
	if err != nil {
		logger.Error().Err(err).Msg("settlement failed")
		return nil, fmt.Errorf("settlement failed: %w", err)
	}

	event.Status = types.EventStatusSettled
	event.CurrentPrice = price
	s.books.Remove(eventID)

	s.notifications.Publish(notify.Notification{
		Topic: notify.EventTopic(eventID),
		Type:  notify.TypeEventSettled,
		Payload: map[string]interface{}{
			"event_id":         eventID,
			"outcome":          outcome,
			"settlement_price": price,
			"trades_settled":   settled,
		},
	})

	logger.Info().
		Int64("settlement_price", price).
		Int("trades_settled", settled).
		Msg("event settled")

	return &SettlementResult{
		Event:           event,
		SettlementPrice: price,
		TradesSettled:   settled,
	}, nil
}

// EventStats bundles the trading, market and pricing views of an event
// for the admin surface.
type EventStats struct {
	Event         *types.Event          `json:"event"`
	TradingStats  TradingStats          `json:"trading_stats"`
	MarketMetrics risk.EventRiskMetrics `json:"market_metrics"`
	BookStats     orderbook.Stats       `json:"book_stats"`
	PriceStats    pricing.PriceStats    `json:"price_stats"`
}

type TradingStats struct {
	TotalTrades  int64   `json:"total_trades"`
	TotalVolume  int64   `json:"total_volume"`
	AveragePrice float64 `json:"average_price"`
}

// GetEventStats assembles the full statistics view for one event.
func (s *Service) GetEventStats(eventID string) (*EventStats, error) {
	event, err := s.GetEvent(eventID)
	if err != nil {
		return nil, err
	}

	count, volume, avgPrice, err := s.db.TradeStats(eventID)
	if err != nil {
		return nil, err
	}

	return &EventStats{
		Event: event,
		TradingStats: TradingStats{
			TotalTrades:  count,
			TotalVolume:  volume,
			AveragePrice: avgPrice,
		},
		MarketMetrics: s.risk.GetEventRiskMetrics(eventID),
		BookStats:     s.books.Get(eventID).Stats(),
		PriceStats:    s.pricing.GetPriceStats(eventID),
	}, nil
}
