package engine

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
	// ErrValidation marks a malformed intent; the caller's fault, never retried.
	ErrValidation = errors.New("invalid order")
	// ErrTradingSuspended is returned while an event is not tradable or its
	// circuit breaker is active. Transient; the caller may retry later.
	ErrTradingSuspended = errors.New("trading is temporarily suspended")
	// ErrQueueFull is the backpressure signal; the caller should retry with
	// backoff.
	ErrQueueFull = errors.New("order queue is full")
)

// Processing queue defaults.
const (
	DefaultMaxQueueSize      = 1000
	DefaultProcessingTimeout = 10 * time.Second
)

// Service orchestrates order intake: admission via the risk gate, submission
// to the event's book, settlement of resulting matches, fair-price
// recomputation and outward notification. All mutating work for one event is
// serialized behind a per-event lock; different events proceed in parallel.
type Service struct {
	db            *Database
	books         *orderbook.Registry
	pricing       *pricing.Service
	risk          *risk.Service
	notifications *notify.Queue
	queue         *processingQueue
	locks         *eventLocks
}

// NewService wires the matching coordinator.
func NewService(gormDB *gorm.DB, books *orderbook.Registry, pricingService *pricing.Service, riskService *risk.Service, notifications *notify.Queue) *Service {
	return &Service{
		db:            NewDatabase(gormDB),
		books:         books,
		pricing:       pricingService,
		risk:          riskService,
		notifications: notifications,
		queue:         newProcessingQueue(DefaultMaxQueueSize, DefaultProcessingTimeout),
		locks:         newEventLocks(),
	}
}

// ProcessOrder runs one order through the full pipeline. On acceptance it
// returns the booked order ID and any matches produced by the insertion; a
// risk violation or transient condition is returned as the error.
func (s *Service) ProcessOrder(intent risk.Intent) (*types.OrderResult, error) {
	logger := log.With().
		Str("event_id", intent.EventID).
		Str("user_id", intent.UserID).
		Str("service", "engine").
		Logger()

	event, err := s.db.GetEvent(intent.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event: %w", err)
	}
	if event == nil || event.Status != types.EventStatusTrading {
		return nil, ErrTradingSuspended
	}

	if err := validateIntent(intent, event); err != nil {
		return nil, err
	}

	if !s.pricing.IsTradingAllowed(intent.EventID) {
		logger.Warn().Msg("order rejected, circuit breaker active")
		return nil, ErrTradingSuspended
	}

	if err := s.risk.ValidateTrade(intent); err != nil {
		return nil, err
	}

	processingID := "order_" + uuid.New().String()
	if !s.queue.admit(processingID) {
		logger.Warn().Int("queue_size", s.queue.stats().Size).Msg("order rejected, queue full")
		return nil, ErrQueueFull
	}
	defer s.queue.release(processingID)

	lock := s.locks.get(intent.EventID)
	lock.Lock()
	defer lock.Unlock()

	book := s.books.Get(intent.EventID)
	entry, matches := book.AddOrder(intent.UserID, intent.Side, intent.Position, intent.Price, intent.Amount)

	s.settleMatches(event, matches)

	if fairPrice, ok := s.pricing.ComputeFairPrice(intent.EventID); ok {
		if err := s.db.UpdateEventMarketPrice(intent.EventID, fairPrice); err != nil {
			logger.Error().Err(err).Int64("fair_price", fairPrice).Msg("failed to propagate market price")
		}
	}

	s.emitOrderBookUpdate(intent.EventID)

	result := &types.OrderResult{
		Accepted: true,
		OrderID:  entry.ID,
		Matches:  make([]types.MatchInfo, 0, len(matches)),
	}
	for _, m := range matches {
		result.Matches = append(result.Matches, types.MatchInfo{
			MatchID:   m.ID,
			Price:     m.Price,
			Amount:    m.Amount,
			Timestamp: m.Timestamp,
		})
	}

	logger.Info().
		Str("order_id", entry.ID).
		Int("match_count", len(matches)).
		Msg("order processed")

	return result, nil
}

// validateIntent rejects malformed intents before they reach the risk gate
// or the book.
func validateIntent(intent risk.Intent, event *types.Event) error {
	if intent.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if intent.Price < 1 || intent.Price > 99 {
		return fmt.Errorf("%w: price must be between 1 and 99", ErrValidation)
	}
	if intent.Side != types.SideBuy && intent.Side != types.SideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if intent.Position != types.PositionYes && intent.Position != types.PositionNo {
		return fmt.Errorf("%w: position must be yes or no", ErrValidation)
	}
	if event.MinAmount > 0 && intent.Amount < event.MinAmount {
		return fmt.Errorf("%w: amount below event minimum of %d", ErrValidation, event.MinAmount)
	}
	if event.MaxAmount > 0 && intent.Amount > event.MaxAmount {
		return fmt.Errorf("%w: amount above event maximum of %d", ErrValidation, event.MaxAmount)
	}
	return nil
}

// settleMatches finalizes each match: durable trade records for both sides,
// balance transfer, incremental risk counter updates and trade
// notifications. A failure settling one match is logged and skipped; the
// remaining matches from the same insertion still settle.
func (s *Service) settleMatches(event *types.Event, matches []orderbook.Trade) {
	for _, match := range matches {
		buyTrade := &types.Trade{
			TradeID:  "trade_" + uuid.New().String(),
			MatchID:  match.ID,
			EventID:  event.EventID,
			UserID:   match.BuyUserID,
			Side:     types.SideBuy,
			Position: types.PositionYes,
			Amount:   match.Amount,
			Price:    match.Price,
			Status:   types.TradeStatusCompleted,
		}
		sellTrade := &types.Trade{
			TradeID:  "trade_" + uuid.New().String(),
			MatchID:  match.ID,
			EventID:  event.EventID,
			UserID:   match.SellUserID,
			Side:     types.SideSell,
			Position: types.PositionYes,
			Amount:   match.Amount,
			Price:    match.Price,
			Status:   types.TradeStatusCompleted,
		}

		if err := s.db.SettleMatch(buyTrade, sellTrade); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("match_id", match.ID).
				Msg("match settlement failed, skipping")
			continue
		}

		s.risk.RecordPosition(event.EventID, match.BuyUserID, match.Amount, types.SideBuy)
		s.risk.RecordPosition(event.EventID, match.SellUserID, match.Amount, types.SideSell)
		s.risk.RecordVolume(match.BuyUserID, match.Amount)
		s.risk.RecordVolume(match.SellUserID, match.Amount)
		s.risk.RecordLoss(match.BuyUserID, match.Amount, types.SideBuy)
		s.risk.RecordLoss(match.SellUserID, match.Amount, types.SideSell)

		s.emitTradeNotifications(buyTrade, sellTrade)
	}
}

// emitTradeNotifications notifies both counterparties and event subscribers.
func (s *Service) emitTradeNotifications(buyTrade, sellTrade *types.Trade) {
	s.notifications.Publish(notify.Notification{
		Topic:   notify.UserTopic(buyTrade.UserID),
		Type:    notify.TypeTradeUpdate,
		Payload: buyTrade,
	})
	s.notifications.Publish(notify.Notification{
		Topic:   notify.UserTopic(sellTrade.UserID),
		Type:    notify.TypeTradeUpdate,
		Payload: sellTrade,
	})
	s.notifications.Publish(notify.Notification{
		Topic: notify.EventTopic(buyTrade.EventID),
		Type:  notify.TypeTradeUpdate,
		Payload: map[string]interface{}{
			"event_id": buyTrade.EventID,
			"price":    buyTrade.Price,
			"amount":   buyTrade.Amount,
		},
	})
}

// emitOrderBookUpdate pushes the refreshed book view to event subscribers.
func (s *Service) emitOrderBookUpdate(eventID string) {
	book := s.books.Get(eventID)

	s.notifications.Publish(notify.Notification{
		Topic: notify.EventTopic(eventID),
		Type:  notify.TypeOrderBookUpdate,
		Payload: map[string]interface{}{
			"event_id":    eventID,
			"depth":       book.Depth(10),
			"stats":       book.Stats(),
			"price_stats": s.pricing.GetPriceStats(eventID),
		},
	})
}

// BulkResult collects per-order outcomes from bulk processing.
type BulkResult struct {
	Results []types.OrderResult `json:"results"`
	Errors  []BulkError         `json:"errors"`
}

// BulkError pairs a failed order's position in the batch with its error.
type BulkError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ProcessBulkOrders runs a batch of intents sequentially, collecting
// per-order failures without aborting the batch.
func (s *Service) ProcessBulkOrders(intents []risk.Intent) BulkResult {
	var bulk BulkResult
	for i, intent := range intents {
		result, err := s.ProcessOrder(intent)
		if err != nil {
			bulk.Errors = append(bulk.Errors, BulkError{Index: i, Error: err.Error()})
			continue
		}
		bulk.Results = append(bulk.Results, *result)
	}
	return bulk
}

// CancelOrder removes a resting order from the event's book. Only the
// order's owner may cancel it.
func (s *Service) CancelOrder(eventID, orderID, userID string) (*orderbook.Order, error) {
	lock := s.locks.get(eventID)
	lock.Lock()
	defer lock.Unlock()

	book := s.books.Get(eventID)
	order, err := book.CancelForUser(orderID, userID)
	if err != nil {
		return nil, err
	}

	s.emitOrderBookUpdate(eventID)
	return order, nil
}

// OrderBookView is the full book view exposed over the API.
type OrderBookView struct {
	Depth      orderbook.Depth    `json:"depth"`
	Stats      orderbook.Stats    `json:"stats"`
	PriceStats pricing.PriceStats `json:"price_stats"`
}

// GetOrderBook returns depth, stats and price stats for an event.
func (s *Service) GetOrderBook(eventID string, levels int) OrderBookView {
	book := s.books.Get(eventID)
	return OrderBookView{
		Depth:      book.Depth(levels),
		Stats:      book.Stats(),
		PriceStats: s.pricing.GetPriceStats(eventID),
	}
}

// MarketMetrics is the market quality view exposed over the API.
type MarketMetrics struct {
	LiquidityScore int                   `json:"liquidity_score"`
	RiskMetrics    risk.EventRiskMetrics `json:"risk_metrics"`
	RecentTrades   []orderbook.Trade     `json:"recent_trades"`
	MarketQuality  int                   `json:"market_quality"`
}

// GetMarketMetrics assembles liquidity, risk and recent-trade metrics.
func (s *Service) GetMarketMetrics(eventID string) MarketMetrics {
	riskMetrics := s.risk.GetEventRiskMetrics(eventID)
	return MarketMetrics{
		LiquidityScore: riskMetrics.LiquidityScore,
		RiskMetrics:    riskMetrics,
		RecentTrades:   s.books.Get(eventID).RecentTrades(10),
		MarketQuality:  riskMetrics.MarketQuality,
	}
}

// GetRecentTrades returns the last limit trades from the event's tape.
func (s *Service) GetRecentTrades(eventID string, limit int) []orderbook.Trade {
	return s.books.Get(eventID).RecentTrades(limit)
}

// GetTradeHistory returns the most recent durable trades for an event,
// newest first. Unlike the tape it survives event retirement and restarts.
func (s *Service) GetTradeHistory(eventID string, limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	trades, err := s.db.GetEventTrades(eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event trade history: %w", err)
	}
	return trades, nil
}

// GetUserTradeHistory returns the user's most recent durable trades across
// all events, newest first.
func (s *Service) GetUserTradeHistory(userID string, limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	trades, err := s.db.GetUserTrades(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user trade history: %w", err)
	}
	return trades, nil
}

// GetUserLimits surfaces the risk limits and live usage for a user.
func (s *Service) GetUserLimits(userID string) types.UserLimits {
	return s.risk.GetUserLimits(userID)
}

// GetQueueStats reports processing queue occupancy.
func (s *Service) GetQueueStats() QueueStats {
	return s.queue.stats()
}
