package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/pricing"
	"github.com/ksred/prediction-api/internal/types"
)

// Violation codes for the risk checks, in check order.
const (
	CodeEventNotTradable         = "EVENT_NOT_TRADABLE"
	CodeUserIneligible           = "USER_INELIGIBLE"
	CodeInsufficientBalance      = "INSUFFICIENT_BALANCE"
	CodePositionLimitExceeded    = "POSITION_LIMIT_EXCEEDED"
	CodeDailyVolumeLimitExceeded = "DAILY_VOLUME_LIMIT_EXCEEDED"
	CodePriceDeviationExceeded   = "PRICE_DEVIATION_EXCEEDED"
	CodeInsufficientLiquidity    = "INSUFFICIENT_LIQUIDITY"
	CodeDailyLossLimitExceeded   = "DAILY_LOSS_LIMIT_EXCEEDED"
)

// Violation is a failed risk check, reported to the caller as a rejection
// and never retried automatically.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Limits are the static per-user risk limits.
type Limits struct {
	MaxPositionSize   int64
	MaxDailyVolume    int64
	MaxPriceDeviation float64
	MinLiquidityScore int
	MaxLossLimit      int64
}

// DefaultLimits returns the platform defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:   10000,
		MaxDailyVolume:    50000,
		MaxPriceDeviation: 0.20,
		MinLiquidityScore: 30,
		MaxLossLimit:      5000,
	}
}

// Intent is an order submission awaiting risk validation.
type Intent struct {
	EventID  string
	UserID   string
	Side     string
	Position string
	Amount   int64
	Price    int64
}

// EventRiskMetrics is the per-event risk view surfaced by the metrics API.
type EventRiskMetrics struct {
	LiquidityScore    int     `json:"liquidity_score"`
	PriceVolatility   float64 `json:"price_volatility"`
	HasCircuitBreaker bool    `json:"has_circuit_breaker"`
	MarketQuality     int     `json:"market_quality"`
}

// Service validates order intents against position, volume, deviation,
// liquidity and loss limits. Counters are cached per (event,user) and per
// (user, UTC day) and recomputed from completed trades on a miss, so they
// can always be reconciled by replaying the durable trade history.
type Service struct {
	db      *Database
	pricing *pricing.Service
	limits  Limits

	mu            sync.Mutex
	positionCache map[string]int64 // eventID:userID -> net signed position
	volumeCache   map[string]int64 // userID:date -> traded volume
	lossCache     map[string]int64 // userID:date -> realized pnl
}

// NewService creates a risk manager with default limits.
func NewService(gormDB *gorm.DB, pricingService *pricing.Service) *Service {
	return &Service{
		db:            NewDatabase(gormDB),
		pricing:       pricingService,
		limits:        DefaultLimits(),
		positionCache: make(map[string]int64),
		volumeCache:   make(map[string]int64),
		lossCache:     make(map[string]int64),
	}
}

// Limits returns the configured static limits.
func (s *Service) Limits() Limits {
	return s.limits
}

// ValidateTrade runs the risk checks in order, short-circuiting on the first
// failure. A *Violation is returned for a failed check; other errors are
// infrastructure failures.
func (s *Service) ValidateTrade(intent Intent) error {
	logger := log.With().
		Str("event_id", intent.EventID).
		Str("user_id", intent.UserID).
		Str("service", "risk").
		Logger()

	event, err := s.db.GetEvent(intent.EventID)
	if err != nil {
		return fmt.Errorf("failed to fetch event: %w", err)
	}
	if event == nil || event.Status != types.EventStatusTrading {
		logger.Warn().Msg("event is not available for trading")
		return &Violation{Code: CodeEventNotTradable, Message: "event is not available for trading"}
	}

	user, err := s.db.GetUser(intent.UserID)
	if err != nil {
		return fmt.Errorf("failed to fetch user: %w", err)
	}
	if user == nil || user.Status != types.UserStatusActive {
		logger.Warn().Msg("user account is not active")
		return &Violation{Code: CodeUserIneligible, Message: "user account is not active"}
	}
	if user.Balance < intent.Amount {
		logger.Warn().
			Int64("balance", user.Balance).
			Int64("amount", intent.Amount).
			Msg("insufficient balance")
		return &Violation{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	}

	if err := s.validatePositionSize(intent); err != nil {
		logger.Warn().Err(err).Msg("position size check failed")
		return err
	}
	if err := s.validateDailyVolume(intent.UserID, intent.Amount); err != nil {
		logger.Warn().Err(err).Msg("daily volume check failed")
		return err
	}
	if err := s.validatePriceDeviation(event, intent.Price); err != nil {
		logger.Warn().Err(err).Msg("price deviation check failed")
		return err
	}
	if err := s.validateLiquidity(intent.EventID); err != nil {
		logger.Warn().Err(err).Msg("liquidity check failed")
		return err
	}
	if err := s.validateLossLimit(intent.UserID); err != nil {
		logger.Warn().Err(err).Msg("loss limit check failed")
		return err
	}

	return nil
}

// validatePositionSize checks that the user's net position on the event,
// plus this order's signed delta, stays within the position limit.
func (s *Service) validatePositionSize(intent Intent) error {
	key := positionKey(intent.EventID, intent.UserID)

	s.mu.Lock()
	position, ok := s.positionCache[key]
	s.mu.Unlock()

	if !ok {
		var err error
		position, err = s.db.GetNetPosition(intent.EventID, intent.UserID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.positionCache[key] = position
		s.mu.Unlock()
	}

	delta := intent.Amount
	if intent.Side == types.SideSell {
		delta = -intent.Amount
	}

	if abs64(position+delta) > s.limits.MaxPositionSize {
		return &Violation{Code: CodePositionLimitExceeded, Message: "position size limit exceeded"}
	}
	return nil
}

// validateDailyVolume checks the user's cumulative traded volume for the
// current UTC day.
func (s *Service) validateDailyVolume(userID string, amount int64) error {
	key := dayKey(userID)

	s.mu.Lock()
	volume, ok := s.volumeCache[key]
	s.mu.Unlock()

	if !ok {
		var err error
		volume, err = s.db.GetDailyVolume(userID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.volumeCache[key] = volume
		s.mu.Unlock()
	}

	if volume+amount > s.limits.MaxDailyVolume {
		return &Violation{Code: CodeDailyVolumeLimitExceeded, Message: "daily trading volume limit exceeded"}
	}
	return nil
}

// validatePriceDeviation checks the order price against the event's current
// market price.
func (s *Service) validatePriceDeviation(event *types.Event, price int64) error {
	if event.CurrentPrice == 0 {
		return nil
	}
	deviation := math.Abs(float64(price-event.CurrentPrice)) / float64(event.CurrentPrice)
	if deviation > s.limits.MaxPriceDeviation {
		return &Violation{Code: CodePriceDeviationExceeded, Message: "price deviation exceeds allowed limit"}
	}
	return nil
}

func (s *Service) validateLiquidity(eventID string) error {
	score := s.pricing.GetLiquidityScore(eventID)
	if score < s.limits.MinLiquidityScore {
		return &Violation{Code: CodeInsufficientLiquidity, Message: "insufficient market liquidity"}
	}
	return nil
}

// validateLossLimit checks whether the user's realized daily loss already
// exceeds the loss limit in absolute value.
func (s *Service) validateLossLimit(userID string) error {
	key := dayKey(userID)

	s.mu.Lock()
	pnl, ok := s.lossCache[key]
	s.mu.Unlock()

	if !ok {
		var err error
		pnl, err = s.db.GetDailyPnL(userID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lossCache[key] = pnl
		s.mu.Unlock()
	}

	if abs64(pnl) > s.limits.MaxLossLimit {
		return &Violation{Code: CodeDailyLossLimitExceeded, Message: "daily loss limit exceeded"}
	}
	return nil
}

// RecordPosition updates the position cache incrementally after a trade
// settles, avoiding a reload from the trade history on the next order.
func (s *Service) RecordPosition(eventID, userID string, amount int64, side string) {
	key := positionKey(eventID, userID)
	delta := amount
	if side == types.SideSell {
		delta = -amount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positionCache[key]; ok {
		s.positionCache[key] += delta
	}
}

// RecordVolume updates the daily volume cache after a trade settles.
func (s *Service) RecordVolume(userID string, amount int64) {
	key := dayKey(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.volumeCache[key]; ok {
		s.volumeCache[key] += amount
	}
}

// RecordLoss updates the daily realized pnl cache after a trade settles.
func (s *Service) RecordLoss(userID string, amount int64, side string) {
	key := dayKey(userID)
	delta := amount
	if side == types.SideBuy {
		delta = -amount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lossCache[key]; ok {
		s.lossCache[key] += delta
	}
}

// GetUserLimits surfaces the static limits plus live cache values. Read-only.
func (s *Service) GetUserLimits(userID string) types.UserLimits {
	key := dayKey(userID)

	s.mu.Lock()
	volume := s.volumeCache[key]
	pnl := s.lossCache[key]
	s.mu.Unlock()

	return types.UserLimits{
		MaxPositionSize:    s.limits.MaxPositionSize,
		MaxDailyVolume:     s.limits.MaxDailyVolume,
		CurrentDailyVolume: volume,
		MaxLossLimit:       s.limits.MaxLossLimit,
		CurrentLoss:        pnl,
		MaxPriceDeviation:  s.limits.MaxPriceDeviation,
		MinLiquidityScore:  s.limits.MinLiquidityScore,
	}
}

// GetEventRiskMetrics assembles the per-event risk view.
func (s *Service) GetEventRiskMetrics(eventID string) EventRiskMetrics {
	liquidityScore := s.pricing.GetLiquidityScore(eventID)
	priceStats := s.pricing.GetPriceStats(eventID)

	return EventRiskMetrics{
		LiquidityScore:    liquidityScore,
		PriceVolatility:   math.Abs(priceStats.PriceChange24h),
		HasCircuitBreaker: priceStats.CircuitBreakerActive,
		MarketQuality:     marketQuality(liquidityScore, priceStats),
	}
}

// marketQuality blends liquidity, volatility and spread into a 0-100 score.
func marketQuality(liquidityScore int, priceStats pricing.PriceStats) int {
	volatilityScore := math.Max(0, 100-math.Abs(priceStats.PriceChange24h))
	spreadScore := math.Max(0, 100-float64(priceStats.Spread)*5)

	return int(math.Round(
		float64(liquidityScore)*0.4 +
			volatilityScore*0.3 +
			spreadScore*0.3))
}

// SweepCaches invalidates all counter caches. Run at the UTC day boundary;
// the next validation reloads from the durable trade history.
func (s *Service) SweepCaches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionCache = make(map[string]int64)
	s.volumeCache = make(map[string]int64)
	s.lossCache = make(map[string]int64)
	log.Info().Str("service", "risk").Msg("risk counter caches invalidated")
}

// RunSweeper clears the counter caches at each UTC day boundary until the
// context is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	logger := log.With().Str("component", "risk_sweeper").Logger()
	logger.Info().Msg("starting risk cache sweeper")

	for {
		now := time.Now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down risk cache sweeper")
			return
		case <-time.After(time.Until(nextMidnight)):
			s.SweepCaches()
		}
	}
}

func positionKey(eventID, userID string) string {
	return eventID + ":" + userID
}

func dayKey(userID string) string {
	return userID + ":" + time.Now().UTC().Format("2006-01-02")
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
