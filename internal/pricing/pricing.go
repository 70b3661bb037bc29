package pricing

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/prediction-api/internal/orderbook"
)

// Defaults for fair-price computation and the circuit breaker.
const (
	DefaultVolatilityThreshold = 0.10
	DefaultBreakerDuration     = 5 * time.Minute

	neutralPrice    = 50
	vwapTradeWindow = 10
)

// Liquidity score weights and targets.
const (
	maxSpread         = 20
	targetDepthVolume = 1000
	targetVolume24h   = 5000
	targetOrderCount  = 50
)

// Snapshot is the cached fair price for an event.
type Snapshot struct {
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// breaker records a trading suspension window for one event.
type breaker struct {
	triggeredAt time.Time
	expiresAt   time.Time
}

// PriceStats assembles the price-related view of one event's market.
type PriceStats struct {
	CurrentPrice         int64   `json:"current_price"`
	LastTradePrice       int64   `json:"last_trade_price"`
	FairPrice            *int64  `json:"fair_price"`
	PriceChange24h       float64 `json:"price_change_24h"`
	Volume24h            int64   `json:"volume_24h"`
	BestBid              *int64  `json:"best_bid"`
	BestAsk              *int64  `json:"best_ask"`
	Spread               int64   `json:"spread"`
	CircuitBreakerActive bool    `json:"circuit_breaker_active"`
}

// Service blends order book mid price, trade VWAP and last price into a fair
// price per event, guarded by a volatility circuit breaker. The price cache
// and breaker map are mutated only under the service mutex; book reads go
// through the registry.
type Service struct {
	mu sync.Mutex

	books               *orderbook.Registry
	priceCache          map[string]Snapshot
	breakers            map[string]breaker
	volatilityThreshold float64
	breakerDuration     time.Duration
}

// NewService creates a price discovery service over the given book registry.
func NewService(books *orderbook.Registry) *Service {
	return &Service{
		books:               books,
		priceCache:          make(map[string]Snapshot),
		breakers:            make(map[string]breaker),
		volatilityThreshold: DefaultVolatilityThreshold,
		breakerDuration:     DefaultBreakerDuration,
	}
}

// ComputeFairPrice computes the blended fair price for an event and caches
// it. It returns false while a circuit breaker is active for the event, or
// when the computed price moves more than the volatility threshold away from
// the cached price, in which case the breaker is triggered and the cache is
// left untouched.
func (s *Service) ComputeFairPrice(eventID string) (int64, bool) {
	book := s.books.Get(eventID)
	stats := book.Stats()
	recentTrades := book.RecentTrades(vwapTradeWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.breakerActive(eventID) {
		return 0, false
	}

	signals := []signal{
		{value: float64(stats.MarketPrice), weight: 0.4, present: true},
		{weight: 0.4},
		{value: float64(stats.LastPrice), weight: 0.2, present: true},
	}
	if vwap, ok := computeVWAP(recentTrades); ok {
		signals[1].value = vwap
		signals[1].present = true
	}

	fairPrice := weightedAverage(signals)

	if cached, ok := s.priceCache[eventID]; ok && cached.Price != 0 {
		change := math.Abs(float64(fairPrice-cached.Price)) / float64(cached.Price)
		if change > s.volatilityThreshold {
			s.triggerBreaker(eventID)
			log.Warn().
				Str("event_id", eventID).
				Int64("cached_price", cached.Price).
				Int64("candidate_price", fairPrice).
				Float64("change", change).
				Msg("circuit breaker triggered")
			return 0, false
		}
	}

	s.priceCache[eventID] = Snapshot{Price: fairPrice, Timestamp: time.Now()}
	return fairPrice, true
}

type signal struct {
	value   float64
	weight  float64
	present bool
}

// weightedAverage combines the present signals, renormalizing weights over
// them. With no signal at all the neutral price wins.
func weightedAverage(signals []signal) int64 {
	var weightSum, weightedSum float64
	for _, sig := range signals {
		if !sig.present {
			continue
		}
		weightSum += sig.weight
		weightedSum += sig.value * sig.weight
	}
	if weightSum == 0 {
		return neutralPrice
	}
	return int64(math.Round(weightedSum / weightSum))
}

// computeVWAP returns the volume-weighted average price over the trades, or
// false when there are no trades (or no volume) to weigh.
func computeVWAP(trades []orderbook.Trade) (float64, bool) {
	var totalVolume, weightedSum int64
	for _, t := range trades {
		totalVolume += t.Amount
		weightedSum += t.Price * t.Amount
	}
	if totalVolume == 0 {
		return 0, false
	}
	return float64(weightedSum) / float64(totalVolume), true
}

// triggerBreaker records a suspension window. Caller holds the lock.
func (s *Service) triggerBreaker(eventID string) {
	now := time.Now()
	s.breakers[eventID] = breaker{
		triggeredAt: now,
		expiresAt:   now.Add(s.breakerDuration),
	}
}

// breakerActive reports whether an unexpired breaker exists for the event,
// lazily clearing expired ones. Caller holds the lock.
func (s *Service) breakerActive(eventID string) bool {
	br, ok := s.breakers[eventID]
	if !ok {
		return false
	}
	if time.Now().After(br.expiresAt) {
		delete(s.breakers, eventID)
		log.Info().Str("event_id", eventID).Msg("circuit breaker expired")
		return false
	}
	return true
}

// IsTradingAllowed reports whether no circuit breaker is active for the event.
func (s *Service) IsTradingAllowed(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.breakerActive(eventID)
}

// CachedPrice returns the cached fair price snapshot, if one exists.
func (s *Service) CachedPrice(eventID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.priceCache[eventID]
	return snap, ok
}

// GetPriceStats assembles price statistics for an event.
func (s *Service) GetPriceStats(eventID string) PriceStats {
	book := s.books.Get(eventID)
	stats := book.Stats()
	depth := book.Depth(5)

	ps := PriceStats{
		CurrentPrice:   stats.MarketPrice,
		LastTradePrice: stats.LastPrice,
		PriceChange24h: priceChange24h(book),
		Volume24h:      stats.Volume24h,
		Spread:         depth.Spread,
	}
	if len(depth.Bids) > 0 {
		ps.BestBid = &depth.Bids[0].Price
	}
	if len(depth.Asks) > 0 {
		ps.BestAsk = &depth.Asks[0].Price
	}

	s.mu.Lock()
	if snap, ok := s.priceCache[eventID]; ok {
		price := snap.Price
		ps.FairPrice = &price
	}
	ps.CircuitBreakerActive = s.breakerActive(eventID)
	s.mu.Unlock()

	return ps
}

// priceChange24h compares the most recent trade price against the most
// recent trade older than 24 hours, as a percentage. Fewer than two trades,
// or no trade old enough, yields zero.
func priceChange24h(book *orderbook.Book) float64 {
	trades := book.RecentTrades(0)
	if len(trades) < 2 {
		return 0
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	var oldPrice int64
	found := false
	for _, t := range trades {
		if t.Timestamp.Before(cutoff) {
			oldPrice = t.Price
			found = true
		}
	}
	if !found || oldPrice == 0 {
		return 0
	}

	currentPrice := trades[len(trades)-1].Price
	return float64(currentPrice-oldPrice) / float64(oldPrice) * 100
}

// GetLiquidityScore computes a 0-100 composite of spread, depth, 24h volume
// and order count signals.
func (s *Service) GetLiquidityScore(eventID string) int {
	book := s.books.Get(eventID)
	depth := book.Depth(10)
	stats := book.Stats()

	spreadScore := spreadScore(depth.Spread)
	depthScore := depthScore(depth)
	volumeScore := cappedScore(float64(stats.Volume24h), targetVolume24h)
	orderCountScore := cappedScore(float64(stats.BuyOrderCount+stats.SellOrderCount), targetOrderCount)

	return int(math.Round(
		spreadScore*0.3 +
			depthScore*0.3 +
			volumeScore*0.2 +
			orderCountScore*0.2))
}

func spreadScore(spread int64) float64 {
	if spread == 0 {
		return 100
	}
	return math.Max(0, 100*(1-float64(spread)/maxSpread))
}

func depthScore(depth orderbook.Depth) float64 {
	var totalVolume int64
	for _, lvl := range depth.Bids {
		totalVolume += lvl.Amount
	}
	for _, lvl := range depth.Asks {
		totalVolume += lvl.Amount
	}
	return cappedScore(float64(totalVolume), targetDepthVolume)
}

func cappedScore(value, target float64) float64 {
	return math.Min(100, value/target*100)
}
