package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/types"
)

func newTestService() (*Service, *orderbook.Registry) {
	books := orderbook.NewRegistry()
	return NewService(books), books
}

func TestComputeFairPriceEmptyBook(t *testing.T) {
	service, _ := newTestService()

	// An untouched book has mid = last = 50 and no VWAP; the blend
	// renormalizes over mid and last.
	price, ok := service.ComputeFairPrice("event-1")
	require.True(t, ok)
	assert.Equal(t, int64(50), price)

	snap, cached := service.CachedPrice("event-1")
	require.True(t, cached)
	assert.Equal(t, int64(50), snap.Price)
}

func TestComputeFairPriceBlendsSignals(t *testing.T) {
	service, books := newTestService()
	book := books.Get("event-1")

	// One trade at 50, then resting bid 52 and ask 56 (mid 54).
	book.AddOrder("bob", types.SideSell, types.PositionYes, 50, 100)
	book.AddOrder("alice", types.SideBuy, types.PositionYes, 50, 100)
	book.AddOrder("alice", types.SideBuy, types.PositionYes, 52, 10)
	book.AddOrder("bob", types.SideSell, types.PositionYes, 56, 10)

	price, ok := service.ComputeFairPrice("event-1")
	require.True(t, ok)
	// 0.4*54 (mid) + 0.4*50 (vwap) + 0.2*50 (last) = 51.6, rounded to 52.
	assert.Equal(t, int64(52), price)
}

func TestComputeVWAP(t *testing.T) {
	_, ok := computeVWAP(nil)
	assert.False(t, ok)

	vwap, ok := computeVWAP([]orderbook.Trade{
		{Price: 40, Amount: 100},
		{Price: 60, Amount: 300},
	})
	require.True(t, ok)
	assert.InDelta(t, 55.0, vwap, 0.001)
}

func TestWeightedAverageNoSignals(t *testing.T) {
	assert.Equal(t, int64(50), weightedAverage([]signal{{weight: 0.4}, {weight: 0.6}}))
}

func TestCircuitBreakerTriggersOnVolatileMove(t *testing.T) {
	service, books := newTestService()
	book := books.Get("event-1")

	// Establish a cached price around 50.
	price, ok := service.ComputeFairPrice("event-1")
	require.True(t, ok)
	require.Equal(t, int64(50), price)

	// Move the market: lone bid at 62 makes mid 62, no trades.
	book.AddOrder("alice", types.SideBuy, types.PositionYes, 62, 10)

	// Candidate = 0.4*62 + 0.2*50 over 0.6 = 58; |58-50|/50 = 0.16 > 0.10.
	_, ok = service.ComputeFairPrice("event-1")
	assert.False(t, ok)
	assert.False(t, service.IsTradingAllowed("event-1"))

	// The cache keeps the pre-breaker price.
	snap, cached := service.CachedPrice("event-1")
	require.True(t, cached)
	assert.Equal(t, int64(50), snap.Price)

	// While the breaker is active no recompute happens at all.
	_, ok = service.ComputeFairPrice("event-1")
	assert.False(t, ok)
}

func TestCircuitBreakerExpires(t *testing.T) {
	service, books := newTestService()
	service.breakerDuration = 10 * time.Millisecond
	book := books.Get("event-1")

	_, ok := service.ComputeFairPrice("event-1")
	require.True(t, ok)

	book.AddOrder("alice", types.SideBuy, types.PositionYes, 62, 10)
	_, ok = service.ComputeFairPrice("event-1")
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, service.IsTradingAllowed("event-1"))
}

func TestGetPriceStats(t *testing.T) {
	service, books := newTestService()
	book := books.Get("event-1")

	book.AddOrder("alice", types.SideBuy, types.PositionYes, 45, 10)
	book.AddOrder("bob", types.SideSell, types.PositionYes, 55, 10)

	stats := service.GetPriceStats("event-1")
	require.NotNil(t, stats.BestBid)
	require.NotNil(t, stats.BestAsk)
	assert.Equal(t, int64(45), *stats.BestBid)
	assert.Equal(t, int64(55), *stats.BestAsk)
	assert.Equal(t, int64(10), stats.Spread)
	assert.False(t, stats.CircuitBreakerActive)
	// No fair price computed yet.
	assert.Nil(t, stats.FairPrice)

	_, ok := service.ComputeFairPrice("event-1")
	require.True(t, ok)
	stats = service.GetPriceStats("event-1")
	require.NotNil(t, stats.FairPrice)
}

func TestGetLiquidityScoreEmptyBook(t *testing.T) {
	service, _ := newTestService()

	// Zero spread scores full marks, everything else zero:
	// 0.3*100 = 30.
	assert.Equal(t, 30, service.GetLiquidityScore("event-1"))
}

func TestGetLiquidityScoreImprovesWithDepth(t *testing.T) {
	service, books := newTestService()
	book := books.Get("event-1")

	baseline := service.GetLiquidityScore("event-1")

	book.AddOrder("alice", types.SideBuy, types.PositionYes, 49, 500)
	book.AddOrder("bob", types.SideSell, types.PositionYes, 51, 500)

	score := service.GetLiquidityScore("event-1")
	assert.Greater(t, score, baseline)
	assert.LessOrEqual(t, score, 100)
}
