package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/notify"
	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/pricing"
	"github.com/ksred/prediction-api/internal/risk"
	"github.com/ksred/prediction-api/internal/types"
)

func setupTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Event{}, &types.User{}, &types.Trade{}))

	books := orderbook.NewRegistry()
	pricingService := pricing.NewService(books)
	riskService := risk.NewService(db, pricingService)
	notifications := notify.NewQueue(256)

	return NewService(db, books, pricingService, riskService, notifications), db
}

func seedMarket(t *testing.T, db *gorm.DB) {
	t.Helper()

	require.NoError(t, db.Create(&types.Event{
		EventID:      "event-1",
		Title:        "Test market",
		Status:       types.EventStatusTrading,
		Outcome:      types.OutcomePending,
		CurrentPrice: 50,
	}).Error)
	for _, userID := range []string{"alice", "bob"} {
		require.NoError(t, db.Create(&types.User{
			UserID:  userID,
			Balance: 10000,
			Status:  types.UserStatusActive,
		}).Error)
	}
}

func intent(userID, side, position string, price, amount int64) risk.Intent {
	return risk.Intent{
		EventID:  "event-1",
		UserID:   userID,
		Side:     side,
		Position: position,
		Price:    price,
		Amount:   amount,
	}
}

func TestProcessOrderRestsWithoutMatch(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	result, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 45, 100))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.NotEmpty(t, result.OrderID)
	assert.Empty(t, result.Matches)
}

func TestProcessOrderMatchesAndSettles(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	_, err := service.ProcessOrder(intent("bob", types.SideSell, types.PositionYes, 45, 100))
	require.NoError(t, err)

	result, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 55, 100))
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, int64(50), result.Matches[0].Price)
	assert.Equal(t, int64(100), result.Matches[0].Amount)

	// Both sides of the match are durable and share the match ID.
	var trades []types.Trade
	require.NoError(t, db.Where("match_id = ?", result.Matches[0].MatchID).Find(&trades).Error)
	require.Len(t, trades, 2)
	sides := map[string]string{}
	for _, tr := range trades {
		sides[tr.Side] = tr.UserID
		assert.Equal(t, types.TradeStatusCompleted, tr.Status)
		assert.Equal(t, int64(50), tr.Price)
	}
	assert.Equal(t, "alice", sides[types.SideBuy])
	assert.Equal(t, "bob", sides[types.SideSell])

	// Balance moved from buyer to seller.
	var alice, bob types.User
	require.NoError(t, db.Where("user_id = ?", "alice").First(&alice).Error)
	require.NoError(t, db.Where("user_id = ?", "bob").First(&bob).Error)
	assert.Equal(t, int64(9900), alice.Balance)
	assert.Equal(t, int64(10100), bob.Balance)

	// Event stats and market price advanced.
	var event types.Event
	require.NoError(t, db.Where("event_id = ?", "event-1").First(&event).Error)
	assert.Equal(t, int64(100), event.Volume)
	assert.Equal(t, int64(1), event.TotalTrades)
	assert.Equal(t, int64(50), event.CurrentPrice)
}

func TestProcessOrderEventNotTrading(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)
	require.NoError(t, db.Model(&types.Event{}).Where("event_id = ?", "event-1").
		Update("status", types.EventStatusClosed).Error)

	_, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 50, 100))
	assert.ErrorIs(t, err, ErrTradingSuspended)
}

func TestProcessOrderUnknownEvent(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	in := intent("alice", types.SideBuy, types.PositionYes, 50, 100)
	in.EventID = "missing"

	_, err := service.ProcessOrder(in)
	assert.ErrorIs(t, err, ErrTradingSuspended)
}

func TestProcessOrderValidation(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	cases := []struct {
		name   string
		intent risk.Intent
	}{
		{"zero amount", intent("alice", types.SideBuy, types.PositionYes, 50, 0)},
		{"price too low", intent("alice", types.SideBuy, types.PositionYes, 0, 100)},
		{"price too high", intent("alice", types.SideBuy, types.PositionYes, 100, 100)},
		{"bad side", intent("alice", "hold", types.PositionYes, 50, 100)},
		{"bad position", intent("alice", types.SideBuy, "maybe", 50, 100)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.ProcessOrder(tc.intent)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestProcessOrderEventAmountBounds(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)
	require.NoError(t, db.Model(&types.Event{}).Where("event_id = ?", "event-1").
		Updates(map[string]interface{}{"min_amount": 10, "max_amount": 500}).Error)

	_, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 50, 5))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 50, 501))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 50, 100))
	assert.NoError(t, err)
}

func TestProcessOrderRiskViolationPassesThrough(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	// 65 vs market 50 is a 30% deviation, past the 20% limit.
	_, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 65, 100))
	var violation *risk.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, risk.CodePriceDeviationExceeded, violation.Code)
}

func TestProcessOrderQueueFull(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)
	service.queue = newProcessingQueue(0, DefaultProcessingTimeout)

	_, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 50, 100))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestProcessBulkOrdersCollectsFailures(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	bulk := service.ProcessBulkOrders([]risk.Intent{
		intent("alice", types.SideBuy, types.PositionYes, 45, 100),
		intent("alice", types.SideBuy, types.PositionYes, 0, 100), // invalid price
		intent("bob", types.SideSell, types.PositionYes, 55, 100),
	})

	assert.Len(t, bulk.Results, 2)
	require.Len(t, bulk.Errors, 1)
	assert.Equal(t, 1, bulk.Errors[0].Index)
}

func TestCancelOrder(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	result, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 45, 100))
	require.NoError(t, err)

	_, err = service.CancelOrder("event-1", result.OrderID, "bob")
	assert.ErrorIs(t, err, orderbook.ErrNotOrderOwner)

	order, err := service.CancelOrder("event-1", result.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, result.OrderID, order.ID)

	_, err = service.CancelOrder("event-1", result.OrderID, "alice")
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
}

func TestGetOrderBook(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	_, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 45, 100))
	require.NoError(t, err)

	view := service.GetOrderBook("event-1", 10)
	require.Len(t, view.Depth.Bids, 1)
	assert.Equal(t, int64(45), view.Depth.Bids[0].Price)
	assert.Equal(t, 1, view.Stats.BuyOrderCount)
}

func TestProcessOrderSkipsFailedMatchSettlement(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)
	require.NoError(t, db.Create(&types.User{
		UserID:  "mallory",
		Balance: 10000,
		Status:  types.UserStatusActive,
	}).Error)

	// Reject any trade row written for mallory so the first match's
	// settlement transaction rolls back.
	require.NoError(t, db.Exec(`CREATE TRIGGER reject_mallory_trades
		BEFORE INSERT ON trades
		WHEN NEW.user_id = 'mallory'
		BEGIN SELECT RAISE(ABORT, 'settlement blocked'); END`).Error)

	_, err := service.ProcessOrder(intent("mallory", types.SideSell, types.PositionYes, 45, 50))
	require.NoError(t, err)
	_, err = service.ProcessOrder(intent("bob", types.SideSell, types.PositionYes, 46, 50))
	require.NoError(t, err)

	result, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 55, 100))
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)

	// Only the second match settled; both of its sides are durable and
	// nothing from the failed match leaked through its rollback.
	var trades []types.Trade
	require.NoError(t, db.Find(&trades).Error)
	require.Len(t, trades, 2)
	for _, trade := range trades {
		assert.NotEqual(t, "mallory", trade.UserID)
	}

	var alice, bob, mallory types.User
	require.NoError(t, db.Where("user_id = ?", "alice").First(&alice).Error)
	require.NoError(t, db.Where("user_id = ?", "bob").First(&bob).Error)
	require.NoError(t, db.Where("user_id = ?", "mallory").First(&mallory).Error)
	assert.Equal(t, int64(9950), alice.Balance)
	assert.Equal(t, int64(10050), bob.Balance)
	assert.Equal(t, int64(10000), mallory.Balance)

	var event types.Event
	require.NoError(t, db.Where("event_id = ?", "event-1").First(&event).Error)
	assert.Equal(t, int64(50), event.Volume)
	assert.Equal(t, int64(1), event.TotalTrades)
}

func TestTradeHistoryFromDurableStore(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	_, err := service.ProcessOrder(intent("bob", types.SideSell, types.PositionYes, 45, 100))
	require.NoError(t, err)
	_, err = service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 55, 100))
	require.NoError(t, err)

	history, err := service.GetTradeHistory("event-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Limit 0 falls back to the default instead of returning nothing.
	history, err = service.GetTradeHistory("event-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	mine, err := service.GetUserTradeHistory("alice", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, types.SideBuy, mine[0].Side)

	mine, err = service.GetUserTradeHistory("bob", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, types.SideSell, mine[0].Side)

	// Unlike the tape, history survives book retirement.
	service.books.Remove("event-1")
	assert.Empty(t, service.GetRecentTrades("event-1", 10))
	history, err = service.GetTradeHistory("event-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestGetRecentTradesAndMetrics(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	_, err := service.ProcessOrder(intent("bob", types.SideSell, types.PositionYes, 45, 100))
	require.NoError(t, err)
	_, err = service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 55, 100))
	require.NoError(t, err)

	trades := service.GetRecentTrades("event-1", 10)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(50), trades[0].Price)

	metrics := service.GetMarketMetrics("event-1")
	assert.Equal(t, metrics.RiskMetrics.LiquidityScore, metrics.LiquidityScore)
	assert.Len(t, metrics.RecentTrades, 1)
}

func TestProcessingQueueCapacity(t *testing.T) {
	q := newProcessingQueue(2, DefaultProcessingTimeout)

	require.True(t, q.admit("a"))
	require.True(t, q.admit("b"))
	assert.False(t, q.admit("c"))

	q.release("a")
	assert.True(t, q.admit("c"))
	assert.Equal(t, 2, q.stats().Size)
}

func TestProcessingQueueReleaseStopsEviction(t *testing.T) {
	q := newProcessingQueue(2, 100*time.Millisecond)

	require.True(t, q.admit("a"))
	time.Sleep(60 * time.Millisecond)
	q.release("a")
	require.True(t, q.admit("a"))

	// The first admission's eviction deadline passes; the re-admitted
	// entry must not be swept by its timer.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, q.stats().Size)
}

func TestEventLocksAreScopedPerEvent(t *testing.T) {
	locks := newEventLocks()

	assert.Same(t, locks.get("event-1"), locks.get("event-1"))
	assert.NotSame(t, locks.get("event-1"), locks.get("event-2"))
}

func TestGetQueueStats(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db)

	stats := service.GetQueueStats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, DefaultMaxQueueSize, stats.MaxSize)

	for i := 0; i < 3; i++ {
		_, err := service.ProcessOrder(intent("alice", types.SideBuy, types.PositionYes, 45, 100))
		require.NoError(t, err)
	}
	// Orders release on completion.
	assert.Equal(t, 0, service.GetQueueStats().Size)
}
