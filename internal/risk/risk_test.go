package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/orderbook"
	"github.com/ksred/prediction-api/internal/pricing"
	"github.com/ksred/prediction-api/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Event{}, &types.User{}, &types.Trade{}))
	return db
}

func setupTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := setupTestDB(t)
	books := orderbook.NewRegistry()
	return NewService(db, pricing.NewService(books)), db
}

func seedMarket(t *testing.T, db *gorm.DB, balance int64) {
	t.Helper()

	require.NoError(t, db.Create(&types.Event{
		EventID:      "event-1",
		Title:        "Test market",
		Status:       types.EventStatusTrading,
		Outcome:      types.OutcomePending,
		CurrentPrice: 50,
	}).Error)
	require.NoError(t, db.Create(&types.User{
		UserID:  "user-1",
		Balance: balance,
		Status:  types.UserStatusActive,
	}).Error)
}

func testIntent() Intent {
	return Intent{
		EventID:  "event-1",
		UserID:   "user-1",
		Side:     types.SideBuy,
		Position: types.PositionYes,
		Amount:   100,
		Price:    50,
	}
}

func TestValidateTradePasses(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 10000)

	assert.NoError(t, service.ValidateTrade(testIntent()))
}

func TestValidateTradeEventNotTradable(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 10000)
	require.NoError(t, db.Model(&types.Event{}).Where("event_id = ?", "event-1").
		Update("status", types.EventStatusClosed).Error)

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeEventNotTradable, violation.Code)
}

func TestValidateTradeUnknownEvent(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 10000)

	intent := testIntent()
	intent.EventID = "missing"

	err := service.ValidateTrade(intent)
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeEventNotTradable, violation.Code)
}

func TestValidateTradeUserIneligible(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 10000)
	require.NoError(t, db.Model(&types.User{}).Where("user_id = ?", "user-1").
		Update("status", types.UserStatusSuspended).Error)

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeUserIneligible, violation.Code)
}

func TestValidateTradeInsufficientBalance(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50)

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeInsufficientBalance, violation.Code)
}

func TestValidateTradePositionLimit(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	intent := testIntent()
	intent.Amount = 10001

	err := service.ValidateTrade(intent)
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodePositionLimitExceeded, violation.Code)
}

func TestValidateTradePositionLimitCountsExistingPosition(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	// Existing net position of 4950 leaves no room for another 100.
	service.limits.MaxPositionSize = 5000
	require.NoError(t, db.Create(&types.Trade{
		TradeID: "trade-1",
		EventID: "event-1",
		UserID:  "user-1",
		Side:    types.SideBuy,
		Amount:  4950,
		Price:   50,
		Status:  types.TradeStatusCompleted,
	}).Error)

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodePositionLimitExceeded, violation.Code)

	// Selling reduces the net position and passes.
	intent := testIntent()
	intent.Side = types.SideSell
	assert.NoError(t, service.ValidateTrade(intent))
}

func TestValidateTradeDailyVolumeLimit(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	service.mu.Lock()
	service.volumeCache[dayKey("user-1")] = 49950
	service.mu.Unlock()

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeDailyVolumeLimitExceeded, violation.Code)
}

func TestValidateTradePriceDeviation(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	// 70 vs market 50 is a 40% deviation; limit is 20%. Balance and
	// liquidity are irrelevant once the price is off.
	intent := testIntent()
	intent.Price = 70

	err := service.ValidateTrade(intent)
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodePriceDeviationExceeded, violation.Code)
}

func TestValidateTradeLiquidity(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	// An empty book scores exactly the default minimum; raising the bar
	// makes the check fail.
	service.limits.MinLiquidityScore = 50

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeInsufficientLiquidity, violation.Code)
}

func TestValidateTradeLossLimit(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	service.mu.Lock()
	service.lossCache[dayKey("user-1")] = -5001
	service.mu.Unlock()

	err := service.ValidateTrade(testIntent())
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, CodeDailyLossLimitExceeded, violation.Code)
}

func TestRecordOnlyIncrementsWarmEntries(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	// A record before any validation leaves the cache cold; the next
	// validation reloads from the trade history instead.
	service.RecordVolume("user-1", 100)
	service.mu.Lock()
	_, ok := service.volumeCache[dayKey("user-1")]
	service.mu.Unlock()
	assert.False(t, ok)

	// Validation memoizes, after which records increment in place.
	require.NoError(t, service.ValidateTrade(testIntent()))
	service.RecordVolume("user-1", 100)
	service.RecordPosition("event-1", "user-1", 100, types.SideBuy)
	service.RecordLoss("user-1", 100, types.SideBuy)

	service.mu.Lock()
	volume := service.volumeCache[dayKey("user-1")]
	position := service.positionCache[positionKey("event-1", "user-1")]
	pnl := service.lossCache[dayKey("user-1")]
	service.mu.Unlock()

	assert.Equal(t, int64(100), volume)
	assert.Equal(t, int64(100), position)
	assert.Equal(t, int64(-100), pnl)
}

func TestSweepCaches(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	require.NoError(t, service.ValidateTrade(testIntent()))
	service.SweepCaches()

	service.mu.Lock()
	defer service.mu.Unlock()
	assert.Empty(t, service.positionCache)
	assert.Empty(t, service.volumeCache)
	assert.Empty(t, service.lossCache)
}

func TestGetNetPosition(t *testing.T) {
	_, db := setupTestService(t)
	database := NewDatabase(db)

	trades := []types.Trade{
		{TradeID: "t1", EventID: "event-1", UserID: "user-1", Side: types.SideBuy, Amount: 300, Status: types.TradeStatusCompleted},
		{TradeID: "t2", EventID: "event-1", UserID: "user-1", Side: types.SideSell, Amount: 100, Status: types.TradeStatusCompleted},
		// Cancelled trades are ignored.
		{TradeID: "t3", EventID: "event-1", UserID: "user-1", Side: types.SideBuy, Amount: 500, Status: types.TradeStatusCancelled},
		// Other users are ignored.
		{TradeID: "t4", EventID: "event-1", UserID: "user-2", Side: types.SideBuy, Amount: 50, Status: types.TradeStatusCompleted},
	}
	for i := range trades {
		require.NoError(t, db.Create(&trades[i]).Error)
	}

	position, err := database.GetNetPosition("event-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), position)
}

func TestGetDailyVolumeAndPnL(t *testing.T) {
	_, db := setupTestService(t)
	database := NewDatabase(db)

	require.NoError(t, db.Create(&types.Trade{
		TradeID: "t1", EventID: "event-1", UserID: "user-1",
		Side: types.SideBuy, Amount: 200, Status: types.TradeStatusCompleted,
	}).Error)
	require.NoError(t, db.Create(&types.Trade{
		TradeID: "t2", EventID: "event-1", UserID: "user-1",
		Side: types.SideSell, Amount: 50, Status: types.TradeStatusCompleted,
	}).Error)

	volume, err := database.GetDailyVolume("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), volume)

	pnl, err := database.GetDailyPnL("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-150), pnl)
}

func TestGetUserLimits(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	require.NoError(t, service.ValidateTrade(testIntent()))
	service.RecordVolume("user-1", 300)

	limits := service.GetUserLimits("user-1")
	assert.Equal(t, int64(10000), limits.MaxPositionSize)
	assert.Equal(t, int64(50000), limits.MaxDailyVolume)
	assert.Equal(t, int64(300), limits.CurrentDailyVolume)
	assert.Equal(t, int64(5000), limits.MaxLossLimit)
}

func TestGetEventRiskMetrics(t *testing.T) {
	service, db := setupTestService(t)
	seedMarket(t, db, 50000)

	metrics := service.GetEventRiskMetrics("event-1")
	// Empty book: liquidity 30, no volatility, full spread score.
	// 0.4*30 + 0.3*100 + 0.3*100 = 72.
	assert.Equal(t, 30, metrics.LiquidityScore)
	assert.Equal(t, 72, metrics.MarketQuality)
	assert.False(t, metrics.HasCircuitBreaker)
}

func TestDayKeyUsesUTCDate(t *testing.T) {
	key := dayKey("user-1")
	assert.Equal(t, "user-1:"+time.Now().UTC().Format("2006-01-02"), key)
}
