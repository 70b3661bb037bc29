package types

import "time"

// OrderRequest is the intake shape for a new order.
type OrderRequest struct {
	EventID  string `json:"event_id" binding:"required"`
	Side     string `json:"side" binding:"required,oneof=buy sell"`
	Position string `json:"position" binding:"required,oneof=yes no"`
	Price    int64  `json:"price" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
}

// OrderResult is returned from order processing: whether the order was
// accepted and any trades produced by the insertion.
type OrderResult struct {
	Accepted bool        `json:"accepted"`
	OrderID  string      `json:"order_id"`
	Matches  []MatchInfo `json:"matches"`
}

// MatchInfo describes a single match surfaced to the caller.
type MatchInfo struct {
	MatchID   string    `json:"match_id"`
	Price     int64     `json:"price"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// UserLimits surfaces the static risk limits plus live usage counters.
type UserLimits struct {
	MaxPositionSize    int64   `json:"max_position_size"`
	MaxDailyVolume     int64   `json:"max_daily_volume"`
	CurrentDailyVolume int64   `json:"current_daily_volume"`
	MaxLossLimit       int64   `json:"max_loss_limit"`
	CurrentLoss        int64   `json:"current_loss"`
	MaxPriceDeviation  float64 `json:"max_price_deviation"`
	MinLiquidityScore  int     `json:"min_liquidity_score"`
}
