package types

import (
	"time"

	"gorm.io/gorm"
)

// Event statuses
const (
	EventStatusUpcoming  = "upcoming"
	EventStatusActive    = "active"
	EventStatusTrading   = "trading"
	EventStatusClosed    = "closed"
	EventStatusSettled   = "settled"
	EventStatusCancelled = "cancelled"
)

// Event outcomes
const (
	OutcomeYes       = "yes"
	OutcomeNo        = "no"
	OutcomePending   = "pending"
	OutcomeCancelled = "cancelled"
)

// Trade statuses
const (
	TradeStatusPending   = "pending"
	TradeStatusCompleted = "completed"
	TradeStatusCancelled = "cancelled"
	TradeStatusSettled   = "settled"
)

// User statuses
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

// Order sides and positions
const (
	SideBuy     = "buy"
	SideSell    = "sell"
	PositionYes = "yes"
	PositionNo  = "no"
)

// Event is a binary-outcome market. Prices are integer contract prices in
// the 0-100 range, 50 being the neutral starting point.
type Event struct {
	gorm.Model   `json:"-"`
	EventID      string    `gorm:"uniqueIndex" json:"event_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	Status       string    `gorm:"index" json:"status"` // upcoming, active, trading, closed, settled, cancelled
	Outcome      string    `json:"outcome"`             // yes, no, pending, cancelled
	CurrentPrice int64     `json:"current_price"`
	Volume       int64     `json:"volume"`
	TotalTrades  int64     `json:"total_trades"`
	MinAmount    int64     `json:"min_amount"`
	MaxAmount    int64     `json:"max_amount"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	CreatedBy    string    `json:"created_by"`
}

// User holds account state consulted by the risk gate and mutated by
// trade settlement.
type User struct {
	gorm.Model `json:"-"`
	UserID     string `gorm:"uniqueIndex" json:"user_id"`
	Username   string `json:"username"`
	Balance    int64  `json:"balance"`
	Status     string `json:"status"` // active, suspended
}

// Trade is the durable record of one side of a match. Two rows share a
// MatchID, one per counterparty.
type Trade struct {
	gorm.Model      `json:"-"`
	TradeID         string    `gorm:"uniqueIndex" json:"trade_id"`
	MatchID         string    `gorm:"index" json:"match_id"`
	EventID         string    `gorm:"index" json:"event_id"`
	UserID          string    `gorm:"index" json:"user_id"`
	Side            string    `json:"side"`     // buy or sell
	Position        string    `json:"position"` // yes or no
	Amount          int64     `json:"amount"`
	Price           int64     `json:"price"`
	Status          string    `gorm:"index" json:"status"` // pending, completed, cancelled, settled
	ProfitLoss      int64     `json:"profit_loss"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
	SettlementPrice int64     `json:"settlement_price"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
