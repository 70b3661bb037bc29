package engine

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetEvent retrieves an event by its ID. Returns (nil, nil) when absent.
func (d *Database) GetEvent(eventID string) (*types.Event, error) {
	var event types.Event
	if err := d.db.Where("event_id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// SettleMatch finalizes one match in a transaction: both trade records are
// created, the buyer is debited and the seller credited, and the event's
// volume and trade counters advance. A failure rolls the whole match back
// so the durable record never reflects half a settlement.
func (d *Database) SettleMatch(buyTrade, sellTrade *types.Trade) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(buyTrade).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create buy trade: %w", err)
	}
	if err := tx.Create(sellTrade).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create sell trade: %w", err)
	}

	if err := tx.Model(&types.User{}).
		Where("user_id = ?", buyTrade.UserID).
		Update("balance", gorm.Expr("balance - ?", buyTrade.Amount)).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to debit buyer: %w", err)
	}
	if err := tx.Model(&types.User{}).
		Where("user_id = ?", sellTrade.UserID).
		Update("balance", gorm.Expr("balance + ?", sellTrade.Amount)).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to credit seller: %w", err)
	}

	if err := tx.Model(&types.Event{}).
		Where("event_id = ?", buyTrade.EventID).
		Updates(map[string]interface{}{
			"volume":       gorm.Expr("volume + ?", buyTrade.Amount),
			"total_trades": gorm.Expr("total_trades + 1"),
		}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update event trade stats: %w", err)
	}

	return tx.Commit().Error
}

// UpdateEventMarketPrice propagates a recomputed fair price onto the event.
func (d *Database) UpdateEventMarketPrice(eventID string, price int64) error {
	return d.db.Model(&types.Event{}).
		Where("event_id = ?", eventID).
		Update("current_price", price).Error
}

// GetEventTrades returns the most recent durable trades for an event.
func (d *Database) GetEventTrades(eventID string, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("event_id = ?", eventID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch event trades: %w", err)
	}
	return trades, nil
}

// GetUserTrades returns the most recent durable trades for a user.
func (d *Database) GetUserTrades(userID string, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch user trades: %w", err)
	}
	return trades, nil
}
