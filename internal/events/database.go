package events

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetEvent retrieves an event by its public identifier
func (d *Database) GetEvent(eventID string) (*types.Event, error) {
	var event types.Event
	result := d.db.Where("event_id = ?", eventID).First(&event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &event, nil
}

// CreateEvent persists a new event
func (d *Database) CreateEvent(event *types.Event) error {
	return d.db.Create(event).Error
}

// SaveEvent persists changes to an existing event
func (d *Database) SaveEvent(event *types.Event) error {
	return d.db.Save(event).Error
}

// ListEvents returns events matching the optional status and category
// filters, newest start time first, along with the total match count.
func (d *Database) ListEvents(status, category string, limit, offset int) ([]types.Event, int64, error) {
	query := d.db.Model(&types.Event{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []types.Event
	if err := query.Order("start_time DESC").Limit(limit).Offset(offset).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// DeleteEvent removes an event row
func (d *Database) DeleteEvent(eventID string) error {
	return d.db.Where("event_id = ?", eventID).Delete(&types.Event{}).Error
}

// TradeStats aggregates trade count, total volume and average price for
// an event across completed and settled trades.
func (d *Database) TradeStats(eventID string) (count int64, volume int64, avgPrice float64, err error) {
	row := d.db.Model(&types.Trade{}).
		Select("COUNT(*), COALESCE(SUM(amount), 0), COALESCE(AVG(price), 0)").
		Where("event_id = ? AND status IN ?", eventID, []string{types.TradeStatusCompleted, types.TradeStatusSettled}).
		Row()
	if err = row.Scan(&count, &volume, &avgPrice); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to aggregate trade stats: %w", err)
	}
	return count, volume, avgPrice, nil
}

// SettleEvent settles every completed trade for the event at the given
// settlement price and marks the event settled, all in one transaction.
// Each trade's profit or loss is credited to its owner's balance.
func (d *Database) SettleEvent(event *types.Event, settlementPrice int64) (int, error) {
	tx := d.db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Error; err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var trades []types.Trade
	if err := tx.Where("event_id = ? AND status = ?", event.EventID, types.TradeStatusCompleted).
		Find(&trades).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to load trades for settlement: %w", err)
	}

	now := time.Now()
	for i := range trades {
		trade := &trades[i]
		pnl := tradeDirection(trade.Side, trade.Position) * (settlementPrice - trade.Price) * trade.Amount

		updates := map[string]interface{}{
			"status":           types.TradeStatusSettled,
			"profit_loss":      pnl,
			"settled_at":       now,
			"settlement_price": settlementPrice,
		}
		if err := tx.Model(&types.Trade{}).Where("trade_id = ?", trade.TradeID).
			Updates(updates).Error; err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to settle trade %s: %w", trade.TradeID, err)
		}

		if pnl != 0 {
			if err := tx.Model(&types.User{}).Where("user_id = ?", trade.UserID).
				Update("balance", gorm.Expr("balance + ?", pnl)).Error; err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("failed to credit user %s: %w", trade.UserID, err)
			}
		}
	}

	if err := tx.Model(&types.Event{}).Where("event_id = ?", event.EventID).
		Updates(map[string]interface{}{
			"status":        types.EventStatusSettled,
			"outcome":       event.Outcome,
			"current_price": settlementPrice,
		}).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to update event: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return len(trades), nil
}

// tradeDirection maps a trade's side and position to the sign of its
// exposure to the settlement price. Buying yes and selling no are long,
// selling yes and buying no are short.
func tradeDirection(side, position string) int64 {
	if (side == types.SideBuy) == (position == types.PositionYes) {
		return 1
	}
	return -1
}
