package risk

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

// GetUser retrieves a user by its ID. Returns (nil, nil) when absent.
func (d *Database) GetUser(userID string) (*types.User, error) {
	var user types.User
	if err := d.db.Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetNetPosition recomputes a user's net signed position on an event from
// completed trades: buys add, sells subtract.
func (d *Database) GetNetPosition(eventID, userID string) (int64, error) {
	var netPosition int64

	query := `
		SELECT COALESCE(SUM(
			CASE
				WHEN side = 'buy' THEN amount
				WHEN side = 'sell' THEN -amount
				ELSE 0
			END
		), 0) as net_position
		FROM trades
		WHERE event_id = ?
		AND user_id = ?
		AND status = 'completed'`

	if err := d.db.Raw(query, eventID, userID).Scan(&netPosition).Error; err != nil {
		return 0, fmt.Errorf("failed to calculate net position: %w", err)
	}

	return netPosition, nil
}

// GetDailyVolume recomputes a user's traded volume since the start of the
// current UTC day from completed trades.
func (d *Database) GetDailyVolume(userID string) (int64, error) {
	var volume int64

	startOfDay := startOfUTCDay()
	query := `
		SELECT COALESCE(SUM(amount), 0) as volume
		FROM trades
		WHERE user_id = ?
		AND status = 'completed'
		AND created_at >= ?`

	if err := d.db.Raw(query, userID, startOfDay).Scan(&volume).Error; err != nil {
		return 0, fmt.Errorf("failed to calculate daily volume: %w", err)
	}

	return volume, nil
}

// GetDailyPnL recomputes a user's realized profit and loss since the start
// of the current UTC day: buys debit, sells credit.
func (d *Database) GetDailyPnL(userID string) (int64, error) {
	var pnl int64

	startOfDay := startOfUTCDay()
	query := `
		SELECT COALESCE(SUM(
			CASE
				WHEN side = 'buy' THEN -amount
				WHEN side = 'sell' THEN amount
				ELSE 0
			END
		), 0) as pnl
		FROM trades
		WHERE user_id = ?
		AND status = 'completed'
		AND created_at >= ?`

	if err := d.db.Raw(query, userID, startOfDay).Scan(&pnl).Error; err != nil {
		return 0, fmt.Errorf("failed to calculate daily pnl: %w", err)
	}

	return pnl, nil
}

func startOfUTCDay() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
