package migrations

import (
	"gorm.io/gorm"
)

// AddTradeQueryIndexes creates the composite indexes backing the hot
// trade queries. Using raw SQL for index creation to have more control
// over index types.
func AddTradeQueryIndexes(db *gorm.DB) error {
	indexes := []string{
		// Composite index for per-user position lookups
		`CREATE INDEX IF NOT EXISTS idx_trades_event_user
		 ON trades(event_id, user_id)`,

		// Composite index for event tape and settlement sweeps
		`CREATE INDEX IF NOT EXISTS idx_trades_event_status
		 ON trades(event_id, status)`,

		// Composite index for daily volume and loss windows
		`CREATE INDEX IF NOT EXISTS idx_trades_user_created_at
		 ON trades(user_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
