package database

import (
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/database/migrations"
	"github.com/ksred/prediction-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection. The
// database path comes from DB_PATH, defaulting to a local file.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DB_PATH")
	if path == "" {
		path = "prediction.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate core schemas
	err = db.AutoMigrate(
		&types.Event{},
		&types.User{},
		&types.Trade{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddTradeQueryIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
