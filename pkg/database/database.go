package database

import (
	"strings"

	"harvest-backend/pkg/config"

	"gorm.io/gorm"
)

// Open picks the driver from DATABASE_URL: a "sqlite://" prefix selects SQLite,
// anything else is handed to postgres
func Open(cfg *config.Config) (*gorm.DB, error) {
	if path, ok := strings.CutPrefix(cfg.DatabaseURL, "sqlite://"); ok {
		return NewSQLiteConnection(path)
	}
	return NewPostgresConnection(cfg)
}
