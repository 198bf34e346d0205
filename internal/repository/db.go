package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDB opens a pooled gorm connection to Postgres and verifies it with a ping.
func NewDB(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected", "max_conns", cfg.Database.MaxConns)
	return db, nil
}
