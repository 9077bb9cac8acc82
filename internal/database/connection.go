// Package database 建立 river 使用的 pgx 連線池並執行 river 資料表遷移
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"wolf/internal/config"
	"wolf/internal/logger"
)

// Connect 建立連線池並確認資料庫可以連線
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*pgxpool.Pool, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PGXDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connected",
		slog.String("host", cfg.Host),
		slog.String("dbname", cfg.DBName),
	)
	return pool, nil
}

// MigrateRiver 執行 river 資料表遷移
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) error {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{
		Logger: log.WithComponent("rivermigrate").Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create river migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to run river migrations: %w", err)
	}

	log.Info("river migration completed", slog.Int("applied", len(res.Versions)))
	return nil
}
