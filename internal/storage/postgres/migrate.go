package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/azhengyongqin/dispatch-hub/internal/logger"
	"github.com/azhengyongqin/dispatch-hub/internal/repository"
)

// AutoMigrate 用 GORM 模型建表。只在启动时跑一次，
// 日常读写走 pgx 连接池，GORM 连接用完即关。
func AutoMigrate(dsn string) error {
	if err := validateDSN(dsn); err != nil {
		return fmt.Errorf("invalid POSTGRES_DSN: %w", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	if err := db.AutoMigrate(
		&repository.TaskModel{},
		&repository.TaskAttemptModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	logger.Info().Msg("数据库迁移完成")
	return nil
}
