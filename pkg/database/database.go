package database

import (
	"treefuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDBConnection opens the crash ledger and migrates its schema. It returns nil when no
// database is configured.
func NewDBConnection(appConfig *config.AppConfig, lg *zap.Logger) (*gorm.DB, error) {
	if appConfig.DatabaseURL == "" {
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(appConfig.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		lg.Error("failed to connect database", zap.Error(err))
		return nil, err
	}
	if err := db.AutoMigrate(&Crash{}); err != nil {
		lg.Error("failed to migrate crash ledger", zap.Error(err))
		return nil, err
	}
	lg.Debug("connected to database")
	return db, nil
}
