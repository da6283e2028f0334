package main

import (
	"treefuzz/config"
	"treefuzz/internal/campaign"
	"treefuzz/pkg/database"
	"treefuzz/pkg/logger"
	"treefuzz/pkg/mq"
	"treefuzz/pkg/telemetry"
	"treefuzz/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// appOptions wires a campaign. Services whose URL is not configured are provided as nil.
func appOptions(appConfig *config.AppConfig, cfg *config.CampaignConfig) fx.Option {
	return fx.Options(
		fx.Supply(appConfig, cfg),
		fx.Provide(
			database.NewDBConnection,    // inject crash ledger
			database.NewRedisClient,     // inject redis client
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			watchdog.NewWatchDogFactory, // inject watchdog factory
			campaign.New,                // inject campaign controller
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
}
