package config

import (
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// AppConfig holds process-level settings read from the environment (and an optional .env file).
// Every external service is optional: an empty URL disables the component that uses it.
type AppConfig struct {
	LogLevel      string
	ServiceName   string
	DatabaseURL   string // crash ledger (postgres)
	RedisUrl      string // shared signature registry
	RabbitMQURL   string // queued minimization
	MinimizeQueue string
	OtelEndpoint  string // telemetry is enabled when set
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env file", zap.Error(err))
	}

	config := &AppConfig{
		LogLevel:      os.Getenv("LOG_LEVEL"),
		ServiceName:   os.Getenv("SERVICE_NAME"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisUrl:      os.Getenv("REDIS_URL"),
		RabbitMQURL:   os.Getenv("RABBITMQ_URL"),
		MinimizeQueue: os.Getenv("MINIMIZE_QUEUE"),
		OtelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if config.ServiceName == "" {
		config.ServiceName = "treefuzz" // Default service name
	}
	if config.MinimizeQueue == "" {
		config.MinimizeQueue = "minimize_queue"
	}

	return config
}

// TelemetryEnabled reports whether an OTLP collector endpoint is configured.
func (c *AppConfig) TelemetryEnabled() bool {
	return c.OtelEndpoint != ""
}
