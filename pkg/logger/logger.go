package logger

import (
	"context"
	"fmt"
	"strings"

	"treefuzz/config"
	"treefuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

func NewLogger(p LoggerParams) *zap.Logger {
	loggerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	level := ParseLevel(p.AppConfig.LogLevel)
	if p.Telemetry == nil || p.Telemetry.GetLogger() == nil {
		return Build(level)
	}

	lg := Build(level, WithTelemetry(loggerCtx, p.Telemetry.GetLogger()), zap.AddCaller())
	lg.Info("Logger with telemetry and fields enabled")
	return lg
}

// Build returns a development logger at info and below and a production one above.
func Build(level zapcore.Level, opts ...zap.Option) *zap.Logger {
	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	lg, err := cfg.Build(opts...)
	if err != nil && len(opts) > 0 {
		lg, err = cfg.Build()
	}
	if err != nil {
		// log failed to build, return a default one
		return zap.NewExample()
	}
	return lg
}

// ParseLevel maps LOG_LEVEL values to zap levels, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// VerbosityLevel maps the -v count of the command line to a LOG_LEVEL value.
func VerbosityLevel(verbosity int) string {
	switch {
	case verbosity <= 0:
		return "warn"
	case verbosity == 1:
		return "info"
	default:
		return "debug"
	}
}

// WithTelemetry mirrors every entry into an OpenTelemetry logger.
func WithTelemetry(ctx context.Context, otelLogger log.Logger) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &telemetryCore{
			Core:   core,
			logger: otelLogger,
			ctx:    ctx,
			attrsBase: []attribute.KeyValue{
				attribute.String("fuzz.action.name", "campaign_log"),
			},
		}
	})
}

// telemetryCore decorates a zapcore.Core to emit both through the original core
// and into OpenTelemetry, converting each zap.Field into an attribute.
type telemetryCore struct {
	zapcore.Core
	logger    log.Logger
	ctx       context.Context
	attrsBase []attribute.KeyValue
}

// 1) With makes sure child cores (e.g. when you do logger.With(...)) keep the wrapper.
func (t *telemetryCore) With(fields []zapcore.Field) zapcore.Core {
	return &telemetryCore{
		Core:      t.Core.With(fields),
		logger:    t.logger,
		ctx:       t.ctx,
		attrsBase: t.attrsBase,
	}
}

// 2) Check tells Zap to add _this_ core (not the inner one) to the CheckedEntry.
func (t *telemetryCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return checked.AddCore(ent, t)
	}
	return checked
}

func (t *telemetryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := t.Core.Write(ent, fields); err != nil {
		return err
	}

	rec := log.Record{}
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverityText(ent.Level.String())

	attrs := make([]attribute.KeyValue, 0, len(fields)+len(t.attrsBase))
	attrs = append(attrs, t.attrsBase...)
	for _, f := range fields {
		switch f.Type {
		case zapcore.BoolType:
			attrs = append(attrs, attribute.Bool(f.Key, f.Integer != 0))
		case zapcore.Float64Type:
			if v, ok := f.Interface.(float64); ok {
				attrs = append(attrs, attribute.Float64(f.Key, v))
			}
		case zapcore.Float32Type:
			if v, ok := f.Interface.(float32); ok {
				attrs = append(attrs, attribute.Float64(f.Key, float64(v)))
			}
		case zapcore.Int64Type:
			attrs = append(attrs, attribute.Int64(f.Key, f.Integer))
		case zapcore.Int32Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(int32(f.Integer))))
		case zapcore.Int16Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(int16(f.Integer))))
		case zapcore.Int8Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(int8(f.Integer))))
		case zapcore.Uint64Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(uint64(f.Integer))))
		case zapcore.Uint32Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(uint32(f.Integer))))
		case zapcore.Uint16Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(uint16(f.Integer))))
		case zapcore.Uint8Type:
			attrs = append(attrs, attribute.Int64(f.Key, int64(uint8(f.Integer))))
		case zapcore.StringType:
			attrs = append(attrs, attribute.String(f.Key, f.String))
		case zapcore.ErrorType:
			if errVal, ok := f.Interface.(error); ok {
				attrs = append(attrs, attribute.String(f.Key, errVal.Error()))
			}
		default:
			attrs = append(attrs, attribute.String(f.Key, fmt.Sprint(f.Interface)))
		}
	}

	for _, attr := range attrs {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}

	t.logger.Emit(t.ctx, rec)
	return nil
}
