package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig configures the zap-backed logger.
type ZapConfig struct {
	Level       string
	Encoding    string
	Development bool
	Service     string
}

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a production-style zap logger from cfg.
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(cfg.Level); trimmed != "" {
		if err := level.Set(strings.ToLower(trimmed)); err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}
	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if encoding == "" {
		encoding = "json"
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "tradeflow"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.TimeKey = "ts"
	encoderConfig.FunctionKey = zapcore.OmitKey
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	if encoding == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": service},
	}
	logger, err := zapCfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &ZapLogger{base: logger}, nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{base: logger}
}

// Debug logs at debug level.
func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, toZap(fields)...) }

// Info logs at info level.
func (l *ZapLogger) Info(msg string, fields ...Field) { l.base.Info(msg, toZap(fields)...) }

// Warn logs at warn level.
func (l *ZapLogger) Warn(msg string, fields ...Field) { l.base.Warn(msg, toZap(fields)...) }

// Error logs at error level.
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, toZap(fields)...) }

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
