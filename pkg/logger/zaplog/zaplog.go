// Package zaplog is a structured JSON logging backend built on zap.
package zaplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements logger.LoggerInstance on top of a zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// Params configures NewZapLogger. Production selects the JSON production
// encoder, otherwise the colored development encoder is used.
type Params struct {
	Production bool
	Debug      bool
}

func NewZapLogger(params Params) (*ZapLogger, error) {
	var config zap.Config
	if params.Production {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level := zap.InfoLevel
	if params.Debug {
		level = zap.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := config.Build(zap.AddCallerSkip(3))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{logger: l}, nil
}

// New wraps an existing zap logger, mainly for tests with zaptest/observer.
func New(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l}
}

func (z *ZapLogger) Log(message string, keyvals ...any) {
	z.logger.Info(message, fields(keyvals)...)
}

func (z *ZapLogger) Debug(message string, keyvals ...any) {
	z.logger.Debug(message, fields(keyvals)...)
}

func (z *ZapLogger) Info(message string, keyvals ...any) {
	z.logger.Info(message, fields(keyvals)...)
}

func (z *ZapLogger) Warn(message string, keyvals ...any) {
	z.logger.Warn(message, fields(keyvals)...)
}

func (z *ZapLogger) Error(message string, keyvals ...any) {
	z.logger.Error(message, fields(keyvals)...)
}

func (z *ZapLogger) Fatal(message string, keyvals ...any) {
	z.logger.Fatal(message, fields(keyvals)...)
}

func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

// fields turns alternating key/value pairs into zap fields. A trailing key
// without a value is kept under "!BADKEY" like charmbracelet/log does.
func fields(keyvals []any) []zap.Field {
	if len(keyvals) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 >= len(keyvals) {
			out = append(out, zap.Any("!BADKEY", key))
			break
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, keyvals[i+1]))
	}
	return out
}
