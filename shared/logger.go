package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // "potoken", "challenge", "botguard", ...
	Quiet       bool   // errors only, no caller or stacktrace
	Development bool   // true for development mode
}

// Logger wraps zap.Logger with additional context
type Logger struct {
	*zap.Logger
	serviceName string
	quiet       bool
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapLogger *zap.Logger
	var err error

	if config.Quiet {
		// Embedded in a host application: only surface errors
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		zapConfig.DisableCaller = true
		zapConfig.DisableStacktrace = true
		zapLogger, err = zapConfig.Build()
	} else if config.Development {
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapLogger, err = zapConfig.Build()
	} else {
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = zapConfig.Build()
	}

	if err != nil {
		return nil, err
	}

	zapLogger = zapLogger.With(zap.String("service", config.ServiceName))

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
		quiet:       config.Quiet,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	config := LoggerConfig{
		ServiceName: serviceName,
		Quiet:       GetEnvBoolOrDefault("POTOKEN_QUIET", false),
		Development: GetEnvBoolOrDefault("DEVELOPMENT", false),
	}
	return NewLogger(config)
}

// WrapLogger adopts an existing zap logger, e.g. zaptest.NewLogger(t).
func WrapLogger(zapLogger *zap.Logger, serviceName string) *Logger {
	if zapLogger == nil {
		return NopLogger()
	}
	return &Logger{
		Logger:      zapLogger.With(zap.String("service", serviceName)),
		serviceName: serviceName,
	}
}

// NopLogger returns a logger that discards everything
func NopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Named returns a child logger for a component of this service
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:      l.Logger.With(zap.String("component", component)),
		serviceName: l.serviceName,
		quiet:       l.quiet,
	}
}

// Generation-aware logging methods
func (l *Logger) WithGeneration(generationID string) *zap.Logger {
	if generationID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("generation_id", generationID))
}

// Endpoint-aware logging methods
func (l *Logger) WithEndpoint(endpoint string) *zap.Logger {
	if endpoint == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("endpoint", endpoint))
}

// Critical error logging - always logs even in quiet mode
func (l *Logger) Critical(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, append(fields, zap.Bool("critical", true))...)
}

// Conditional debug logging - only logs when not quiet
func (l *Logger) DebugIf(msg string, fields ...zap.Field) {
	if !l.quiet {
		l.Logger.Debug(msg, fields...)
	}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

