// Package logging builds the service logger from the environment.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding. Empty fields fall back to the environment.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Name   string
}

// ConfigFromEnv reads LOG_LEVEL and LOG_FORMAT.
func ConfigFromEnv(name string) Config {
	return Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		Name:   name,
	}
}

// New builds a zap logger. Production environments default to JSON at info,
// everything else to a console encoder at debug.
func New(cfg Config) (*zap.Logger, error) {
	prod := IsProduction()

	var zc zap.Config
	if prod {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level, prod))
	switch strings.ToLower(cfg.Format) {
	case "json":
		zc.Encoding = "json"
		zc.EncoderConfig = zap.NewProductionEncoderConfig()
	case "console", "text", "pretty":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("env", EnvironmentName()))
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

func parseLevel(level string, prod bool) zapcore.Level {
	if level == "" {
		if prod {
			return zapcore.InfoLevel
		}
		return zapcore.DebugLevel
	}
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// EnvironmentName returns the detected runtime environment (dev/prod/etc).
func EnvironmentName() string {
	for _, key := range []string{"ENV", "GO_ENV", "ENVIRONMENT", "APP_ENV"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "kubernetes"
	}
	return "development"
}

// IsProduction reports whether the environment looks like production.
func IsProduction() bool {
	env := strings.ToLower(EnvironmentName())
	return strings.HasPrefix(env, "prod") || os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
