package logging

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfig is the production zap configuration used by the hare
// command line tools.
func DefaultConfig() zap.Config {
	logConf := zap.NewProductionConfig()
	logConf.Sampling = nil
	logConf.EncoderConfig.TimeKey = "time"
	logConf.EncoderConfig.LevelKey = "severity"
	logConf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logConf.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	return logConf
}

// ParseLevel maps a level name (or numeric level) to a zap level.
func ParseLevel(l string) (zapcore.Level, error) {
	l = strings.ToLower(strings.TrimSpace(l))
	switch l {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		level, err := strconv.ParseInt(l, 10, 8)
		if err != nil {
			return 0, err
		}
		return zapcore.Level(level), nil
	}
}
