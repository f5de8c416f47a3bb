package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"binance-grid-engine-go/internal/models"
)

var root *zap.Logger

// Init builds the process logger from config: atomic level, ISO8601 console
// encoder, tee of console/file cores with lumberjack rotation.
func Init(cfg models.LogConfig) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(consoleEncoder, fileWriter, logLevel))
	}

	if output == "console" || output == "both" || len(cores) == 0 {
		consoleWriter := zapcore.AddSync(os.Stdout)
		cores = append(cores, zapcore.NewCore(consoleEncoder, consoleWriter, logLevel))
	}

	root = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// L returns the root logger, falling back to a development logger when Init
// has not run (tests, early startup).
func L() *zap.Logger {
	if root == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return root
}

// S returns the root sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named returns a child logger for a component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
