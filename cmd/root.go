package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	slogzap "github.com/samber/slog-zap/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile  string
	env      string
	logFile  string
	logLevel string
	rootCmd  = &cobra.Command{
		Use:   "pollsub",
		Short: "Long-poll subscription client that forwards events to NATS and local websockets",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "environment overlay, merges config.<env>.yaml")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "pollsub.log", "rotated JSON log file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// NewAsyncLogger writes JSON to a rotated file and warnings and above to
// stdout, both through buffered syncers. The returned func flushes them.
func NewAsyncLogger(filename string, level slog.Level) (*slog.Logger, func()) {
	fileWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	bufferedFileWriter := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(fileWriter),
		Size:          256 * 1024,
		FlushInterval: 5 * time.Second,
	}
	bufferedConsoleWriter := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(os.Stderr),
		Size:          64 * 1024,
		FlushInterval: time.Second,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, bufferedFileWriter, zapLevel(level)),
		zapcore.NewCore(consoleEncoder, bufferedConsoleWriter, zapcore.WarnLevel),
	)

	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	handler := slogzap.Option{
		Level:  level,
		Logger: zapLogger,
	}.NewZapHandler()

	return slog.New(handler), func() {
		_ = zapLogger.Sync()
		_ = bufferedFileWriter.Stop()
		_ = bufferedConsoleWriter.Stop()
		_ = fileWriter.Close()
	}
}

func SetupLogger() (*slog.Logger, func()) {
	return NewAsyncLogger(logFile, parseLevel(logLevel))
}
