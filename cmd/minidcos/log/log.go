package log

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gammadia/minidcos/cmd/minidcos/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes
var Base = slog.Default()

func Init() error {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	if viper.GetBool(flags.Verbose) {
		logLevel = slog.LevelDebug
	}

	options := slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     logLevel,
	}

	// Logs go to stderr, stdout carries command output.
	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		Base = slog.New(slog.NewJSONHandler(os.Stderr, &options))
	case "text":
		Base = slog.New(slog.NewTextHandler(os.Stderr, &options))
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	slog.SetDefault(Base)
	return nil
}

func With(args ...any) *slog.Logger {
	return Base.With(args...)
}
