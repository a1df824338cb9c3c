package di

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogFormatEnv selects the log format; "json" writes JSON lines, anything else the console format.
const LogFormatEnv = "RUN_DEPLOYER_LOG_FORMAT"

// ProvideLogger creates a new zerolog.Logger configured for the runtime environment.
// With RUN_DEPLOYER_LOG_FORMAT=json (CI, log shippers), it uses JSON format.
// In terminal/CLI, it uses console format with pretty printing.
func ProvideLogger() zerolog.Logger {
	if strings.EqualFold(os.Getenv(LogFormatEnv), "json") {
		return zerolog.New(os.Stdout).
			Level(zerolog.InfoLevel).
			With().
			Timestamp().
			Logger()
	}

	// Running in terminal - use console format with colors
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// SetLevel applies a level name such as "debug" or "warn" to logger.
func SetLevel(logger *zerolog.Logger, level string) error {
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	*logger = logger.Level(lvl)
	return nil
}
