package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger on stdout.
//   - service: name stamped on every line (config.Config.AppName)
//   - level: trace, debug, info, warn, error, fatal or panic; unknown values fall back to info
//   - format: "json" for production, "pretty" for human-readable dev output
func Setup(service, level, format string) zerolog.Logger {
	return New(os.Stdout, service, level, format)
}

// New is Setup with an explicit destination.
func New(out io.Writer, service, level, format string) zerolog.Logger {
	writer := out
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	log := zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Caller().
		Logger()

	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
	}
	return log
}

// Session scopes log to one test-taker's exam session.
func Session(log zerolog.Logger, examID, testTakerID string) zerolog.Logger {
	return log.With().
		Str("exam_id", examID).
		Str("test_taker_id", testTakerID).
		Logger()
}
