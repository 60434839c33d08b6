package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// newLogger builds the process logger. When the output is a file the file
// is returned as well so Shutdown can close it.
func newLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var (
		out  io.Writer
		file *os.File
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("telemetry: open log file: %w", err)
		}
		out, file = f, f
	}

	if cfg.Format == "console" {
		// Colour only makes sense on a terminal.
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly, NoColor: file != nil}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	lctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		lctx = lctx.Caller()
	}

	if file == nil {
		return lctx.Logger(), nil, nil
	}
	return lctx.Logger(), file, nil
}

// Component derives the logger handed to one engine component.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
