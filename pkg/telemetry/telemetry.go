package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics

	logFile io.Closer
}

// NewTelemetry validates cfg and builds all three signals.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logFile, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tel := &Telemetry{
		Logger:  logger.With().Str("service", cfg.ServiceName).Str("version", cfg.ServiceVersion).Logger(),
		logFile: logFile,
	}

	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion); err != nil {
		tel.closeLog()
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		tel.closeLog()
		return nil, err
	}
	return tel, nil
}

// Shutdown flushes pending spans and closes the log file, if any.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.closeLog())
}

func (t *Telemetry) closeLog() error {
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}
