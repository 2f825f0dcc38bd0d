package telemetry

import (
	"context"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer, metrics and event bus of one process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	logCloser io.Closer
}

// New creates every telemetry component from configuration. Trace output
// of the stdout exporter goes to stdout.
func New(cfg *Config, stdout io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("service", cfg.ServiceName).Logger()

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, stdout)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   NewMetrics(cfg.Metrics),
		Events:    NewEventPublisher(cfg.Events, logger),
		Config:    cfg,
		logCloser: closer,
	}, nil
}

// Shutdown drains events, flushes spans and closes the log output, in
// reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := t.Events.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.logCloser.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
