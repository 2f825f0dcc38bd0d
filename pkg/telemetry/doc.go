// Package telemetry provides the observability stack of the orchestrator:
// structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics and the execution event bus.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.New(cfg, os.Stdout)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe(store, nil)
//	tel.Events.Subscribe(telemetry.LogSubscriber{Logger: tel.Logger}, nil)
//
//	exec := engine.NewExecutor(adapters, opts,
//	    engine.WithLogger(tel.Logger),
//	    engine.WithRecorder(tel.Metrics),
//	    engine.WithEventPublisher(tel.Events),
//	)
//
// # Metrics
//
// Metrics implements engine.Recorder. Collectors are registered on a
// private registry exposed by Handler, or served on MetricsConfig.ListenAddress
// by Serve:
//
//	straddle_runs_completed_total{status}
//	straddle_run_duration_seconds{status}
//	straddle_nodes_completed_total{target,state}
//	straddle_node_duration_seconds{target}
//	straddle_adapter_calls_total{target,operation}
//	straddle_adapter_call_duration_seconds{target,operation}
//	straddle_adapter_errors_total{target,operation,class}
//	straddle_retries_total{target,phase,class}
//	straddle_bootstraps_total{status}
//	straddle_bootstrap_duration_seconds
//
// # Tracing
//
// NewTracer installs the provider globally; the executor's run and node
// spans are created through otel.Tracer and need no further wiring. The
// otlp exporter speaks gRPC to a collector, stdout pretty-prints spans.
package telemetry
