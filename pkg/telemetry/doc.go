// Package telemetry provides logging, tracing and metrics for the endpoint
// engine.
//
// Logging uses zerolog. Components receive a zerolog.Logger derived with a
// "component" field by Component:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := telemetry.Component(tel.Logger, "orchestrator")
//
// Tracing uses OpenTelemetry with an otlp, stdout or no exporter. Spans are
// opened around registrations, probes and strategy executions:
//
//	ctx, span := tel.Tracer.StartRegisterSpan(ctx, "/robots.txt")
//	defer span.End()
//
// Metrics are Prometheus collectors in a private registry, exposed through
// Metrics.Handler. Every Record method is a no-op when metrics are disabled,
// so callers never nil-check.
package telemetry
