// Package telemetry wires observability into the orchestration engine.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event bus. Metrics implements
// engine.MetricsRecorder and EventPublisher implements engine.EventPublisher,
// so both can be handed straight to engine.NewOrchestrator:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch := engine.NewOrchestrator(registry, runner, tel.Logger.Zerolog(),
//	    engine.WithMetrics(tel.Metrics),
//	    engine.WithEventPublisher(tel.Events),
//	)
//
// When tracing is enabled NewTracer installs its provider globally. The
// engine creates its spans from the global provider.
//
// Disabled components are safe to use; they simply do nothing.
package telemetry
