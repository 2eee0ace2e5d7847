// Package telemetry wires logging, metrics and tracing for egaboot.
//
// Logs are zerolog, either human-readable console output or JSON lines.
// Build outcomes feed Prometheus collectors through the engine.Observer
// interface; since a build is a short-lived process the registry is written
// to a node_exporter textfile at shutdown rather than served. Spans use
// OpenTelemetry with a stdout or OTLP/gRPC exporter.
//
//	tel, err := telemetry.New(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	orch := engine.NewOrchestrator(graph, ws, manifest,
//		engine.WithLogger(tel.Logger),
//		engine.WithObserver(tel.Metrics),
//		engine.WithTracer(tel.Tracer.Tracer()),
//	)
package telemetry
