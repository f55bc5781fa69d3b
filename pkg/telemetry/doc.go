// Package telemetry provides observability for the modrunner host.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and a lifecycle event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx)
//
// # Logging
//
// Components receive a zerolog.Logger and derive a component logger:
//
//	logger := tel.Logger.Component("orchestrator")
//	logger.Info().Str("module", id).Msg("Module started")
//
// Module stdout is logged at info and stderr at warn, with the fields
// module, stream and pid.
//
// # Tracing
//
// Spans cover registry applies (registry.apply), module pipelines
// (module.pipeline) and downloads (module.install). The exporter is one of
// otlp (gRPC), stdout or none.
//
// # Metrics
//
//	modrunner_installs_total{result}
//	modrunner_install_duration_seconds{result}
//	modrunner_downloads_in_flight
//	modrunner_module_process_phase{module,phase}
//	modrunner_module_restarts_total{module}
//	modrunner_module_crash_loops_total{module}
//	modrunner_modules_configured
//	modrunner_registry_init_errors_total{code}
//	modrunner_errors_by_class_total{class}
//	modrunner_errors_by_code_total{code}
//
// # Events
//
// The EventPublisher delivers module lifecycle events (exclusion, install,
// process phase changes, crash loops, reloads, policy violations) to
// subscribers such as the SQLite journal in package stores. In async mode
// delivery happens on one goroutine, in publish order.
package telemetry
