package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config is the observability configuration of a modrunner host.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment labels spans, e.g. dev or prod.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string
	// Format is console or json.
	Format string
	// Output is stdout, stderr or a file path opened for append.
	Output       string
	EnableCaller bool
	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool
	// Exporter is otlp (gRPC), stdout or none.
	Exporter string
	// Endpoint is the OTLP collector address, host:port.
	Endpoint           string
	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress of the scrape endpoint. Empty keeps the collectors
	// without opening a listener.
	ListenAddress string
	Path          string
	Namespace     string
	// InstallBuckets are histogram buckets for install durations, seconds.
	InstallBuckets []float64
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled     bool
	BufferSize  int
	EnableAsync bool
}

// DefaultConfig returns the configuration used when the host file sets
// nothing: console logs at info, metrics on :9464, async events, no tracing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "modrunner",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			ListenAddress:  ":9464",
			Path:           "/metrics",
			Namespace:      "modrunner",
			InstallBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q, want console or json", c.Logging.Format))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				errs = append(errs, errors.New("otlp exporter requires an endpoint"))
			}
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate))
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
