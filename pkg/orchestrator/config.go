package orchestrator

import (
	"net/http"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
	"github.com/openfroyo/modrunner/pkg/telemetry"
)

// Config holds the resolved settings of a Runner.
type Config struct {
	// ModulesRoot holds managed installs. It is created if missing.
	ModulesRoot string

	// PreInstalledRoot holds modules shipped with the host.
	PreInstalledRoot string

	DownloadConcurrency int

	// DrainTimeout bounds Shutdown. Processes still running when it
	// expires are killed.
	DrainTimeout time.Duration

	// StopTimeout is the graceful stop wait for RequestStop and reloads.
	StopTimeout time.Duration

	// PollInterval is how often state gauges are refreshed.
	PollInterval time.Duration

	Restart        supervisor.RestartPolicy
	LogBufferLines int
}

func (c Config) withDefaults() Config {
	if c.DownloadConcurrency < 1 {
		c.DownloadConcurrency = 2
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	c.Restart = c.Restart.WithDefaults()
	return c
}

// Option configures a Runner's collaborators.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTelemetry wires metrics, tracing and lifecycle events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) {
		if t == nil {
			return
		}
		r.metrics = t.Metrics
		r.tracer = t.Tracer
		r.events = t.Events
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Runner) { r.events = ep }
}

// WithAdmission sets the admission check applied while building registries.
func WithAdmission(a module.Admission) Option {
	return func(r *Runner) { r.admission = a }
}

// WithFetchers replaces the package fetchers.
func WithFetchers(f install.Fetchers) Option {
	return func(r *Runner) { r.fetchers = f }
}

// WithLookPath replaces exec.LookPath for command validation.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Runner) { r.lookPath = fn }
}

// WithResolver replaces the install resolver.
func WithResolver(res *install.Resolver) Option {
	return func(r *Runner) { r.resolver = res }
}

func defaultFetchers() install.Fetchers {
	return install.DefaultFetchers(&http.Client{Timeout: 10 * time.Minute})
}

var defaultLookPath = exec.LookPath
