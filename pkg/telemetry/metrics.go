package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the module host. A Metrics created
// with metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Install metrics
	installs          *prometheus.CounterVec
	installDuration   *prometheus.HistogramVec
	downloadsInFlight prometheus.Gauge

	// Process metrics
	processPhase *prometheus.GaugeVec
	restarts     *prometheus.CounterVec
	crashLoops   *prometheus.CounterVec

	// Registry metrics
	modulesConfigured prometheus.Gauge
	initErrors        *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	mu     sync.Mutex
	phases map[string]string

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.InstallBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		phases:   make(map[string]string),

		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Total number of module install attempts by result",
			},
			[]string{"result"},
		),
		installDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_duration_seconds",
				Help:      "Duration of module downloads and extraction in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		downloadsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "downloads_in_flight",
				Help:      "Current number of module downloads in progress",
			},
		),

		processPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "module_process_phase",
				Help:      "Current process phase of each module (1 for the active phase)",
			},
			[]string{"module", "phase"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_restarts_total",
				Help:      "Total number of automatic module process restarts",
			},
			[]string{"module"},
		),
		crashLoops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_crash_loops_total",
				Help:      "Total number of times a module exceeded its crash budget",
			},
			[]string{"module"},
		),

		modulesConfigured: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_configured",
				Help:      "Number of modules in the current registry",
			},
		),
		initErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_init_errors_total",
				Help:      "Total number of module descriptors excluded from the registry",
			},
			[]string{"code"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.installs,
		m.installDuration,
		m.downloadsInFlight,
		m.processPhase,
		m.restarts,
		m.crashLoops,
		m.modulesConfigured,
		m.initErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Install Metrics

// RecordInstall records a finished install attempt. result is "installed"
// or the failure code.
func (m *Metrics) RecordInstall(result string, duration time.Duration) {
	if m.installs == nil {
		return
	}
	result = strings.ToLower(result)
	m.installs.WithLabelValues(result).Inc()
	m.installDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// DownloadStarted increments the in-flight download gauge.
func (m *Metrics) DownloadStarted() {
	if m.downloadsInFlight == nil {
		return
	}
	m.downloadsInFlight.Inc()
}

// DownloadFinished decrements the in-flight download gauge.
func (m *Metrics) DownloadFinished() {
	if m.downloadsInFlight == nil {
		return
	}
	m.downloadsInFlight.Dec()
}

// Process Metrics

// SetModulePhase marks phase as the active process phase of a module.
func (m *Metrics) SetModulePhase(moduleID, phase string) {
	if m.processPhase == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.phases[moduleID]; ok && prev != phase {
		m.processPhase.DeleteLabelValues(moduleID, prev)
	}
	m.phases[moduleID] = phase
	m.processPhase.WithLabelValues(moduleID, phase).Set(1)
}

// RecordRestart records an automatic restart of a module process.
func (m *Metrics) RecordRestart(moduleID string) {
	if m.restarts == nil {
		return
	}
	m.restarts.WithLabelValues(moduleID).Inc()
}

// RecordCrashLoop records a module giving up after repeated crashes.
func (m *Metrics) RecordCrashLoop(moduleID string) {
	if m.crashLoops == nil {
		return
	}
	m.crashLoops.WithLabelValues(moduleID).Inc()
}

// ForgetModule drops the per-module series of a module removed from the
// registry.
func (m *Metrics) ForgetModule(moduleID string) {
	if m.processPhase == nil {
		return
	}
	m.mu.Lock()
	if prev, ok := m.phases[moduleID]; ok {
		m.processPhase.DeleteLabelValues(moduleID, prev)
		delete(m.phases, moduleID)
	}
	m.mu.Unlock()
	m.restarts.DeleteLabelValues(moduleID)
	m.crashLoops.DeleteLabelValues(moduleID)
}

// Registry Metrics

// SetModulesConfigured sets the number of modules in the registry.
func (m *Metrics) SetModulesConfigured(count int) {
	if m.modulesConfigured == nil {
		return
	}
	m.modulesConfigured.Set(float64(count))
}

// RecordInitError records a descriptor excluded from the registry.
func (m *Metrics) RecordInitError(code string) {
	if m.initErrors == nil {
		return
	}
	m.initErrors.WithLabelValues(code).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the Prometheus registry, or nil when metrics are
// disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns
// immediately when metrics or the listener are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
