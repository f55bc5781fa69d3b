package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = ""
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m
}

func TestMetrics_Install(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordInstall("installed", 2*time.Second)
	m.RecordInstall("NETWORK_ERROR", time.Second)
	m.RecordInstall("NETWORK_ERROR", time.Second)

	if got := testutil.ToFloat64(m.installs.WithLabelValues("installed")); got != 1 {
		t.Errorf("Expected 1 successful install, got %v", got)
	}
	if got := testutil.ToFloat64(m.installs.WithLabelValues("network_error")); got != 2 {
		t.Errorf("Expected 2 network failures, got %v", got)
	}

	m.DownloadStarted()
	m.DownloadStarted()
	m.DownloadFinished()
	if got := testutil.ToFloat64(m.downloadsInFlight); got != 1 {
		t.Errorf("Expected 1 download in flight, got %v", got)
	}
}

func TestMetrics_ModulePhase(t *testing.T) {
	m := newTestMetrics(t)

	m.SetModulePhase("detector", "Starting")
	m.SetModulePhase("detector", "Running")

	if got := testutil.CollectAndCount(m.processPhase); got != 1 {
		t.Errorf("Expected a single phase series, got %d", got)
	}
	if got := testutil.ToFloat64(m.processPhase.WithLabelValues("detector", "Running")); got != 1 {
		t.Errorf("Expected Running=1, got %v", got)
	}

	m.RecordRestart("detector")
	m.ForgetModule("detector")
	if got := testutil.CollectAndCount(m.processPhase); got != 0 {
		t.Errorf("Expected phase series removed, got %d", got)
	}
	if got := testutil.CollectAndCount(m.restarts); got != 0 {
		t.Errorf("Expected restart series removed, got %d", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these may panic.
	m.RecordInstall("installed", time.Second)
	m.DownloadStarted()
	m.DownloadFinished()
	m.SetModulePhase("x", "Running")
	m.RecordRestart("x")
	m.RecordCrashLoop("x")
	m.ForgetModule("x")
	m.SetModulesConfigured(3)
	m.RecordInitError("CONFIG_VALIDATION")
	m.RecordError("install", "NETWORK_ERROR")

	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Serve on disabled metrics returned %v", err)
	}
}

func TestEventPublisher_AsyncOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Data["new_phase"].(string))
		mu.Unlock()
	}, FilterByType(EventTypeProcessStateChanged))

	phases := []string{"Starting", "Running", "Crashed", "Restarting", "Starting", "Running"}
	prev := "Stopped"
	for _, p := range phases {
		if err := ep.PublishProcessStateChanged("detector", prev, p, nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		prev = p
	}
	_ = ep.PublishInstalled("detector", "1.0.0", "/x", time.Second)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != strings.Join(phases, ",") {
		t.Errorf("Expected %v in order, got %v", phases, got)
	}

	if err := ep.PublishModuleRemoved("detector"); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Expected ErrPublisherClosed after shutdown, got %v", err)
	}
}

func TestEventPublisher_Defaults(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})

	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)
	_ = ep.Publish(Event{Type: EventTypeModuleRemoved, ModuleID: "a"})

	if got.ID == "" || got.Timestamp.IsZero() || got.Level != EventLevelInfo {
		t.Errorf("Expected id, timestamp and level to be filled, got %+v", got)
	}
}

func TestEventPublisher_NilIsNoop(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishCrashLoop("a", "boom"); err != nil {
		t.Errorf("Expected nil publisher to accept events, got %v", err)
	}
	ep.Subscribe(func(Event) {}, nil)
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)

	if f(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered out")
	}
	if !f(Event{Level: EventLevelError}) {
		t.Error("error should pass")
	}
}

func TestLogger_ComponentFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	zl := l.Component("supervisor").With().Str("module", "detector").Logger()
	zl.Info().Msg("started")
	zl.Debug().Msg("debug line")

	out := buf.String()
	for _, want := range []string{`"component":"supervisor"`, `"module":"detector"`, `"message":"started"`, `"message":"debug line"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"", "trace", "debug", "info", "warn", "error", "fatal"} {
		if _, err := ParseLevel(name); err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseLevel("panic"); err == nil {
		t.Error("Expected panic level to be rejected")
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil || ep != nil {
		t.Fatalf("Expected nil publisher, got %v, %v", ep, err)
	}
	if _, err := NewEventPublisher(EventsConfig{Enabled: true}); err == nil {
		t.Error("Expected zero buffer to be rejected")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
