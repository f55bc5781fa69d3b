package config

import (
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
	"github.com/openfroyo/modrunner/pkg/transports/ssh"
)

// File is a parsed host configuration file.
type File struct {
	Server        ServerOptions `yaml:"server" json:"server"`
	ModuleOptions ModuleOptions `yaml:"module_options" json:"module_options"`
	Install       InstallConfig `yaml:"install" json:"install"`

	// Modules holds the module entries that decoded, in document order.
	Modules []module.RawConfig `yaml:"-" json:"modules"`

	// BindErrors lists module entries that failed to decode. They never
	// reach the registry.
	BindErrors []module.InitError `yaml:"-" json:"bind_errors,omitempty"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-" json:"path,omitempty"`
}

// ServerOptions configures the host process itself.
type ServerOptions struct {
	// MetricsAddress is the Prometheus listen address. Empty disables it.
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address"`

	// DataDir holds the journal database.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	Environment string `yaml:"environment" json:"environment"`

	// Journal enables the SQLite event journal under DataDir.
	Journal *bool `yaml:"journal" json:"journal,omitempty"`

	// EventRetention prunes journal events older than this at startup.
	// Zero keeps everything.
	EventRetention time.Duration `yaml:"event_retention" json:"event_retention,omitempty" validate:"gte=0"`

	Tracing TracingOptions `yaml:"tracing" json:"tracing"`
}

// JournalEnabled reports whether the event journal is on. It defaults to on.
func (s ServerOptions) JournalEnabled() bool {
	return s.Journal == nil || *s.Journal
}

// TracingOptions configures span export.
type TracingOptions struct {
	Exporter     string            `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// ModuleOptions configures where modules live and how they are run.
type ModuleOptions struct {
	// ModulesDirPath is the root for downloaded (managed) installs.
	ModulesDirPath string `yaml:"modules_dir_path" json:"modules_dir_path" validate:"required"`

	// PreInstalledModulesDirPath is the root for modules shipped with the host.
	PreInstalledModulesDirPath string `yaml:"pre_installed_modules_dir_path" json:"pre_installed_modules_dir_path"`

	DownloadConcurrency int `yaml:"download_concurrency" json:"download_concurrency" validate:"gte=1"`

	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout" validate:"gt=0"`
	StopTimeout  time.Duration `yaml:"stop_timeout" json:"stop_timeout" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`

	Restart supervisor.RestartPolicy `yaml:"restart" json:"restart"`

	// PolicyPaths lists policy files or directories of admission policies.
	PolicyPaths []string `yaml:"policy_paths" json:"policy_paths,omitempty"`

	// DisabledPolicies names built-in or loaded policies to switch off.
	DisabledPolicies []string `yaml:"disabled_policies" json:"disabled_policies,omitempty"`

	// LogBufferLines is the number of output lines kept per module.
	LogBufferLines int `yaml:"log_buffer_lines" json:"log_buffer_lines" validate:"gte=0"`
}

// InstallConfig configures package fetching.
type InstallConfig struct {
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout" validate:"gte=0"`

	// SFTP holds defaults for sftp:// sources. Host and port come from the
	// source URL.
	SFTP ssh.Config `yaml:"sftp" json:"sftp"`
}

// Default values.
const (
	DefaultMetricsAddress      = ":9464"
	DefaultDataDir             = "./data"
	DefaultModulesDir          = "./modules"
	DefaultDownloadConcurrency = 2
	DefaultDrainTimeout        = 30 * time.Second
	DefaultStopTimeout         = 10 * time.Second
	DefaultPollInterval        = 5 * time.Second
	DefaultHTTPTimeout         = 10 * time.Minute
	DefaultLogBufferLines      = 200
)

// Default returns a configuration with every option at its default and no
// modules.
func Default() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	s := &f.Server
	if s.DataDir == "" {
		s.DataDir = DefaultDataDir
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "console"
	}
	if s.Environment == "" {
		s.Environment = "production"
	}
	if s.Tracing.Exporter == "" {
		s.Tracing.Exporter = "none"
	}
	if s.Tracing.SamplingRate == 0 {
		s.Tracing.SamplingRate = 1
	}

	m := &f.ModuleOptions
	if m.ModulesDirPath == "" {
		m.ModulesDirPath = DefaultModulesDir
	}
	if m.DownloadConcurrency == 0 {
		m.DownloadConcurrency = DefaultDownloadConcurrency
	}
	if m.DrainTimeout == 0 {
		m.DrainTimeout = DefaultDrainTimeout
	}
	if m.StopTimeout == 0 {
		m.StopTimeout = DefaultStopTimeout
	}
	if m.PollInterval == 0 {
		m.PollInterval = DefaultPollInterval
	}
	if m.LogBufferLines == 0 {
		m.LogBufferLines = DefaultLogBufferLines
	}
	m.Restart = m.Restart.WithDefaults()

	if f.Install.HTTPTimeout == 0 {
		f.Install.HTTPTimeout = DefaultHTTPTimeout
	}
}
