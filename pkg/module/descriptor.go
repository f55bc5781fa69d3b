package module

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
)

// InstallType describes how a module's payload reaches the host.
type InstallType string

const (
	// InstallPreInstalled modules ship with the host under the pre-installed root.
	InstallPreInstalled InstallType = "preinstalled"

	// InstallDownloadable modules are fetched from a package source on demand.
	InstallDownloadable InstallType = "downloadable"

	// InstallExternal modules run outside the host (containers, remote services).
	InstallExternal InstallType = "external"
)

// ManifestFile is the name of the install manifest written into every
// managed install directory.
const ManifestFile = "modrunner-manifest.yaml"

// RawConfig is one module entry as bound from configuration, before
// validation. ID is taken from the configuration key.
type RawConfig struct {
	ID               string            `yaml:"-" json:"id" validate:"required"`
	Name             string            `yaml:"name" json:"name,omitempty"`
	Version          string            `yaml:"version" json:"version,omitempty"`
	Enabled          *bool             `yaml:"enabled" json:"enabled,omitempty"`
	InstallType      InstallType       `yaml:"install_type" json:"install_type,omitempty" validate:"omitempty,oneof=preinstalled downloadable external"`
	Command          string            `yaml:"command" json:"command" validate:"required"`
	Args             []string          `yaml:"args" json:"args,omitempty"`
	WorkingDir       string            `yaml:"working_dir" json:"working_dir,omitempty"`
	Env              map[string]string `yaml:"env" json:"env,omitempty"`
	Platforms        []string          `yaml:"platforms" json:"platforms,omitempty" validate:"dive,required"`
	Source           string            `yaml:"source" json:"source,omitempty" validate:"required_if=InstallType downloadable"`
	Checksum         string            `yaml:"checksum" json:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Size             int64             `yaml:"size" json:"size,omitempty" validate:"gte=0"`
	Archive          string            `yaml:"archive" json:"archive,omitempty" validate:"omitempty,oneof=zip tar tar.gz tgz"`
	EntryPoint       string            `yaml:"entry_point" json:"entry_point,omitempty"`
	DependsOn        []string          `yaml:"depends_on" json:"depends_on,omitempty" validate:"unique,dive,required"`
	ModulesDirPath   string            `yaml:"modules_dir_path" json:"modules_dir_path,omitempty"`
	PreInstalledPath string            `yaml:"pre_installed_path" json:"pre_installed_path,omitempty"`
}

// Descriptor is the validated, immutable record of one module. Callers must
// treat descriptors obtained from a Registry as read-only.
type Descriptor struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	InstallType InstallType       `json:"install_type"`
	Enabled     bool              `json:"enabled"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Platforms   []string          `json:"platforms,omitempty"`

	// Package source, for downloadable modules.
	Source   string `json:"source,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Archive  string `json:"archive,omitempty"`

	EntryPoint string   `json:"entry_point,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`

	// ModulesRoot is the absolute root holding the managed install directory.
	ModulesRoot string `json:"modules_root"`

	// PreInstalledPath is the absolute location of a pre-installed copy.
	PreInstalledPath string `json:"pre_installed_path,omitempty"`
}

// ManagedPath returns the canonical install directory for downloaded copies.
func (d *Descriptor) ManagedPath() string {
	return filepath.Join(d.ModulesRoot, d.ID)
}

// ExpectedEntryPoint returns the path, relative to the install directory,
// that must exist for an install to be considered usable. An empty result
// means only the directory itself is checked.
func (d *Descriptor) ExpectedEntryPoint() string {
	if d.EntryPoint != "" {
		return filepath.FromSlash(d.EntryPoint)
	}
	if !filepath.IsAbs(d.Command) && strings.ContainsAny(d.Command, `/\`) {
		return filepath.Clean(filepath.FromSlash(d.Command))
	}
	return ""
}

// SupportsPlatform reports whether the module may run on goos/goarch.
// Constraints are either "goos" or "goos/goarch"; none means any platform.
func (d *Descriptor) SupportsPlatform(goos, goarch string) bool {
	if len(d.Platforms) == 0 {
		return true
	}
	for _, p := range d.Platforms {
		wantOS, arch, hasArch := strings.Cut(strings.ToLower(strings.TrimSpace(p)), "/")
		if wantOS != goos {
			continue
		}
		if !hasArch || arch == goarch {
			return true
		}
	}
	return false
}

// SupportsCurrentPlatform reports whether the module may run on this host.
func (d *Descriptor) SupportsCurrentPlatform() bool {
	return d.SupportsPlatform(runtime.GOOS, runtime.GOARCH)
}

// DisplayName returns the human name, falling back to the id.
func (d *Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Fingerprint returns a stable digest of the descriptor. Two descriptors with
// the same fingerprint launch the same process from the same payload.
func (d *Descriptor) Fingerprint() string {
	// encoding/json sorts map keys, so the output is deterministic.
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
