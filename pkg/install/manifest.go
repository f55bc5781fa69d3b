package install

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
	"gopkg.in/yaml.v3"
)

// Manifest records what was installed into a managed install directory.
type Manifest struct {
	ModuleID    string    `yaml:"module_id"`
	Version     string    `yaml:"version"`
	Checksum    string    `yaml:"checksum"`
	Size        int64     `yaml:"size"`
	Source      string    `yaml:"source,omitempty"`
	InstalledAt time.Time `yaml:"installed_at"`
}

// ReadManifest loads the manifest from an install directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, module.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if m.ModuleID == "" {
		return nil, fmt.Errorf("invalid manifest: module_id is required")
	}

	return &m, nil
}

// WriteManifest writes m into dir.
func WriteManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, module.ManifestFile), data, 0o644)
}

// Matches reports whether the manifest describes the payload d expects.
func (m *Manifest) Matches(d *module.Descriptor) bool {
	if m.ModuleID != d.ID || m.Version != d.Version {
		return false
	}
	return d.Checksum == "" || m.Checksum == d.Checksum
}

// fileChecksum returns the sha256 hex digest and size of a file.
func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
