package install

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/openfroyo/modrunner/pkg/module"
)

// Resolver decides a module's install state from what is on disk. It never
// writes and never touches the network.
type Resolver struct {
	goos   string
	goarch string
}

// NewResolver returns a resolver for the current platform.
func NewResolver() *Resolver {
	return &Resolver{goos: runtime.GOOS, goarch: runtime.GOARCH}
}

// NewResolverForPlatform returns a resolver that evaluates platform
// constraints against goos/goarch.
func NewResolverForPlatform(goos, goarch string) *Resolver {
	return &Resolver{goos: goos, goarch: goarch}
}

// Resolve returns the install state of d.
func (r *Resolver) Resolve(d *module.Descriptor) State {
	if !d.SupportsPlatform(r.goos, r.goarch) {
		return Failed(module.NewInstallError(module.CodeUnsupported, d.ID,
			fmt.Sprintf("module does not support %s/%s (platforms: %v)", r.goos, r.goarch, d.Platforms), nil))
	}

	if d.InstallType == module.InstallPreInstalled && payloadUsable(d.PreInstalledPath, d) {
		return Installed(d.PreInstalledPath, d.Version)
	}

	if path, ok := r.ManagedInstall(d); ok {
		return Installed(path, d.Version)
	}

	switch d.InstallType {
	case module.InstallDownloadable:
		return NotInstalled()
	case module.InstallExternal:
		return Failed(module.NewInstallError(module.CodeUnsupported, d.ID,
			"external modules are not installed or run by this host", nil))
	default:
		return Failed(module.NewInstallError(module.CodeUnsupported, d.ID,
			fmt.Sprintf("pre-installed module not found at %s", d.PreInstalledPath), nil))
	}
}

// ManagedInstall reports whether a previously downloaded copy of d exists
// and matches its id, version and pinned checksum.
func (r *Resolver) ManagedInstall(d *module.Descriptor) (string, bool) {
	path := d.ManagedPath()
	m, err := ReadManifest(path)
	if err != nil || !m.Matches(d) {
		return "", false
	}
	if !payloadUsable(path, d) {
		return "", false
	}
	return path, true
}

// payloadUsable reports whether dir exists and holds the entry point of d.
func payloadUsable(dir string, d *module.Descriptor) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	entry := d.ExpectedEntryPoint()
	if entry == "" {
		return true
	}
	info, err = os.Stat(filepath.Join(dir, entry))
	return err == nil && !info.IsDir()
}
