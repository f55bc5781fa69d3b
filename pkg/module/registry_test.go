package module

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func stubLookPath(file string) (string, error) {
	switch file {
	case "python3", "sh":
		return "/usr/bin/" + file, nil
	default:
		return "", fmt.Errorf("executable file not found in $PATH: %s", file)
	}
}

func testOptions(t *testing.T) BuildOptions {
	t.Helper()
	root := t.TempDir()
	return BuildOptions{
		ModulesRoot:      filepath.Join(root, "modules"),
		PreInstalledRoot: filepath.Join(root, "preinstalled"),
		LookPath:         stubLookPath,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestBuildRegistry_ValidSubset(t *testing.T) {
	raws := []RawConfig{
		{ID: "detector", Version: "1.0.0", Command: "python3", Args: []string{"detect.py"}},
		{ID: "", Command: "python3"},
		{ID: "no-command"},
		{ID: "remote", InstallType: InstallDownloadable, Command: "bin/server"},
		{ID: "bad-type", InstallType: "docker", Command: "bin/server"},
		{ID: "unresolvable", Command: "does-not-exist"},
		{ID: "ocr", InstallType: InstallDownloadable, Source: "https://example.com/ocr.zip", Command: "bin/ocr"},
		{ID: "bad-checksum", InstallType: InstallDownloadable, Source: "https://example.com/x.zip", Command: "bin/x", Checksum: "abc"},
	}

	reg, initErrs := BuildRegistry(context.Background(), raws, testOptions(t))

	if reg.Len() != 2 {
		t.Fatalf("Expected 2 valid modules, got %d (%v)", reg.Len(), reg.IDs())
	}
	for _, id := range []string{"detector", "ocr"} {
		if _, ok := reg.Get(id); !ok {
			t.Errorf("Expected module %s in registry", id)
		}
	}

	if len(initErrs) != 6 {
		t.Fatalf("Expected 6 init errors, got %d: %v", len(initErrs), initErrs)
	}

	counts := make(map[string]int)
	for _, ie := range initErrs {
		counts[ie.ModuleID]++
		if ie.Reason == "" {
			t.Errorf("Init error for %q has no reason", ie.ModuleID)
		}
		if !errors.Is(ie, ErrConfigValidation) {
			t.Errorf("Expected config validation error for %q, got %v", ie.ModuleID, ie.Err)
		}
	}
	for _, id := range []string{"", "no-command", "remote", "bad-type", "unresolvable", "bad-checksum"} {
		if counts[id] != 1 {
			t.Errorf("Expected exactly one init error for %q, got %d", id, counts[id])
		}
	}
}

func TestBuildRegistry_DownloadableRequiresSource(t *testing.T) {
	raws := []RawConfig{{ID: "remote", InstallType: InstallDownloadable, Command: "bin/server"}}

	_, initErrs := BuildRegistry(context.Background(), raws, testOptions(t))

	if len(initErrs) != 1 {
		t.Fatalf("Expected 1 init error, got %d", len(initErrs))
	}
	if !strings.Contains(initErrs[0].Reason, "source is required for downloadable modules") {
		t.Errorf("Unexpected reason: %s", initErrs[0].Reason)
	}
}

func TestBuildRegistry_DuplicateIDs(t *testing.T) {
	raws := []RawConfig{
		{ID: "detector", Command: "python3"},
		{ID: "detector", Command: "sh"},
	}

	reg, initErrs := BuildRegistry(context.Background(), raws, testOptions(t))

	if reg.Len() != 1 {
		t.Fatalf("Expected 1 module, got %d", reg.Len())
	}
	d, _ := reg.Get("detector")
	if d.Command != "python3" {
		t.Errorf("Expected first occurrence to win, got command %s", d.Command)
	}
	if len(initErrs) != 1 || !strings.Contains(initErrs[0].Reason, "duplicate") {
		t.Errorf("Expected one duplicate error, got %v", initErrs)
	}
}

func TestBuildRegistry_PathResolution(t *testing.T) {
	opts := testOptions(t)
	raws := []RawConfig{
		{ID: "default", Command: "bin/run"},
		{ID: "relative", Command: "bin/run", PreInstalledPath: "vendor/relative", ModulesDirPath: "alt"},
		{ID: "absolute", Command: "bin/run", PreInstalledPath: "/srv/modules/absolute"},
	}

	reg, initErrs := BuildRegistry(context.Background(), raws, opts)
	if len(initErrs) != 0 {
		t.Fatalf("Unexpected init errors: %v", initErrs)
	}

	d, _ := reg.Get("default")
	if d.PreInstalledPath != filepath.Join(opts.PreInstalledRoot, "default") {
		t.Errorf("Unexpected pre-installed path: %s", d.PreInstalledPath)
	}
	if d.ManagedPath() != filepath.Join(opts.ModulesRoot, "default") {
		t.Errorf("Unexpected managed path: %s", d.ManagedPath())
	}
	if d.InstallType != InstallPreInstalled {
		t.Errorf("Expected default install type preinstalled, got %s", d.InstallType)
	}
	if !d.Enabled {
		t.Error("Expected module to be enabled by default")
	}

	d, _ = reg.Get("relative")
	if d.PreInstalledPath != filepath.Join(opts.PreInstalledRoot, "vendor", "relative") {
		t.Errorf("Unexpected pre-installed path: %s", d.PreInstalledPath)
	}
	if d.ManagedPath() != filepath.Join(opts.ModulesRoot, "alt", "relative") {
		t.Errorf("Unexpected managed path: %s", d.ManagedPath())
	}

	d, _ = reg.Get("absolute")
	if d.PreInstalledPath != "/srv/modules/absolute" {
		t.Errorf("Unexpected pre-installed path: %s", d.PreInstalledPath)
	}
}

func TestBuildRegistry_EntryPointCommand(t *testing.T) {
	raws := []RawConfig{
		{ID: "native", InstallType: InstallDownloadable, Source: "https://example.com/native.tgz", Command: "server", EntryPoint: "server"},
	}

	reg, initErrs := BuildRegistry(context.Background(), raws, testOptions(t))
	if len(initErrs) != 0 {
		t.Fatalf("Unexpected init errors: %v", initErrs)
	}
	d, _ := reg.Get("native")
	if d.ExpectedEntryPoint() != "server" {
		t.Errorf("Expected entry point server, got %s", d.ExpectedEntryPoint())
	}
}

func TestBuildRegistry_Dependencies(t *testing.T) {
	raws := []RawConfig{
		{ID: "base", Command: "sh"},
		{ID: "api", Command: "sh", DependsOn: []string{"base"}},
		{ID: "ui", Command: "sh", DependsOn: []string{"api"}},
		{ID: "orphan", Command: "sh", DependsOn: []string{"missing"}},
		{ID: "orphan-child", Command: "sh", DependsOn: []string{"orphan"}},
		{ID: "loop-a", Command: "sh", DependsOn: []string{"loop-b"}},
		{ID: "loop-b", Command: "sh", DependsOn: []string{"loop-a"}},
		{ID: "after-loop", Command: "sh", DependsOn: []string{"loop-a"}},
		{ID: "invalid", DependsOn: []string{"base"}},
		{ID: "needs-invalid", Command: "sh", DependsOn: []string{"invalid"}},
	}

	reg, initErrs := BuildRegistry(context.Background(), raws, testOptions(t))

	want := []string{"api", "base", "ui"}
	if got := reg.IDs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected registry %v, got %v", want, got)
	}

	reasons := make(map[string]string)
	for _, ie := range initErrs {
		if _, dup := reasons[ie.ModuleID]; dup {
			t.Errorf("Module %s reported twice", ie.ModuleID)
		}
		reasons[ie.ModuleID] = ie.Reason
	}

	checks := map[string]string{
		"orphan":        "unknown module missing",
		"orphan-child":  "excluded module orphan",
		"loop-a":        "dependency cycle",
		"loop-b":        "dependency cycle",
		"after-loop":    "cycle",
		"invalid":       "command is required",
		"needs-invalid": "excluded module invalid",
	}
	for id, fragment := range checks {
		if !strings.Contains(reasons[id], fragment) {
			t.Errorf("Expected reason for %s to contain %q, got %q", id, fragment, reasons[id])
		}
	}

	g := reg.Graph()
	if g.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", g.Depth)
	}
	if g.Nodes["ui"].Level != 2 {
		t.Errorf("Expected ui at level 2, got %d", g.Nodes["ui"].Level)
	}
	if deps := g.DependentsOf("base"); len(deps) != 1 || deps[0] != "api" {
		t.Errorf("Expected base dependents [api], got %v", deps)
	}
}

func TestBuildRegistry_Admission(t *testing.T) {
	raws := []RawConfig{
		{ID: "allowed", Command: "sh"},
		{ID: "denied", Command: "sh"},
	}
	opts := testOptions(t)
	opts.Admission = admissionFunc(func(_ context.Context, d *Descriptor) error {
		if d.ID == "denied" {
			return &Error{Class: ErrorClassConfig, Code: CodePolicyDenied, ModuleID: d.ID, Message: "blocked by test policy"}
		}
		return nil
	})

	reg, initErrs := BuildRegistry(context.Background(), raws, opts)

	if reg.Len() != 1 {
		t.Fatalf("Expected 1 module, got %d", reg.Len())
	}
	if len(initErrs) != 1 || !errors.Is(initErrs[0], ErrPolicyDenied) {
		t.Fatalf("Expected one policy denial, got %v", initErrs)
	}
}

func TestBuildRegistry_DisabledModulesStayInRegistry(t *testing.T) {
	raws := []RawConfig{
		{ID: "on", Command: "sh"},
		{ID: "off", Command: "sh", Enabled: boolPtr(false)},
	}

	reg, _ := BuildRegistry(context.Background(), raws, testOptions(t))

	if reg.Len() != 2 {
		t.Fatalf("Expected 2 modules, got %d", reg.Len())
	}
	enabled := reg.Enabled()
	if len(enabled) != 1 || enabled[0].ID != "on" {
		t.Errorf("Expected only 'on' enabled, got %v", enabled)
	}
}

func TestDescriptor_SupportsPlatform(t *testing.T) {
	tests := []struct {
		name      string
		platforms []string
		goos      string
		goarch    string
		want      bool
	}{
		{"no constraint", nil, "linux", "amd64", true},
		{"os only", []string{"linux"}, "linux", "arm64", true},
		{"os and arch", []string{"linux/amd64"}, "linux", "amd64", true},
		{"arch mismatch", []string{"linux/amd64"}, "linux", "arm64", false},
		{"os mismatch", []string{"windows", "darwin/arm64"}, "linux", "amd64", false},
		{"case insensitive", []string{"Linux/AMD64"}, "linux", "amd64", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Descriptor{ID: "m", Platforms: tt.platforms}
			if got := d.SupportsPlatform(tt.goos, tt.goarch); got != tt.want {
				t.Errorf("SupportsPlatform(%s, %s) = %v, want %v", tt.goos, tt.goarch, got, tt.want)
			}
		})
	}
}

func TestDescriptor_Fingerprint(t *testing.T) {
	a := &Descriptor{ID: "m", Command: "sh", Env: map[string]string{"A": "1", "B": "2"}}
	b := &Descriptor{ID: "m", Command: "sh", Env: map[string]string{"B": "2", "A": "1"}}
	c := &Descriptor{ID: "m", Command: "sh", Env: map[string]string{"A": "1", "B": "3"}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("Expected equal descriptors to share a fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("Expected different env to change the fingerprint")
	}
}

type admissionFunc func(ctx context.Context, d *Descriptor) error

func (f admissionFunc) Admit(ctx context.Context, d *Descriptor) error { return f(ctx, d) }
