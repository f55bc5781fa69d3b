package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const mirrorRego = `# Modules must come from the internal mirror.
# severity: error
package modrunner.custom.mirror

import rego.v1

deny contains msg if {
	input.module.install_type == "downloadable"
	not startswith(input.module.source, "https://mirror.internal/")
	msg := sprintf("%s is not served from the mirror", [input.module.id])
}
`

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.rego")
	writePolicyFile(t, path, mirrorRego)

	loader := NewLoader(zerolog.Nop())
	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "mirror" {
		t.Errorf("Expected name mirror, got %s", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if policy.Description != "Modules must come from the internal mirror." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled {
		t.Error("Expected policy to be enabled")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "named.json")
	writePolicyFile(t, path, `{"name": "named", "enabled": true, "rego": "package x\n\nimport rego.v1\n\ndeny contains \"no\" if { false }\n"}`)

	policy, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "named" {
		t.Errorf("Expected name named, got %s", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinned.yaml")
	writePolicyFile(t, path, `name: pinned
description: Downloads must pin a checksum.
severity: error
enabled: true
tags: [supply-chain]
rego: |
  package modrunner.custom.pinned

  import rego.v1

  deny contains "checksum missing" if {
    input.module.install_type == "downloadable"
    input.module.checksum == ""
  }
`)

	policy, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "pinned" || policy.Severity != SeverityError {
		t.Errorf("Unexpected policy %+v", policy)
	}
	if len(policy.Tags) != 1 || policy.Tags[0] != "supply-chain" {
		t.Errorf("Expected supply-chain tag, got %v", policy.Tags)
	}
	if policy.Metadata["source"] != path {
		t.Errorf("Expected source metadata %s, got %v", path, policy.Metadata["source"])
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "policy.txt", "hello"},
		{"invalid json", "bad.json", "{"},
		{"json without name", "anon.json", `{"rego": "package x"}`},
		{"yaml without rego", "empty.yml", "name: empty\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writePolicyFile(t, path, tt.content)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "mirror.rego"), mirrorRego)
	writePolicyFile(t, filepath.Join(dir, "nested", "other.rego"), "package modrunner.custom.other\n")
	writePolicyFile(t, filepath.Join(dir, "README.md"), "ignored")
	writePolicyFile(t, filepath.Join(dir, "broken.json"), "{")

	single := filepath.Join(t.TempDir(), "single.rego")
	writePolicyFile(t, single, "package modrunner.custom.single\n")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	for _, want := range []string{"mirror", "other", "single"} {
		if !names[want] {
			t.Errorf("Expected policy %s, got %v", want, names)
		}
	}
	if len(policies) != 3 {
		t.Errorf("Expected 3 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{"/nonexistent/policies"})
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestExtractHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDesc string
		wantSev  Severity
	}{
		{"none", "package x\n", "", ""},
		{"description", "# First line\n# second line\npackage x\n# trailing\n", "First line second line", ""},
		{"severity only", "# severity: Critical\npackage x\n", "", SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := extractHeader(tt.content)
			if desc != tt.wantDesc {
				t.Errorf("description = %q, want %q", desc, tt.wantDesc)
			}
			if sev != tt.wantSev {
				t.Errorf("severity = %q, want %q", sev, tt.wantSev)
			}
		})
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "mirror.rego"), mirrorRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("mirror")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", p.Severity)
	}
}
