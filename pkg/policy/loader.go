package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads admission policies from disk.
//
// A .rego file becomes one policy named after the file. Its leading comment
// lines form the description and a "# severity: <level>" line sets the
// default severity (warning otherwise). .json, .yaml and .yml files hold a
// full Policy definition with the Rego inline.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

type parseFunc func(path string, data []byte) (*Policy, error)

var parsers = map[string]parseFunc{
	".rego": parseRego,
	".json": parseDefinition(json.Unmarshal),
	".yaml": parseDefinition(yaml.Unmarshal),
	".yml":  parseDefinition(yaml.Unmarshal),
}

// LoadFromPaths loads every policy found at paths. A path is a policy file
// or a directory walked recursively. A missing path or an unreadable file
// named directly is an error; broken files inside a directory are skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(root)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", root, err)
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || parsers[filepath.Ext(path)] == nil {
				return nil
			}
			p, err := l.loadFromFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Int("paths", len(paths)).Msg("Policies loaded")
	return out, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	parse := parsers[filepath.Ext(path)]
	if parse == nil {
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Metadata["source"] = path

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

func parseRego(path string, data []byte) (*Policy, error) {
	description, severity := extractHeader(string(data))
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}, nil
}

func parseDefinition(unmarshal func([]byte, any) error) parseFunc {
	return func(_ string, data []byte) (*Policy, error) {
		var p Policy
		if err := unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid policy definition: %w", err)
		}
		if p.Name == "" {
			return nil, errors.New("policy definition has no name")
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("policy %s has no rego", p.Name)
		}
		return &p, nil
	}
}

// extractHeader reads the leading comment block of a Rego file: the
// description lines and an optional severity line.
func extractHeader(content string) (string, Severity) {
	var (
		lines    []string
		severity Severity
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			if line != "" && (len(lines) > 0 || severity != "") {
				break
			}
			continue
		}
		comment = strings.TrimSpace(comment)
		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.ToLower(strings.TrimSpace(v)))
		} else if comment != "" {
			lines = append(lines, comment)
		}
	}
	return strings.Join(lines, " "), severity
}
