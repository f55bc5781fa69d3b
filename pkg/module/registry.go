package module

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// InitError reports a module that was excluded while building a registry.
type InitError struct {
	ModuleID string `json:"module_id"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// Error implements the error interface.
func (e InitError) Error() string {
	if e.ModuleID == "" {
		return e.Reason
	}
	return fmt.Sprintf("module %s: %s", e.ModuleID, e.Reason)
}

// Unwrap returns the underlying classified error.
func (e InitError) Unwrap() error {
	return e.Err
}

// Admission decides whether a validated descriptor may join a registry.
// A non-nil error excludes the module.
type Admission interface {
	Admit(ctx context.Context, d *Descriptor) error
}

// BuildOptions carries the roots used for path resolution.
type BuildOptions struct {
	// ModulesRoot holds managed (downloaded) installs.
	ModulesRoot string

	// PreInstalledRoot holds modules shipped with the host.
	PreInstalledRoot string

	// Admission, when set, is consulted for every valid descriptor.
	Admission Admission

	// LookPath resolves bare command names. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Registry is the immutable set of valid module descriptors.
type Registry struct {
	modules map[string]*Descriptor
	ids     []string
	graph   *Graph
}

// EmptyRegistry returns a registry without modules.
func EmptyRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*Descriptor),
		graph:   &Graph{Nodes: make(map[string]*GraphNode)},
	}
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.modules[id]
	return d, ok
}

// IDs returns all module ids in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// All returns all descriptors ordered by id.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.modules[id])
	}
	return out
}

// Enabled returns the enabled descriptors ordered by id.
func (r *Registry) Enabled() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		if d := r.modules[id]; d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of modules.
func (r *Registry) Len() int {
	return len(r.modules)
}

// Graph returns the dependency graph of the registry.
func (r *Registry) Graph() *Graph {
	return r.graph
}

var validate = validator.New()

// BuildRegistry validates raw module entries and returns the registry of the
// valid subset. Every excluded entry is reported exactly once.
func BuildRegistry(ctx context.Context, raws []RawConfig, opts BuildOptions) (*Registry, []InitError) {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	modulesRoot := absOrSelf(opts.ModulesRoot)
	preInstalledRoot := absOrSelf(opts.PreInstalledRoot)

	var initErrs []InitError
	excluded := make(map[string]bool)
	exclude := func(id string, err *Error) {
		initErrs = append(initErrs, InitError{ModuleID: id, Reason: err.Reason(), Err: err})
		excluded[id] = true
	}

	valid := make(map[string]*Descriptor, len(raws))
	seen := make(map[string]bool, len(raws))
	for i := range raws {
		raw := &raws[i]
		id := strings.TrimSpace(raw.ID)

		if id != "" && seen[id] {
			exclude(id, NewConfigError(id, "duplicate module id", nil))
			continue
		}
		seen[id] = true

		if err := validateRaw(raw); err != nil {
			exclude(id, err)
			continue
		}

		desc := newDescriptor(raw, id, modulesRoot, preInstalledRoot)

		if err := checkCommand(desc, lookPath); err != nil {
			exclude(id, err)
			continue
		}

		if opts.Admission != nil {
			if err := opts.Admission.Admit(ctx, desc); err != nil {
				var me *Error
				if !errors.As(err, &me) {
					me = &Error{Class: ErrorClassConfig, Code: CodePolicyDenied, ModuleID: id, Message: "admission denied", Err: err}
				}
				exclude(id, me)
				continue
			}
		}

		valid[id] = desc
	}

	initErrs = append(initErrs, pruneMissingDependencies(valid, excluded)...)

	builder := newGraphBuilder(valid)
	levels, blocked := builder.levels()
	if len(blocked) > 0 {
		for _, id := range blocked {
			exclude(id, &Error{
				Class:    ErrorClassConfig,
				Code:     CodeDependency,
				ModuleID: id,
				Message:  builder.cycleReason(id),
			})
		}
		for _, id := range blocked {
			delete(valid, id)
		}
		builder = newGraphBuilder(valid)
		levels, _ = builder.levels()
	}

	reg := &Registry{
		modules: valid,
		ids:     make([]string, 0, len(valid)),
		graph:   builder.build(levels),
	}
	for id := range valid {
		reg.ids = append(reg.ids, id)
	}
	sort.Strings(reg.ids)

	return reg, initErrs
}

func validateRaw(raw *RawConfig) *Error {
	id := strings.TrimSpace(raw.ID)
	if err := validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return NewConfigError(id, strings.Join(msgs, "; "), nil)
		}
		return NewConfigError(id, "invalid module configuration", err)
	}
	if id == "" {
		return NewConfigError(id, "module id is required", nil)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return NewConfigError(id, "module id must not contain path separators", nil)
	}
	for _, dep := range raw.DependsOn {
		if dep == id {
			return NewConfigError(id, "module depends on itself", nil)
		}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		params := strings.Fields(fe.Param())
		return fmt.Sprintf("%s is required for %s modules", field, params[len(params)-1])
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "len", "hexadecimal":
		return fmt.Sprintf("%s must be a sha256 hex digest", field)
	case "unique":
		return fmt.Sprintf("%s contains duplicates", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func newDescriptor(raw *RawConfig, id, modulesRoot, preInstalledRoot string) *Descriptor {
	installType := raw.InstallType
	if installType == "" {
		installType = InstallPreInstalled
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	root := modulesRoot
	if raw.ModulesDirPath != "" {
		root = resolveAgainst(modulesRoot, raw.ModulesDirPath)
	}

	preInstalled := filepath.Join(preInstalledRoot, id)
	if raw.PreInstalledPath != "" {
		preInstalled = resolveAgainst(preInstalledRoot, raw.PreInstalledPath)
	}

	var env map[string]string
	if len(raw.Env) > 0 {
		env = make(map[string]string, len(raw.Env))
		for k, v := range raw.Env {
			env[k] = v
		}
	}

	return &Descriptor{
		ID:               id,
		Name:             raw.Name,
		Version:          raw.Version,
		InstallType:      installType,
		Enabled:          enabled,
		Command:          strings.TrimSpace(raw.Command),
		Args:             append([]string(nil), raw.Args...),
		WorkingDir:       raw.WorkingDir,
		Env:              env,
		Platforms:        append([]string(nil), raw.Platforms...),
		Source:           raw.Source,
		Checksum:         strings.ToLower(raw.Checksum),
		Size:             raw.Size,
		Archive:          raw.Archive,
		EntryPoint:       raw.EntryPoint,
		DependsOn:        append([]string(nil), raw.DependsOn...),
		ModulesRoot:      root,
		PreInstalledPath: preInstalled,
	}
}

// checkCommand verifies that the launch command can be resolved. Paths are
// resolved against the install directory at spawn time; bare names must be
// the declared entry point or be found on PATH.
func checkCommand(d *Descriptor, lookPath func(string) (string, error)) *Error {
	if d.InstallType == InstallExternal {
		return nil
	}
	if filepath.IsAbs(d.Command) || strings.ContainsAny(d.Command, `/\`) {
		return nil
	}
	if d.EntryPoint != "" && filepath.Clean(filepath.FromSlash(d.EntryPoint)) == d.Command {
		return nil
	}
	if _, err := lookPath(d.Command); err != nil {
		return NewConfigError(d.ID, fmt.Sprintf("command %q is not resolvable", d.Command), err)
	}
	return nil
}

// pruneMissingDependencies removes modules whose dependencies are not in the
// set, repeating until no removal cascades further.
func pruneMissingDependencies(valid map[string]*Descriptor, excluded map[string]bool) []InitError {
	var initErrs []InitError
	removed := make(map[string]bool, len(excluded))
	for id := range excluded {
		removed[id] = true
	}
	for {
		changed := false
		ids := make([]string, 0, len(valid))
		for id := range valid {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			for _, dep := range valid[id].DependsOn {
				if _, ok := valid[dep]; ok {
					continue
				}
				reason := fmt.Sprintf("depends on unknown module %s", dep)
				if removed[dep] {
					reason = fmt.Sprintf("depends on excluded module %s", dep)
				}
				err := &Error{Class: ErrorClassConfig, Code: CodeDependency, ModuleID: id, Message: reason}
				initErrs = append(initErrs, InitError{ModuleID: id, Reason: reason, Err: err})
				delete(valid, id)
				removed[id] = true
				changed = true
				break
			}
		}
		if !changed {
			return initErrs
		}
	}
}

func resolveAgainst(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func absOrSelf(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
