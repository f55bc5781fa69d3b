package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/modrunner/pkg/module"
)

var validate = validator.New()

// knownModuleKeys are the YAML keys a module entry may use.
var knownModuleKeys = yamlKeys(reflect.TypeOf(module.RawConfig{}))

// Load reads and parses the configuration file at path. Relative paths in
// the file are resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, module.NewConfigError("", "read configuration", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	f, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	f.Path = abs
	return f, nil
}

// Parse parses a configuration document. Options sections must decode and
// validate or Parse fails. Module entries are bound one at a time: an entry
// that fails to decode is recorded in BindErrors and the rest still load.
func Parse(data []byte, baseDir string) (*File, error) {
	f := &File{}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, module.NewConfigError("", "parse configuration", err)
	}

	if len(root.Content) > 0 {
		doc := root.Content[0]
		if doc.Kind != yaml.MappingNode {
			return nil, module.NewConfigError("", fmt.Sprintf("configuration root must be a mapping (line %d)", doc.Line), nil)
		}
		if err := f.bindSections(doc); err != nil {
			return nil, err
		}
	}

	f.applyDefaults()

	if err := validate.Struct(f); err != nil {
		return nil, module.NewConfigError("", describeValidation(err), err)
	}

	f.resolvePaths(baseDir)
	return f, nil
}

func (f *File) bindSections(doc *yaml.Node) error {
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]

		var err error
		switch key.Value {
		case "server":
			err = val.Decode(&f.Server)
		case "module_options":
			err = val.Decode(&f.ModuleOptions)
		case "install":
			err = val.Decode(&f.Install)
		case "modules":
			err = f.bindModules(val)
		default:
			err = fmt.Errorf("unknown section %q (line %d)", key.Value, key.Line)
		}
		if err != nil {
			return module.NewConfigError("", "section "+key.Value, err)
		}
	}
	return nil
}

// bindModules enumerates the module keys in document order, then decodes
// each value on its own. A mapping always yields a non-nil Modules, even
// when it is empty or no entry binds; only an absent or null section
// leaves it nil.
func (f *File) bindModules(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		fallthrough
	default:
		return fmt.Errorf("modules must be a mapping of module id to settings (line %d)", node.Line)
	}

	f.Modules = make([]module.RawConfig, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		id := strings.TrimSpace(key.Value)

		raw, err := decodeModule(id, val)
		if err != nil {
			me := module.NewConfigError(id, err.Error(), err).WithOperation("bind")
			f.BindErrors = append(f.BindErrors, module.InitError{ModuleID: id, Reason: me.Reason(), Err: me})
			continue
		}
		f.Modules = append(f.Modules, raw)
	}
	return nil
}

func decodeModule(id string, val *yaml.Node) (module.RawConfig, error) {
	var raw module.RawConfig
	if id == "" {
		return raw, fmt.Errorf("module id is empty (line %d)", val.Line)
	}
	if val.Kind != yaml.MappingNode {
		return raw, fmt.Errorf("module settings must be a mapping (line %d)", val.Line)
	}

	var unknown []string
	for i := 0; i+1 < len(val.Content); i += 2 {
		if k := val.Content[i].Value; !knownModuleKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return raw, fmt.Errorf("unknown module setting %s (line %d)", strings.Join(unknown, ", "), val.Line)
	}

	if err := val.Decode(&raw); err != nil {
		return raw, fmt.Errorf("decode module: %w", err)
	}
	raw.ID = id
	return raw, nil
}

// resolvePaths makes relative directories absolute against baseDir.
func (f *File) resolvePaths(baseDir string) {
	if baseDir == "" {
		return
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	f.Server.DataDir = abs(f.Server.DataDir)
	f.ModuleOptions.ModulesDirPath = abs(f.ModuleOptions.ModulesDirPath)
	f.ModuleOptions.PreInstalledModulesDirPath = abs(f.ModuleOptions.PreInstalledModulesDirPath)
	for i, p := range f.ModuleOptions.PolicyPaths {
		f.ModuleOptions.PolicyPaths[i] = abs(p)
	}
	for i := range f.Modules {
		f.Modules[i].ModulesDirPath = abs(f.Modules[i].ModulesDirPath)
		f.Modules[i].PreInstalledPath = abs(f.Modules[i].PreInstalledPath)
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid configuration"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func yamlKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		keys[name] = true
	}
	return keys
}
