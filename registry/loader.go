package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sicko7947/hubflow"
	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes one YAML definition document
func ParseDefinition(data []byte) (*hubflow.WorkflowDefinition, error) {
	var def hubflow.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	for i := range def.Steps {
		if def.Steps[i].Name == "" {
			def.Steps[i].Name = def.Steps[i].ID
		}
	}
	return &def, nil
}

// LoadFile parses and registers the definition stored in path
func (r *Registry) LoadFile(path string) (*hubflow.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := r.Register(def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir registers every .yaml/.yml file in dir, in lexical order
func (r *Registry) LoadDir(dir string) ([]*hubflow.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*hubflow.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := r.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return defs, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
