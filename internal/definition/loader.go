// Package definition loads workflow definitions from YAML, validates them,
// and provides a fast-lookup catalog with atomic pointer swap.
package definition

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/parapheur/model"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Loader reads workflow definitions from YAML files. Each file holds one
// definition.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadBuiltins parses the circuits shipped with the binary.
func (l *Loader) LoadBuiltins() ([]model.WorkflowDefinition, error) {
	return l.loadFS(builtinTemplates, "templates")
}

// LoadAll recursively scans directories for *.yaml and *.yml files.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	for _, dir := range directories {
		loaded, err := l.loadFS(os.DirFS(dir), ".")
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.parse(path, data)
}

func (l *Loader) loadFS(fsys fs.FS, root string) ([]model.WorkflowDefinition, error) {
	var paths []string
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	defs := make([]model.WorkflowDefinition, 0, len(paths))
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := l.parse(path, data)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (l *Loader) parse(path string, data []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if def.CreatedBy == "" {
		def.CreatedBy = model.SystemActorID
	}
	return def, nil
}
