package flowtype

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/phasegate/internal/models"
	"gopkg.in/yaml.v3"
)

// Parse reads one phase-graph definition from a YAML file.
func Parse(path string) (*models.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition: %w", err)
	}

	var def models.FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition YAML: %w", err)
	}

	if def.FlowType == "" {
		base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
		def.FlowType = models.FlowType(base)
	}
	if def.Name == "" {
		def.Name = string(def.FlowType)
	}

	return &def, nil
}

// LoadAll reads every *.yaml/*.yml definition in dirs. Later directories
// override earlier ones for the same flow type; missing directories are
// skipped.
func LoadAll(dirs []string) (map[models.FlowType]*models.FlowDefinition, error) {
	defs := make(map[models.FlowType]*models.FlowDefinition)

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := loadFromDir(dir, defs); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return defs, nil
}

func loadFromDir(dir string, defs map[models.FlowType]*models.FlowDefinition) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		def, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := Validate(def); err != nil {
			return fmt.Errorf("invalid flow definition %s: %w", path, err)
		}

		defs[def.FlowType] = def
	}

	return nil
}

func Validate(def *models.FlowDefinition) error {
	if def == nil {
		return fmt.Errorf("flow definition is nil")
	}
	return validatePhases(def.FlowType, def.Phases)
}

// Load builds a registry from the definitions found in dirs on top of the
// built-in table.
func Load(dirs []string) (*Registry, error) {
	defs, err := LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	graphs := make(map[models.FlowType][]models.Phase, len(defs))
	for ft, def := range defs {
		graphs[ft] = def.Phases
	}
	return New(graphs)
}
