package rule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDefinitions loads rule definitions from JSON or YAML files, selected
// by extension. Each file may hold a single definition or an array.
func LoadDefinitions(paths []string) ([]Definition, error) {
	var all []Definition

	for _, path := range paths {
		defs, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, defs...)
	}

	return all, nil
}

func loadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return parseYAML(path, data)
	}
	return parseJSON(path, data)
}

func parseJSON(path string, data []byte) ([]Definition, error) {
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		// Try single definition
		var single Definition
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("failed to parse rules file %s: %w (also tried as single rule: %v)",
				path, err, err2)
		}
		defs = []Definition{single}
	}
	return defs, nil
}

func parseYAML(path string, data []byte) ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		var single Definition
		if err2 := yaml.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("failed to parse rules file %s: %w (also tried as single rule: %v)",
				path, err, err2)
		}
		defs = []Definition{single}
	}
	return defs, nil
}
