package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/beanscan-worker/internal/aggregator"
)

// rulesFile is the layout of quality.rules_file
type rulesFile struct {
	Rules []aggregator.Rule `yaml:"rules"`
}

// LoadRules reads a YAML recommendation table. The file replaces the built-in
// rules entirely.
func LoadRules(path string) ([]aggregator.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}
	for i, r := range file.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules file %s: rule %d (%s): %w", path, i, r.Name, err)
		}
	}
	return file.Rules, nil
}
