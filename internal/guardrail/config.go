package guardrail

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// BlocklistConfig is the on-disk form of a blocklist.
//
//	name: blocklist
//	max_output_length: 500
//	categories:
//	  violence: [kill, gun]
type BlocklistConfig struct {
	Name            string              `yaml:"name"`
	MaxOutputLength *int                `yaml:"max_output_length"`
	Categories      map[string][]string `yaml:"categories"`
	// Extend merges Categories into the built-in defaults instead of replacing them.
	Extend bool `yaml:"extend"`
}

// LoadBlocklistConfig reads a blocklist definition from a YAML file.
func LoadBlocklistConfig(path string) (*BlocklistConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guardrail config: %w", err)
	}
	return ParseBlocklistConfig(data)
}

// ParseBlocklistConfig decodes a YAML blocklist definition.
func ParseBlocklistConfig(data []byte) (*BlocklistConfig, error) {
	var cfg BlocklistConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse guardrail config: %w", err)
	}
	if len(cfg.Categories) == 0 && !cfg.Extend {
		return nil, fmt.Errorf("guardrail config has no categories")
	}
	return &cfg, nil
}

// Build compiles the configuration into a Blocklist.
func (c *BlocklistConfig) Build() (*Blocklist, error) {
	categories := c.Categories
	if c.Extend {
		categories = DefaultCategories()
		for name, words := range c.Categories {
			categories[name] = append(categories[name], words...)
		}
	}

	var opts []BlocklistOption
	if c.Name != "" {
		opts = append(opts, WithName(c.Name))
	}
	if c.MaxOutputLength != nil {
		opts = append(opts, WithMaxOutputLength(*c.MaxOutputLength))
	}
	return NewBlocklist(categories, opts...)
}
