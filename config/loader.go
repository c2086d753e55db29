package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadPath loads configuration from a single YAML file or, when path is a
// directory, from every YAML file inside it.
func LoadPath(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config path: %w", err)
	}
	if info.IsDir() {
		return LoadFromDir(path)
	}
	return Load(path)
}

// LoadFromDir loads configuration from a directory, merging all YAML files.
// Files are loaded in alphabetical order, with later files overriding earlier ones,
// so a deployment can split e.g. base.yaml and rewards.yaml.
func LoadFromDir(configDir string) (*Config, error) {
	v := newViper()

	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	var yamlFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			yamlFiles = append(yamlFiles, entry.Name())
		}
	}
	if len(yamlFiles) == 0 {
		return nil, fmt.Errorf("no YAML files found in config directory: %s", configDir)
	}
	sort.Strings(yamlFiles)

	for _, filename := range yamlFiles {
		v.SetConfigFile(filepath.Join(configDir, filename))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge config from %s: %w", filename, err)
		}
	}

	return decode(v)
}
