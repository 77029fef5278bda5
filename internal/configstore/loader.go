package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"sigs.k8s.io/yaml"
)

// Manifest is the on-disk format of a config file. A file may carry any mix
// of deployment configs and feature flags.
type Manifest struct {
	DeploymentConfigs []model.DeploymentConfig `json:"deploymentConfigs,omitempty"`
	FeatureFlags      []model.FeatureFlag      `json:"featureFlags,omitempty"`
}

// LoadFile parses one YAML or JSON manifest.
func LoadFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}

// LoadDir merges every *.yaml, *.yml and *.json manifest in dir, in lexical
// file order.
func LoadDir(dir string) (Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read config dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var merged Manifest
	for _, name := range names {
		m, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return Manifest{}, err
		}
		merged.DeploymentConfigs = append(merged.DeploymentConfigs, m.DeploymentConfigs...)
		merged.FeatureFlags = append(merged.FeatureFlags, m.FeatureFlags...)
	}
	return merged, nil
}
