package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CheckArtifactVersion gates a config artifact on its declared version.
// Only same-major documents load, so a stale or future-format file cannot
// half-apply.
func CheckArtifactVersion(kind, version string, requiredMajor uint64) error {
	if version == "" {
		return fmt.Errorf("%s: missing version", kind)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s: bad version %q: %w", kind, version, err)
	}
	if v.Major() != requiredMajor {
		return fmt.Errorf("%s: version %s incompatible (want major %d)", kind, version, requiredMajor)
	}
	return nil
}

// CategoryBinding describes how one doorbell category maps onto bridge
// variables.
type CategoryBinding struct {
	// Variables maps record fields to bridge variable names, fetched in a
	// single pass when a doorbell for this category arrives.
	Variables map[string]string `json:"variables"`
	// CommitMarker names the variable whose value is the authoritative
	// commit timestamp. When set it wins over the packet timestamp.
	CommitMarker string `json:"commit_marker,omitempty"`
	// AckOnly categories record packet receipt without any bridge reads.
	AckOnly bool `json:"ack_only,omitempty"`
	// Aliases lists extra doorbell words that resolve to this category.
	Aliases []string `json:"aliases,omitempty"`
}

// VariableIndex is the bridge variable index config artifact.
type VariableIndex struct {
	Version    string                     `json:"version"`
	Categories map[string]CategoryBinding `json:"categories"`
}

const variableIndexMajor = 1

// LoadVariableIndex reads and gates the variable index artifact.
func LoadVariableIndex(path string) (*VariableIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("variable index: read %s: %w", path, err)
	}
	var idx VariableIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("variable index: parse %s: %w", path, err)
	}
	if err := CheckArtifactVersion("variable index", idx.Version, variableIndexMajor); err != nil {
		return nil, err
	}
	return &idx, nil
}

// Binding resolves a category name (canonical or alias, case-insensitive)
// to its binding.
func (idx *VariableIndex) Binding(category string) (string, *CategoryBinding, bool) {
	upper := strings.ToUpper(category)
	if b, ok := idx.Categories[upper]; ok {
		return upper, &b, true
	}
	lower := strings.ToLower(category)
	for name, b := range idx.Categories {
		for _, alias := range b.Aliases {
			if strings.ToLower(alias) == lower {
				return name, &b, true
			}
		}
	}
	return "", nil, false
}

// EnvironmentMap names lighting scenes per logical environment.
type EnvironmentMap struct {
	Version string            `json:"version"`
	Scenes  map[string]string `json:"scenes"`
	Default string            `json:"default,omitempty"`
}

const environmentMapMajor = 1

// LoadEnvironmentMap reads and gates the lighting environment map.
func LoadEnvironmentMap(path string) (*EnvironmentMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("environment map: read %s: %w", path, err)
	}
	var em EnvironmentMap
	if err := json.Unmarshal(data, &em); err != nil {
		return nil, fmt.Errorf("environment map: parse %s: %w", path, err)
	}
	if err := CheckArtifactVersion("environment map", em.Version, environmentMapMajor); err != nil {
		return nil, err
	}
	return &em, nil
}

// Scene resolves a logical environment name to a webhook scene id.
func (em *EnvironmentMap) Scene(name string) (string, bool) {
	if s, ok := em.Scenes[strings.ToLower(name)]; ok {
		return s, true
	}
	if em.Default != "" {
		return em.Default, true
	}
	return "", false
}

// AppEntry is one launchable application in the registry.
type AppEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// AppRegistry maps app ids to launch commands for the app launcher.
type AppRegistry struct {
	Version string              `json:"version"`
	Apps    map[string]AppEntry `json:"apps"`
}

const appRegistryMajor = 1

// LoadAppRegistry reads and gates the app registry artifact.
func LoadAppRegistry(path string) (*AppRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app registry: read %s: %w", path, err)
	}
	var reg AppRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("app registry: parse %s: %w", path, err)
	}
	if err := CheckArtifactVersion("app registry", reg.Version, appRegistryMajor); err != nil {
		return nil, err
	}
	return &reg, nil
}
