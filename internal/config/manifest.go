package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional per-project acpx.yaml: it pins a default
// agentCommand and auth-method/credential-env mapping so repeated
// invocations inside a project don't need long flags.
type Manifest struct {
	AgentCommand              string            `yaml:"agentCommand"`
	AuthMethods                map[string]string `yaml:"authMethods"`
	PermissionMode             string            `yaml:"permissionMode"`
	NonInteractivePermissions  []string          `yaml:"nonInteractivePermissions"`
}

const manifestFileName = "acpx.yaml"

// FindManifest walks from dir upward to a boundary (the nearest ancestor
// directory containing .git, or dir itself if no such ancestor exists) and
// returns the first acpx.yaml found along that walk. Returns (nil, nil) if
// none exists. Uses the same boundary rule as the session-scope directory
// walk in internal/sessionstore (spec §4.H).
func FindManifest(dir string) (*Manifest, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	boundary := findGitBoundary(dir)

	cur := dir
	for {
		candidate := filepath.Join(cur, manifestFileName)
		if data, err := os.ReadFile(candidate); err == nil {
			var m Manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", candidate, err)
			}
			return &m, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}

		if cur == boundary {
			return nil, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, nil
		}
		cur = parent
	}
}

// findGitBoundary walks upward from dir looking for a .git entry, returning
// the first ancestor (inclusive of dir) that has one, or dir itself if none
// is found before reaching the filesystem root.
func findGitBoundary(dir string) string {
	cur := dir
	for {
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}
