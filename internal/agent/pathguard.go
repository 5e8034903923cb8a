package agent

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathGuard confines task working directories to the registered
// project roots. Everything is normalized to an absolute clean path
// before comparison, so `..` traversal and symlink-free tricks like
// `/root/project/../../etc` are rejected.
type PathGuard struct {
	roots []string
}

func NewPathGuard(roots []string) (*PathGuard, error) {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("project root %q: %w", r, err)
		}
		cleaned = append(cleaned, filepath.Clean(abs))
	}
	return &PathGuard{roots: cleaned}, nil
}

// Validate returns the normalized path when it sits under a project
// root, or an error before any filesystem effect happens.
func (g *PathGuard) Validate(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("path %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	for _, root := range g.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside every project root", path)
}
