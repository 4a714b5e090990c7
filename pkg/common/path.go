package common

import "path/filepath"

// ResolveSymlinks returns path with symlinks evaluated, or path itself when
// it cannot be resolved.
func ResolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
