package ptysession

import (
	"path/filepath"
	"strings"
)

// ResolveDir decides the shell's starting directory. The requested path is
// used only if it stays inside root after cleaning and symlink resolution;
// on escape, a relative request, or any resolution error the user's root is
// used instead. No error is surfaced to the client either way.
func ResolveDir(root, requested string) string {
	if requested == "" || !filepath.IsAbs(requested) {
		return root
	}

	candidate := filepath.Clean(requested)
	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		candidate = resolved
	} else {
		return root
	}

	resolvedRoot := root
	if r, err := filepath.EvalSymlinks(root); err == nil {
		resolvedRoot = r
	}

	if !contains(resolvedRoot, candidate) {
		return root
	}
	return candidate
}

// contains reports whether path is root or a descendant of root.
func contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
