package normalize

import "path/filepath"

// relativize makes path relative to worktreeRoot when possible (spec §4.4
// "Normalizers must make file paths relative to the worktree root"). Paths
// outside the worktree, or that fail to resolve, are returned unchanged.
func relativize(worktreeRoot, path string) string {
	if worktreeRoot == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(worktreeRoot, path)
	if err != nil {
		return path
	}
	if len(rel) >= 2 && rel[:2] == ".." {
		return path
	}
	return rel
}
