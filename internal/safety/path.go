package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// SafeJoinUnder joins a single file name under root. Names containing a
// separator or resolving to "." or ".." are rejected.
func SafeJoinUnder(root, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name: %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("file name must not contain a path separator: %q", name)
	}
	return EnsureUnderRoot(root, filepath.Join(root, name))
}

// RequireDir returns an error unless path exists and is a directory.
func RequireDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
