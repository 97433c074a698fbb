package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates a directory (and parents) if it does not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// SafeJoin joins a user-supplied relative path onto root, rejecting any path
// that would escape root. The input may be absolute only when it is already
// rooted under root.
func SafeJoin(root, userPath string) (string, error) {
	if userPath == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(userPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("path %q must not contain '..'", userPath)
		}
	}

	cleanRoot := filepath.Clean(root)
	var joined string
	if filepath.IsAbs(userPath) {
		joined = filepath.Clean(userPath)
	} else {
		joined = filepath.Clean(filepath.Join(cleanRoot, userPath))
	}
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes %q", userPath, root)
	}
	return joined, nil
}
