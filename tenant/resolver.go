// Package tenant maps a host label to the application bundle that serves it.
//
// An application lives under a single root directory, either as a single file
// (root/<name>.ts) or as a directory package (root/<name>/mod.ts,
// root/<name>/<name>.ts). A directory holding only an index.html is a static
// bundle.
package tenant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrNotFound is returned when no entrypoint exists for an application name.
var ErrNotFound = errors.New("entrypoint not found")

// Extensions lists the handler file extensions in resolution priority order.
var Extensions = []string{".ts", ".tsx", ".js", ".jsx", ".wasm"}

// StaticIndex is the file name that marks a directory as a static bundle.
const StaticIndex = "index.html"

// Resolve returns the absolute path of the code that serves the application
// called name under root. Candidates are tried in this order, first match wins:
//
//	root/<name>.<ext>
//	root/<name>/mod.<ext>
//	root/<name>/<name>.<ext>
//	root/<name>/index.html
func Resolve(root, name string) (string, error) {
	if !validName(name) {
		return "", ErrNotFound
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root directory %s: %w", root, err)
	}

	candidates := make([]string, 0, 3*len(Extensions)+1)
	for _, ext := range Extensions {
		candidates = append(candidates, filepath.Join(absRoot, name+ext))
	}
	for _, ext := range Extensions {
		candidates = append(candidates, filepath.Join(absRoot, name, "mod"+ext))
	}
	for _, ext := range Extensions {
		candidates = append(candidates, filepath.Join(absRoot, name, name+ext))
	}
	candidates = append(candidates, filepath.Join(absRoot, name, StaticIndex))

	for _, candidate := range candidates {
		ok, err := isFile(candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}

	return "", ErrNotFound
}

// IsStatic reports whether an entrypoint designates a static asset bundle.
func IsStatic(entrypoint string) bool {
	return filepath.Base(entrypoint) == StaticIndex
}

// validName rejects labels that could escape the root directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Mode().IsRegular(), nil
}
