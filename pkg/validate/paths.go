package validate

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/forge/pkg/apperr"
)

// resolveUnder resolves p (following symlinks, collapsing "..") and
// requires the result to sit under projectRoot. An empty projectRoot
// defaults to the working directory.
func resolveUnder(p, projectRoot string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", apperr.New(apperr.KindInvalidRequest, "path must not be empty")
	}

	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", apperr.Wrap(apperr.KindInvalidRequest, "resolve working directory", err)
		}
		projectRoot = wd
	}

	rootResolved, err := filepath.EvalSymlinks(projectRoot)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidRequest, "resolve project root", err)
	}
	rootAbs, err := filepath.Abs(rootResolved)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidRequest, "resolve project root", err)
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(rootAbs, p)
	}
	p = filepath.Clean(p)

	// Resolve symlinks on the deepest existing ancestor so a link cannot
	// smuggle the path outside the root.
	resolved, err := resolveExisting(p)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidRequest, "resolve path", err)
	}

	rel, err := filepath.Rel(rootAbs, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.KindAccessDenied, "path escapes project root: %s", p)
	}

	return resolved, nil
}

// resolveExisting evaluates symlinks for the longest existing prefix of
// p, re-joining the non-existing suffix afterwards.
func resolveExisting(p string) (string, error) {
	remainder := ""
	current := p

	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(filepath.Join(current, remainder)), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// FilePath validates that p names a file inside projectRoot and returns
// the resolved path. A path outside the root is an AccessDenied error; a
// malformed or empty path is an InvalidRequest error.
func FilePath(p, projectRoot string) (string, error) {
	resolved, err := resolveUnder(p, projectRoot)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return "", apperr.Newf(apperr.KindInvalidRequest, "expected a file, got a directory: %s", p)
	}
	return resolved, nil
}

// DirectoryPath validates that p names a directory inside projectRoot
// and returns the resolved path.
func DirectoryPath(p, projectRoot string) (string, error) {
	resolved, err := resolveUnder(p, projectRoot)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
		return "", apperr.Newf(apperr.KindInvalidRequest, "expected a directory, got a file: %s", p)
	}
	return resolved, nil
}
