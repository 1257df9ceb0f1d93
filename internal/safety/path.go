// Package safety validates paths and URLs that come from task definitions
// before they touch the filesystem or the network.
package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanArtifactPath normalizes an artifact path to slash form relative to the
// repository root. A leading slash is accepted and dropped; parent traversal
// is rejected.
func CleanArtifactPath(p string) (string, error) {
	trimmed := strings.TrimSpace(filepath.ToSlash(p))
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := path.Clean("/" + trimmed)
	if clean == "/" {
		return "", fmt.Errorf("path resolves to repository root: %q", p)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("parent traversal is not allowed: %q", p)
		}
	}
	return strings.TrimPrefix(clean, "/"), nil
}

// JoinUnder joins an artifact path under root and verifies the result stays
// inside root.
func JoinUnder(root, artifactPath string) (string, error) {
	rel, err := CleanArtifactPath(artifactPath)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, filepath.FromSlash(rel)))
}

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

// HasPathPrefix reports whether artifactPath equals prefix or lies beneath it.
// Both must already be cleaned.
func HasPathPrefix(artifactPath, prefix string) bool {
	if prefix == "" {
		return true
	}
	return artifactPath == prefix || strings.HasPrefix(artifactPath, strings.TrimSuffix(prefix, "/")+"/")
}
