// Package transport moves artifact bytes from the local storage root to
// remote clusters.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/safety"
	"github.com/BadgerOps/artsync/internal/store"
)

// RepoTypeGeneric is the only repository type Generic can replicate.
const RepoTypeGeneric = "GENERIC"

var (
	// ErrUnsupportedRepoType is returned for repositories Generic cannot move.
	ErrUnsupportedRepoType = errors.New("unsupported repository type")
	// ErrArtifactExists is returned under the FAST_FAIL conflict strategy.
	ErrArtifactExists = errors.New("artifact already exists on remote")
)

// Error is a failure of one leg's transfer.
type Error struct {
	Cluster string
	Path    string // empty when the failure is not tied to one artifact
	Err     error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("replicate %s to %s: %v", e.Path, e.Cluster, e.Err)
	}
	return fmt.Sprintf("replicate to %s: %v", e.Cluster, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ProgressFunc receives the cumulative progress of a leg after every artifact.
type ProgressFunc func(store.Progress)

// Request describes one leg's transfer.
type Request struct {
	RunKey             string
	LocalProjectID     string
	LocalRepoName      string
	RemoteProjectID    string
	RemoteRepoName     string
	RepoType           string
	PackageConstraints []store.PackageConstraint
	PathConstraints    []string
	ConflictStrategy   store.ConflictStrategy
	ErrorStrategy      store.ErrorStrategy
}

// Generic replicates generic-repository files stored under
// <storage_root>/<project>/<repo> with HTTP PUT.
type Generic struct {
	storageRoot   string
	client        *Client
	retryAttempts int
	logger        *slog.Logger
}

// NewGeneric creates a Generic transport.
func NewGeneric(storageRoot string, client *Client, retryAttempts int, logger *slog.Logger) *Generic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generic{
		storageRoot:   storageRoot,
		client:        client,
		retryAttempts: retryAttempts,
		logger:        logger,
	}
}

// Replicate pushes every selected artifact to target and reports progress
// after each one. The returned progress is final even when err is non-nil.
func (g *Generic) Replicate(ctx context.Context, target cluster.Node, req Request, onProgress ProgressFunc) (store.Progress, error) {
	var progress store.Progress
	report := func() {
		if onProgress != nil {
			onProgress(progress)
		}
	}

	if !strings.EqualFold(req.RepoType, RepoTypeGeneric) {
		return progress, &Error{Cluster: target.Name, Err: fmt.Errorf("%w: %q", ErrUnsupportedRepoType, req.RepoType)}
	}

	artifacts, repoRoot, err := g.collect(req)
	if err != nil {
		return progress, &Error{Cluster: target.Name, Err: err}
	}

	remoteProject := firstNonEmpty(req.RemoteProjectID, req.LocalProjectID)
	remoteRepo := firstNonEmpty(req.RemoteRepoName, req.LocalRepoName)

	log := g.logger.With("run_key", req.RunKey, "remote_cluster", target.Name)
	log.Info("replicating generic repository", "artifacts", len(artifacts), "repo", req.LocalRepoName)

	var lastErr error
	for _, rel := range artifacts {
		if err := ctx.Err(); err != nil {
			return progress, &Error{Cluster: target.Name, Err: err}
		}

		artifactURL := artifactURL(target.URL, remoteProject, remoteRepo, rel)
		skipped, err := g.replicateOne(ctx, req, artifactURL, filepath.Join(repoRoot, filepath.FromSlash(rel)), &progress)
		if err != nil {
			progress.Failed++
			lastErr = &Error{Cluster: target.Name, Path: rel, Err: err}
			log.Warn("artifact failed", "path", rel, "error", err)
			report()
			if req.ErrorStrategy == store.ErrorFastFail || errors.Is(err, ErrArtifactExists) {
				return progress, lastErr
			}
			continue
		}
		if skipped {
			progress.Skip++
		} else {
			progress.Success++
		}
		report()
	}

	if progress.Failed > 0 {
		return progress, fmt.Errorf("%d of %d artifacts failed: %w", progress.Failed, len(artifacts), lastErr)
	}
	return progress, nil
}

// replicateOne moves one artifact and reports whether it was skipped.
func (g *Generic) replicateOne(ctx context.Context, req Request, artifactURL, source string, progress *store.Progress) (bool, error) {
	if req.ConflictStrategy != store.ConflictOverwrite {
		exists, err := g.client.Exists(ctx, artifactURL)
		if err != nil {
			return false, err
		}
		if exists {
			if req.ConflictStrategy == store.ConflictFastFail {
				return false, ErrArtifactExists
			}
			return true, nil
		}
	}

	result, err := g.client.Push(ctx, PushOptions{
		URL:        artifactURL,
		SourcePath: source,
		Overwrite:  req.ConflictStrategy == store.ConflictOverwrite,
		RunKey:     req.RunKey,
		RetryCount: g.retryAttempts,
	})
	if err != nil {
		return false, err
	}
	progress.TotalSize += result.Size
	return false, nil
}

// collect lists the selected artifacts as slash paths relative to the
// repository root, in lexical order.
func (g *Generic) collect(req Request) ([]string, string, error) {
	project, err := safety.CleanArtifactPath(req.LocalProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("invalid project %q: %w", req.LocalProjectID, err)
	}
	repo, err := safety.CleanArtifactPath(req.LocalRepoName)
	if err != nil {
		return nil, "", fmt.Errorf("invalid repository %q: %w", req.LocalRepoName, err)
	}
	repoRoot, err := safety.JoinUnder(g.storageRoot, path.Join(project, repo))
	if err != nil {
		return nil, "", err
	}
	if fi, err := os.Stat(repoRoot); err != nil || !fi.IsDir() {
		return nil, "", fmt.Errorf("repository %s/%s not found in storage", project, repo)
	}

	sel, err := newSelector(req.PackageConstraints, req.PathConstraints)
	if err != nil {
		return nil, "", err
	}

	var artifacts []string
	err = filepath.WalkDir(repoRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(repoRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if sel.match(rel) {
			artifacts = append(artifacts, rel)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("walking repository: %w", err)
	}
	return artifacts, repoRoot, nil
}

// selector applies package and path constraints. With no constraints every
// artifact matches; otherwise an artifact matches any one constraint.
type selector struct {
	packages map[string]map[string]bool // package key -> versions (nil means all)
	paths    []string
}

func newSelector(packages []store.PackageConstraint, paths []string) (*selector, error) {
	s := &selector{packages: make(map[string]map[string]bool)}
	for _, pc := range packages {
		key, err := safety.CleanArtifactPath(pc.PackageKey)
		if err != nil {
			return nil, fmt.Errorf("invalid package key %q: %w", pc.PackageKey, err)
		}
		if len(pc.Versions) == 0 {
			s.packages[key] = nil
			continue
		}
		versions, ok := s.packages[key]
		if ok && versions == nil {
			continue
		}
		if versions == nil {
			versions = make(map[string]bool)
			s.packages[key] = versions
		}
		for _, v := range pc.Versions {
			versions[v] = true
		}
	}
	for _, p := range paths {
		clean, err := safety.CleanArtifactPath(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path constraint %q: %w", p, err)
		}
		s.paths = append(s.paths, clean)
	}
	return s, nil
}

func (s *selector) match(rel string) bool {
	if len(s.packages) == 0 && len(s.paths) == 0 {
		return true
	}
	for _, p := range s.paths {
		if safety.HasPathPrefix(rel, p) {
			return true
		}
	}
	for key, versions := range s.packages {
		if !safety.HasPathPrefix(rel, key) || rel == key {
			continue
		}
		if versions == nil {
			return true
		}
		rest := strings.TrimPrefix(rel, key+"/")
		version, _, found := strings.Cut(rest, "/")
		if found && versions[version] {
			return true
		}
	}
	return false
}

func artifactURL(base, project, repo, rel string) string {
	segments := []string{"generic", project, repo}
	segments = append(segments, strings.Split(rel, "/")...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
