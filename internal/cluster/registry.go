// Package cluster resolves cluster names to nodes and probes their reachability.
package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BadgerOps/artsync/internal/config"
	"github.com/BadgerOps/artsync/internal/safety"
)

// ErrUnknownCluster is returned when a cluster name is not configured.
var ErrUnknownCluster = errors.New("unknown cluster")

// Node is a resolved cluster.
type Node struct {
	Name      string
	URL       string
	Type      string
	RepoTypes []string
}

// Supports reports whether the node accepts repositories of repoType.
// A node without declared repo types accepts everything.
func (n Node) Supports(repoType string) bool {
	if len(n.RepoTypes) == 0 || repoType == "" {
		return true
	}
	for _, t := range n.RepoTypes {
		if strings.EqualFold(t, repoType) {
			return true
		}
	}
	return false
}

// Registry is a config-backed cluster directory.
type Registry struct {
	local  Node
	nodes  map[string]Node
	logger *slog.Logger
}

// NewRegistry builds a Registry from the clusters config section. The local
// cluster does not need a node entry.
func NewRegistry(cfg config.ClustersConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Local == "" {
		return nil, fmt.Errorf("local cluster name is required")
	}

	r := &Registry{
		local:  Node{Name: cfg.Local, Type: "CENTER"},
		nodes:  make(map[string]Node, len(cfg.Nodes)),
		logger: logger,
	}

	for _, n := range cfg.Nodes {
		if _, dup := r.nodes[n.Name]; dup {
			return nil, fmt.Errorf("duplicate cluster %q", n.Name)
		}
		node := Node{
			Name:      n.Name,
			URL:       strings.TrimRight(n.URL, "/"),
			Type:      n.Type,
			RepoTypes: append([]string(nil), n.RepoTypes...),
		}
		if n.Name != cfg.Local {
			if _, err := safety.ValidateClusterURL(node.URL); err != nil {
				return nil, fmt.Errorf("cluster %s: %w", n.Name, err)
			}
		}
		if n.Name == cfg.Local {
			if node.Type == "" {
				node.Type = r.local.Type
			}
			r.local = node
		}
		r.nodes[n.Name] = node
	}

	return r, nil
}

// Local returns the identity of the cluster this process runs in.
func (r *Registry) Local() Node {
	return r.local
}

// Get returns a node by name.
func (r *Registry) Get(name string) (Node, error) {
	n, ok := r.nodes[name]
	if !ok {
		return Node{}, fmt.Errorf("cluster %s: %w", name, ErrUnknownCluster)
	}
	return n, nil
}

// Names returns every configured node name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps remote cluster names to nodes, dropping nodes that do not
// accept repoType and the local cluster itself. Unknown names are an error.
func (r *Registry) Resolve(names []string, repoType string) ([]Node, error) {
	targets := make([]Node, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		n, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		if n.Name == r.local.Name {
			r.logger.Warn("skipping local cluster as replication target", "cluster", name)
			continue
		}
		if !n.Supports(repoType) {
			r.logger.Info("cluster does not accept repo type, skipping", "cluster", name, "repo_type", repoType)
			continue
		}
		targets = append(targets, n)
	}
	return targets, nil
}
