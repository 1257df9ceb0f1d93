package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/BadgerOps/artsync/internal/safety"
)

// HealthPath is requested on each node to check reachability.
const HealthPath = "/api/health"

// HTTPProber checks that remote clusters answer HTTP, caching each outcome.
type HTTPProber struct {
	client *http.Client
	cache  *ttlcache.Cache[string, probeResult]
	logger *slog.Logger
}

type probeResult struct {
	err error
}

// NewHTTPProber creates a prober. ttl <= 0 disables caching.
func NewHTTPProber(timeout, ttl time.Duration, logger *slog.Logger) *HTTPProber {
	if logger == nil {
		logger = slog.Default()
	}
	p := &HTTPProber{
		client: safety.NewHTTPClient(timeout),
		logger: logger,
	}
	if ttl > 0 {
		p.cache = ttlcache.New(ttlcache.WithTTL[string, probeResult](ttl))
	}
	return p
}

// Probe returns nil when node answered the health request with a non-5xx status.
func (p *HTTPProber) Probe(ctx context.Context, node Node) error {
	if p.cache != nil {
		if item := p.cache.Get(node.Name); item != nil {
			return item.Value().err
		}
	}

	err := p.probe(ctx, node)
	if err != nil {
		p.logger.Warn("cluster unreachable", "cluster", node.Name, "url", node.URL, "error", err)
	}
	// Cancellation says nothing about the node.
	if p.cache != nil && ctx.Err() == nil {
		p.cache.Set(node.Name, probeResult{err: err}, ttlcache.DefaultTTL)
	}
	return err
}

// Forget drops any cached outcome for the named node.
func (p *HTTPProber) Forget(name string) {
	if p.cache != nil {
		p.cache.Delete(name)
	}
}

func (p *HTTPProber) probe(ctx context.Context, node Node) error {
	if node.URL == "" {
		return fmt.Errorf("cluster %s has no url", node.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("cluster %s unreachable: %w", node.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("cluster %s unhealthy: HTTP %d", node.Name, resp.StatusCode)
	}
	return nil
}
