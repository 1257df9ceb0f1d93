package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/BadgerOps/artsync/internal/safety"
)

const (
	// ChecksumHeader carries the hex SHA256 of the uploaded artifact.
	ChecksumHeader = "X-Checksum-Sha256"
	// OverwriteHeader asks the remote repository to replace an existing artifact.
	OverwriteHeader = "X-Overwrite"
	// RunKeyHeader ties uploads to the run that produced them.
	RunKeyHeader = "X-Replica-Run-Key"
)

// PushOptions describes a single artifact upload.
type PushOptions struct {
	URL        string
	SourcePath string
	Overwrite  bool
	RunKey     string
	RetryCount int // 0 defaults to 3
}

// PushResult describes a completed upload.
type PushResult struct {
	Size     int64
	SHA256   string
	Attempts int
	Duration time.Duration
}

// Client uploads artifact files to remote clusters with retries.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	backoffBase time.Duration
}

// NewClient creates an upload client. timeout bounds each request.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  safety.NewHTTPClient(timeout),
		logger:      logger,
		userAgent:   "artsync/1.0",
		backoffBase: time.Second,
	}
}

// Exists reports whether the remote already has an artifact at url.
func (c *Client) Exists(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("http request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// Push uploads SourcePath to URL. It retries transient failures with
// exponential backoff and never retries 4xx responses other than 429.
func (c *Client) Push(ctx context.Context, opts PushOptions) (*PushResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}

	startTime := time.Now()

	size, sum, err := hashFile(opts.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", opts.SourcePath, err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("push cancelled: %w", ctx.Err())
		default:
		}

		err := c.pushAttempt(ctx, opts, size, sum)
		if err == nil {
			return &PushResult{
				Size:     size,
				SHA256:   sum,
				Attempts: attempt,
				Duration: time.Since(startTime),
			}, nil
		}

		lastErr = err
		c.logger.Warn("push attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if shouldNotRetry(err) {
			return nil, err
		}

		if attempt < opts.RetryCount {
			delay := calculateBackoffDelay(c.backoffBase, attempt)
			c.logger.Debug("retrying push", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("push cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("push failed after %d attempts: %w", opts.RetryCount, lastErr)
}

func (c *Client) pushAttempt(ctx context.Context, opts PushOptions, size int64, sum string) error {
	file, err := os.Open(opts.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, opts.URL, file)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(ChecksumHeader, sum)
	if opts.Overwrite {
		req.Header.Set(OverwriteHeader, "true")
	}
	if opts.RunKey != "" {
		req.Header.Set(RunKeyHeader, opts.RunKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       safety.ErrorSnippet(resp.Body, 512),
		}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// hashFile returns the size and SHA256 hex digest of a file.
func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// calculateBackoffDelay doubles base each attempt and adds up to half the
// delay as jitter.
func calculateBackoffDelay(base time.Duration, attempt int) time.Duration {
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * base
	maxJitter := exponentialDelay / 2
	if maxJitter <= 0 {
		return exponentialDelay
	}
	return exponentialDelay + time.Duration(rand.Int63n(int64(maxJitter)))
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// HTTPError represents an error response from a remote cluster.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http error %d: %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}
