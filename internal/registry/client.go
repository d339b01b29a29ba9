// Package registry is the HTTP client for the local model registry
// (Ollama-compatible API). Calls pass through a bounded concurrency gate,
// and the cheap read endpoints (tags, version) sit behind short-TTL caches.
package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/resilience"
)

// Model describes one locally available model.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// ModelInfo is the detailed show response for one model.
type ModelInfo struct {
	Modelfile  string         `json:"modelfile,omitempty"`
	Parameters string         `json:"parameters,omitempty"`
	Template   string         `json:"template,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// PullChunk is one streamed progress payload from a pull.
type PullChunk struct {
	Status    string `json:"status,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusError carries a non-2xx registry response. 5xx responses are marked
// transient so the pull retry loop picks them up.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to the model registry.
type Client struct {
	host       string
	httpClient *http.Client
	gate       chan struct{}

	cacheTTL time.Duration
	mu       sync.Mutex
	tags     cached[[]Model]
	version  cached[string]
}

type cached[T any] struct {
	value   T
	fetched time.Time
}

// NewClient creates a registry client from configuration.
func NewClient(cfg config.Registry) *Client {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Client{
		host: strings.TrimRight(cfg.Host, "/"),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		gate:     make(chan struct{}, maxConcurrent),
		cacheTTL: cfg.CacheTTL,
	}
}

// Host returns the registry base URL.
func (c *Client) Host() string { return c.host }

// acquire blocks until a concurrency slot is free or ctx is done.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	select {
	case c.gate <- struct{}{}:
		return func() { <-c.gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tags lists the locally available models, served from a short-TTL cache.
func (c *Client) Tags(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	if c.cacheTTL > 0 && time.Since(c.tags.fetched) < c.cacheTTL && c.tags.value != nil {
		models := c.tags.value
		c.mu.Unlock()
		return models, nil
	}
	c.mu.Unlock()

	var out struct {
		Models []Model `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &out); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	if out.Models == nil {
		out.Models = []Model{}
	}

	c.mu.Lock()
	c.tags = cached[[]Model]{value: out.Models, fetched: time.Now()}
	c.mu.Unlock()
	return out.Models, nil
}

// Version returns the registry version, served from a short-TTL cache.
func (c *Client) Version(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.cacheTTL > 0 && time.Since(c.version.fetched) < c.cacheTTL && c.version.value != "" {
		v := c.version.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	var out struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/version", &out); err != nil {
		return "", fmt.Errorf("failed to get version: %w", err)
	}

	c.mu.Lock()
	c.version = cached[string]{value: out.Version, fetched: time.Now()}
	c.mu.Unlock()
	return out.Version, nil
}

// Show returns the detailed info for one model.
func (c *Client) Show(ctx context.Context, name string) (*ModelInfo, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var info ModelInfo
	if err := c.postJSON(ctx, "/api/show", map[string]string{"name": name}, &info); err != nil {
		return nil, fmt.Errorf("failed to show model %s: %w", name, err)
	}
	return &info, nil
}

// Delete removes a model from the registry and invalidates the tags cache.
func (c *Client) Delete(ctx context.Context, name string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.host+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete model %s: %w", name, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.tags = cached[[]Model]{}
	c.mu.Unlock()
	return nil
}

// Pull streams a model download, invoking onChunk for every decoded
// progress line. The HTTP client timeout is bypassed here: a pull can
// legitimately run for a long time, so only ctx bounds it.
func (c *Client) Pull(ctx context.Context, name string, onChunk func(PullChunk)) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	body, _ := json.Marshal(map[string]any{"name": name, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to start pull for %s: %w", name, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk PullChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("pull failed for %s: %s", name, chunk.Error)
		}
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull stream for %s interrupted: %w", name, err)
	}

	c.mu.Lock()
	c.tags = cached[[]Model]{}
	c.mu.Unlock()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	if resp.StatusCode >= 500 {
		return resilience.NewTransientError(err)
	}
	return resilience.NewPermanentError(err)
}
