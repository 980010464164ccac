// Package registryclient fetches capability metadata from the remote
// registry by FQCN, caching results in a bounded LRU.
package registryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/casys-ai/cer/pkg/capid"
	"github.com/casys-ai/cer/pkg/cererr"
)

const (
	// DefaultTimeout bounds a single metadata fetch. The registry is never
	// retried on failure: a network error or non-2xx response is surfaced
	// immediately as a metadata-fetch-failed error.
	DefaultTimeout = 10 * time.Second
	// DefaultCacheSize is the number of metadata documents kept in the LRU.
	DefaultCacheSize = 100
)

// Metadata is the capability manifest document the registry serves.
type Metadata struct {
	FQCN         string           `json:"fqcn"`
	Version      string           `json:"version"`
	CodeURL      string           `json:"codeUrl"`
	Integrity    string           `json:"integrity"`
	Dependencies []DependencySpec `json:"dependencies,omitempty"`
}

// DependencySpec declares one prerequisite the capability needs satisfied
// before its code can run.
type DependencySpec struct {
	Namespace      string   `json:"namespace"`
	Command        string   `json:"command,omitempty"`
	Args           []string `json:"args,omitempty"`
	RequiredEnv    []string `json:"requiredEnv,omitempty"`
	InstallCommand string   `json:"installCommand,omitempty"`
	Version        string   `json:"version,omitempty"`
}

// FetchResult wraps Metadata with the cache provenance the caller may want
// to log or trace.
type FetchResult struct {
	Metadata  Metadata
	FromCache bool
	FetchedAt time.Time
}

type cacheEntry struct {
	metadata   Metadata
	fetchedAt  time.Time
	lastAccess time.Time
}

// Client fetches and caches capability metadata.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache
}

// New builds a Client against baseURL (the registry's root endpoint).
func New(baseURL string) (*Client, error) {
	cache, err := lru.New(DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("registryclient: building cache: %w", err)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		cache:   cache,
	}, nil
}

// Fetch resolves identifierOrFQCN (either "namespace:action" or a dotted
// FQCN) to its canonical FQCN and returns its metadata, serving from cache
// when present. The registry is never retried: a non-2xx response or
// network error is returned immediately as cererr.MetadataFetchFailed.
func (c *Client) Fetch(ctx context.Context, identifierOrFQCN string) (FetchResult, error) {
	fqcn := string(capid.FromColonOrDotted(identifierOrFQCN))

	if cached, ok := c.cache.Get(fqcn); ok {
		entry := cached.(*cacheEntry)
		entry.lastAccess = time.Now()
		c.cache.Add(fqcn, entry)
		return FetchResult{Metadata: entry.metadata, FromCache: true, FetchedAt: entry.fetchedAt}, nil
	}

	metadata, err := c.fetchRemote(ctx, fqcn)
	if err != nil {
		return FetchResult{}, err
	}

	now := time.Now()
	c.cache.Add(fqcn, &cacheEntry{metadata: metadata, fetchedAt: now, lastAccess: now})

	return FetchResult{Metadata: metadata, FromCache: false, FetchedAt: now}, nil
}

func (c *Client) fetchRemote(ctx context.Context, fqcn string) (Metadata, error) {
	url := fmt.Sprintf("%s/capabilities/%s", c.baseURL, fqcn)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, cererr.Wrap(cererr.MetadataFetchFailed, "failed to build registry request", err, map[string]any{"fqcn": fqcn})
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, cererr.Wrap(cererr.MetadataFetchFailed, "registry request failed", err, map[string]any{"fqcn": fqcn})
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Metadata{}, cererr.New(cererr.MetadataFetchFailed, "capability not found in registry", map[string]any{
			"fqcn":   fqcn,
			"reason": "not-found",
			"status": resp.StatusCode,
		})
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Metadata{}, cererr.New(cererr.MetadataFetchFailed, "registry returned a non-OK status", map[string]any{
			"fqcn":   fqcn,
			"reason": "http-status",
			"status": resp.StatusCode,
			"body":   string(body),
		})
	}

	var metadata Metadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return Metadata{}, cererr.Wrap(cererr.MetadataParseError, "failed to decode registry metadata", err, map[string]any{"fqcn": fqcn})
	}

	if metadata.FQCN == "" || metadata.CodeURL == "" {
		return Metadata{}, cererr.New(cererr.MetadataParseError, "registry metadata is missing required fields", map[string]any{
			"fqcn": fqcn,
		})
	}

	return metadata, nil
}

// Len reports how many entries are currently cached, used by tests and
// diagnostics.
func (c *Client) Len() int {
	return c.cache.Len()
}

// Purge evicts every cached entry.
func (c *Client) Purge() {
	c.cache.Purge()
}
