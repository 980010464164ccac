// Package installer resolves and installs a subprocess dependency package
// from an out-of-band package registry, recording the result in
// pkg/depstate.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/casys-ai/cer/pkg/depstate"
	"github.com/casys-ai/cer/pkg/httpclient"
)

// Dependency describes what to install.
type Dependency struct {
	Name           string
	Version        string
	InstallCommand string
}

// Result is the outcome of Install.
type Result struct {
	AlreadyInstalled bool
	Installed        depstate.Installed
}

// Installer resolves dependency packages over HTTP (with retry/backoff,
// since package-registry fetches are explicitly allowed to retry) and
// records successful installs in a depstate.Store.
type Installer struct {
	client      *httpclient.Client
	registryURL string
	store       *depstate.Store
}

// New builds an Installer. registryURL is the base URL of the package
// registry used to resolve a Dependency's install artifact; store is where
// successful installs are recorded.
func New(registryURL string, store *depstate.Store) *Installer {
	return &Installer{
		client:      httpclient.New(httpclient.WithMaxRetries(3), httpclient.WithRetryStrategy(httpclient.DefaultStrategy)),
		registryURL: strings.TrimSuffix(registryURL, "/"),
		store:       store,
	}
}

// resolution is the package registry's response shape for a single package
// version: where to fetch its artifact and what its integrity token is.
type resolution struct {
	Version       string `json:"version"`
	ArtifactURL   string `json:"artifactUrl"`
	IntegrityHash string `json:"integrity"`
}

// Install ensures dep is present in the depstate store at the requested
// version. If an entry already exists with a matching version, Install is
// a no-op (AlreadyInstalled=true).
func (i *Installer) Install(ctx context.Context, dep Dependency) (Result, error) {
	if existing, ok := i.store.Get(dep.Name); ok && existing.Version == dep.Version {
		return Result{AlreadyInstalled: true, Installed: existing}, nil
	}

	res, err := i.resolve(ctx, dep)
	if err != nil {
		return Result{}, fmt.Errorf("installer: resolving %s@%s: %w", dep.Name, dep.Version, err)
	}

	artifact, err := i.fetchArtifact(ctx, res.ArtifactURL)
	if err != nil {
		return Result{}, fmt.Errorf("installer: fetching artifact for %s@%s: %w", dep.Name, dep.Version, err)
	}

	if err := verifyIntegrity(artifact, res.IntegrityHash); err != nil {
		return Result{}, fmt.Errorf("installer: %s@%s: %w", dep.Name, dep.Version, err)
	}

	installed := depstate.Installed{
		Name:           dep.Name,
		Version:        res.Version,
		Integrity:      res.IntegrityHash,
		InstalledAt:    time.Now(),
		InstallCommand: dep.InstallCommand,
	}

	if err := i.store.MarkInstalled(installed); err != nil {
		return Result{}, fmt.Errorf("installer: recording install of %s: %w", dep.Name, err)
	}

	return Result{Installed: installed}, nil
}

func (i *Installer) resolve(ctx context.Context, dep Dependency) (resolution, error) {
	url := fmt.Sprintf("%s/packages/%s/%s", i.registryURL, dep.Name, dep.Version)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return resolution{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return resolution{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resolution{}, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	var res resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return resolution{}, fmt.Errorf("decoding resolution response: %w", err)
	}
	return res, nil
}

func (i *Installer) fetchArtifact(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact fetch returned HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// verifyIntegrity checks artifact against a "sha256-<hex>" integrity token.
// The registry only ever issues sha256 tokens for new artifacts; the
// legacy sha1 form exists solely as a lockfile read-compatibility shim
// (pkg/lockfile), not here.
func verifyIntegrity(artifact []byte, token string) error {
	idx := strings.Index(token, "-")
	if idx < 0 {
		return fmt.Errorf("malformed integrity token %q", token)
	}
	algo, digest := token[:idx], token[idx+1:]

	if algo != "sha256" {
		return fmt.Errorf("unsupported integrity algorithm %q", algo)
	}

	sum := sha256.Sum256(artifact)
	if hex.EncodeToString(sum[:]) != digest {
		return fmt.Errorf("integrity mismatch for artifact")
	}
	return nil
}
