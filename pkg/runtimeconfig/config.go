// Package runtimeconfig loads the process-wide configuration a
// runtime.Loader is built from: its routing table, permission policy,
// registry/remote endpoints, store paths, and timeouts. Config-first, the
// way the teacher's own config tree works: everything the loader needs is
// declared in one document and built from it, rather than threaded through
// constructor arguments by hand.
package runtimeconfig

import (
	"fmt"
	"time"
)

// RuntimeConfig is the root configuration document for a CER process.
type RuntimeConfig struct {
	// Version of the config schema.
	Version string `yaml:"version,omitempty"`

	// Registry configures the capability registry client.
	Registry RegistryConfig `yaml:"registry,omitempty"`

	// Remote configures the cloud-backed tool-call forwarding endpoint.
	Remote RemoteConfig `yaml:"remote,omitempty"`

	// Routing classifies tool namespaces as local or remote.
	Routing RoutingConfig `yaml:"routing,omitempty"`

	// Permission is the deny/allow/ask policy applied to dependencies and
	// tool calls.
	Permission PermissionConfig `yaml:"permission,omitempty"`

	// Stores configures the on-disk paths of the lockfile and dependency
	// state documents.
	Stores StoresConfig `yaml:"stores,omitempty"`

	// Workflow configures the pending human-approval store.
	Workflow WorkflowConfig `yaml:"workflow,omitempty"`

	// Sandbox configures capability-script execution limits.
	Sandbox SandboxConfig `yaml:"sandbox,omitempty"`

	// Subprocess configures dependency subprocess lifecycle.
	Subprocess SubprocessConfig `yaml:"subprocess,omitempty"`

	// Observability configures tracing/metrics export.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// RegistryConfig configures the capability metadata registry client.
type RegistryConfig struct {
	// BaseURL is the registry's HTTP base, e.g. https://registry.example.com.
	BaseURL string `yaml:"base_url,omitempty"`

	// Timeout bounds a single metadata fetch. Never retried.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// CacheSize bounds the in-memory LRU of fetched metadata documents.
	CacheSize int `yaml:"cache_size,omitempty"`
}

// RemoteConfig configures the cloud endpoint remote-classified tool calls
// are forwarded to.
type RemoteConfig struct {
	// Endpoint is the base URL nested mcp.<ns>.<action> calls are POSTed to
	// when their namespace classifies as remote.
	Endpoint string `yaml:"endpoint,omitempty"`

	// AuthEnvVar names the environment variable holding the bearer token
	// sent with every remote call.
	AuthEnvVar string `yaml:"auth_env_var,omitempty"`
}

// RoutingConfig declares which namespaces are local (subprocess-backed) or
// remote (cloud-backed), with a default for anything unlisted.
type RoutingConfig struct {
	Local   []string `yaml:"local,omitempty"`
	Remote  []string `yaml:"remote,omitempty"`
	Default string   `yaml:"default,omitempty"`
}

// PermissionConfig is the deny/allow/ask glob policy.
type PermissionConfig struct {
	Deny  []string `yaml:"deny,omitempty"`
	Allow []string `yaml:"allow,omitempty"`
	Ask   []string `yaml:"ask,omitempty"`
}

// StoresConfig locates the two on-disk documents the loader persists to.
type StoresConfig struct {
	LockfilePath string `yaml:"lockfile_path,omitempty"`
	DepStatePath string `yaml:"depstate_path,omitempty"`

	// AutoApproveNewCapabilities controls the lockfile's first-seen policy.
	AutoApproveNewCapabilities bool `yaml:"auto_approve_new_capabilities,omitempty"`
}

// WorkflowConfig configures the pending-approval store.
type WorkflowConfig struct {
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// SandboxConfig bounds capability-script execution.
type SandboxConfig struct {
	ExecutionTimeout time.Duration `yaml:"execution_timeout,omitempty"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout,omitempty"`
}

// SubprocessConfig configures dependency subprocess lifecycle.
type SubprocessConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
}

// ObservabilityConfig toggles tracing/metrics export.
type ObservabilityConfig struct {
	Enabled        bool   `yaml:"enabled,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	MetricsAddress string `yaml:"metrics_address,omitempty"`
}

// Default values applied by ApplyDefaults to any field left at its zero
// value, mirroring each owning package's own DefaultXxx constant so a bare
// RuntimeConfig{} behaves the same as each package's own New/no-option form.
const (
	DefaultRegistryTimeout   = 10 * time.Second
	DefaultRegistryCacheSize = 100
	DefaultWorkflowTTL       = 5 * time.Minute
	DefaultExecutionTimeout  = 30 * time.Second
	DefaultRPCTimeout        = 15 * time.Second
	DefaultSubprocessCall    = 30 * time.Second
	DefaultSubprocessIdle    = 5 * time.Minute
	DefaultRoutingClass      = "remote"
)

// ApplyDefaults fills every zero-valued field this package owns defaults
// for. Called once after unmarshal, before the config is handed to callers
// that build a runtime.Loader from it.
func (c *RuntimeConfig) ApplyDefaults() {
	if c.Registry.Timeout <= 0 {
		c.Registry.Timeout = DefaultRegistryTimeout
	}
	if c.Registry.CacheSize <= 0 {
		c.Registry.CacheSize = DefaultRegistryCacheSize
	}
	if c.Routing.Default == "" {
		c.Routing.Default = DefaultRoutingClass
	}
	if c.Workflow.TTL <= 0 {
		c.Workflow.TTL = DefaultWorkflowTTL
	}
	if c.Sandbox.ExecutionTimeout <= 0 {
		c.Sandbox.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.Sandbox.RPCTimeout <= 0 {
		c.Sandbox.RPCTimeout = DefaultRPCTimeout
	}
	if c.Subprocess.CallTimeout <= 0 {
		c.Subprocess.CallTimeout = DefaultSubprocessCall
	}
	if c.Subprocess.IdleTimeout <= 0 {
		c.Subprocess.IdleTimeout = DefaultSubprocessIdle
	}
	if c.Stores.LockfilePath == "" {
		c.Stores.LockfilePath = "lockfile.json"
	}
	if c.Stores.DepStatePath == "" {
		c.Stores.DepStatePath = "depstate.json"
	}
}

// Validate checks the fields ApplyDefaults cannot safely default: the
// registry base URL is always required, and a remote auth env var without
// an endpoint (or vice versa) is a configuration mistake worth catching
// before the loader starts routing calls against it.
func (c *RuntimeConfig) Validate() error {
	if c.Registry.BaseURL == "" {
		return fmt.Errorf("runtimeconfig: registry.base_url is required")
	}
	if (c.Remote.Endpoint == "") != (c.Remote.AuthEnvVar == "") {
		return fmt.Errorf("runtimeconfig: remote.endpoint and remote.auth_env_var must both be set or both be empty")
	}
	switch c.Routing.Default {
	case "", "local", "remote":
	default:
		return fmt.Errorf("runtimeconfig: routing.default must be %q or %q, got %q", "local", "remote", c.Routing.Default)
	}
	return nil
}
