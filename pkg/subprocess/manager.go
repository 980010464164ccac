// Package subprocess manages the lifecycle of local dependency servers: a
// named external command speaking MCP (JSON-RPC 2.0 over NDJSON stdio) is
// spawned on first use, kept warm across repeated calls, and shut down
// after an idle period or on explicit request.
package subprocess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/casys-ai/cer/pkg/cererr"
)

const (
	// DefaultCallTimeout bounds a single tools/call round-trip.
	DefaultCallTimeout = 30 * time.Second
	// DefaultIdleTimeout is how long a dependency server is kept alive
	// with no calls before it is shut down.
	DefaultIdleTimeout = 5 * time.Minute

	clientName    = "cer"
	clientVersion = "1.0.0"
	protocolVer   = "2024-11-05"
)

// Spec describes how to spawn a dependency's server process.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Manager spawns and multiplexes calls to named subprocess dependencies.
// Safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	handles     map[string]*handle
	callTimeout time.Duration
	idleTimeout time.Duration
}

// handle tracks one live subprocess connection.
type handle struct {
	mu           sync.Mutex
	mcpClient    *client.Client
	lastActivity time.Time
	idleTimer    *time.Timer
	crashed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// New builds a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		handles:     make(map[string]*handle),
		callTimeout: DefaultCallTimeout,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// getOrSpawn returns the live handle for name, spawning and initializing it
// (initialize -> notifications/initialized) if it is not already running
// or if its previous process crashed.
func (m *Manager) getOrSpawn(ctx context.Context, name string, spec Spec) (*handle, error) {
	m.mu.Lock()
	h, ok := m.handles[name]
	if ok {
		h.mu.Lock()
		crashed := h.crashed
		h.mu.Unlock()
		if !crashed {
			m.mu.Unlock()
			return h, nil
		}
		delete(m.handles, name)
	}
	m.mu.Unlock()

	mcpClient, err := client.NewStdioMCPClient(spec.Command, envSlice(spec.Env), spec.Args...)
	if err != nil {
		return nil, cererr.Wrap(cererr.SubprocessSpawnFailed, "failed to spawn dependency process", err, map[string]any{"name": name, "command": spec.Command})
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return nil, cererr.Wrap(cererr.SubprocessSpawnFailed, "failed to start dependency process", err, map[string]any{"name": name, "command": spec.Command})
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVer

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, cererr.Wrap(cererr.SubprocessSpawnFailed, "failed to initialize dependency process", err, map[string]any{"name": name, "command": spec.Command})
	}

	newHandle := &handle{mcpClient: mcpClient, lastActivity: time.Now()}

	m.mu.Lock()
	m.handles[name] = newHandle
	m.mu.Unlock()

	m.armIdleTimer(name, newHandle)

	return newHandle, nil
}

// Call spawns name's process if needed and invokes method with args,
// bounded by the manager's call timeout. A process that exits mid-call is
// reported as a crash and evicted so the next Call respawns it.
func (m *Manager) Call(ctx context.Context, name string, spec Spec, method string, args map[string]any) (map[string]any, error) {
	h, err := m.getOrSpawn(ctx, name, spec)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = method
	req.Params.Arguments = args

	h.mu.Lock()
	mcpClient := h.mcpClient
	h.mu.Unlock()

	resp, err := mcpClient.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, cererr.New(cererr.SubprocessTimeout, "dependency call timed out", map[string]any{"name": name, "method": method})
		}
		m.markCrashed(name, h)
		return nil, cererr.Wrap(cererr.SubprocessCallFailed, "dependency call failed", err, map[string]any{"name": name, "method": method})
	}

	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
	m.armIdleTimer(name, h)

	return parseToolResult(resp), nil
}

func (m *Manager) markCrashed(name string, h *handle) {
	h.mu.Lock()
	h.crashed = true
	h.mu.Unlock()
}

// armIdleTimer (re)starts the idle-shutdown timer for name's handle.
func (m *Manager) armIdleTimer(name string, h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	h.idleTimer = time.AfterFunc(m.idleTimeout, func() {
		_ = m.Shutdown(name)
	})
}

// Shutdown closes name's subprocess, if running.
func (m *Manager) Shutdown(name string) error {
	m.mu.Lock()
	h, ok := m.handles[name]
	if ok {
		delete(m.handles, name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	return h.mcpClient.Close()
}

// ShutdownAll closes every running subprocess.
func (m *Manager) ShutdownAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.Shutdown(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Running reports whether name currently has a live (non-crashed) handle.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.crashed
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// parseToolResult flattens an MCP tool call result into the args-shaped map
// the runtime's sandbox bridge expects, mirroring the "single result / list
// of results" convention other MCP-backed tools in this codebase use.
func parseToolResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)
	if resp.IsError {
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				result["error"] = textContent.Text
				break
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}

	return result
}
