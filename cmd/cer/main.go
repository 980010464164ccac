// Command cer loads and runs a capability by identifier against a running
// CER environment.
//
// Usage:
//
//	cer invoke fs:read --args '{"path":"/tmp/x"}'
//	cer invoke fs:read --workflow-id wf-123 --approve
//	cer version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/casys-ai/cer/pkg/depstate"
	"github.com/casys-ai/cer/pkg/installer"
	"github.com/casys-ai/cer/pkg/lockfile"
	"github.com/casys-ai/cer/pkg/observability"
	"github.com/casys-ai/cer/pkg/permission"
	"github.com/casys-ai/cer/pkg/registryclient"
	"github.com/casys-ai/cer/pkg/routing"
	"github.com/casys-ai/cer/pkg/runtime"
	"github.com/casys-ai/cer/pkg/runtimeconfig"
	"github.com/casys-ai/cer/pkg/sandbox"
	"github.com/casys-ai/cer/pkg/subprocess"
	"github.com/casys-ai/cer/pkg/workflow"
)

// CLI defines the command-line interface.
type CLI struct {
	Invoke  InvokeCmd  `cmd:"" help:"Load and call a capability by identifier."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to runtime config file." type:"path" default:"cer.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("cer version %s\n", version)
	return nil
}

// InvokeCmd loads a capability and calls it once.
type InvokeCmd struct {
	Identifier string `arg:"" help:"Capability identifier, e.g. fs:read or a dotted FQCN."`
	Args       string `help:"JSON object of call arguments." default:"{}"`

	WorkflowID string `name:"workflow-id" help:"Resume the suspended workflow with this id instead of starting a fresh load."`
	Approve    bool   `help:"Approve the continuation named by --workflow-id (omit to reject it)."`
}

func (c *InvokeCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := runtimeconfig.Load(runtimeconfig.LoaderOptions{Path: cli.Config})
	if err != nil {
		return fmt.Errorf("failed to load runtime config: %w", err)
	}

	loader, obs, err := buildLoader(ctx, cfg)
	defer func() { _ = obs.Shutdown(ctx) }()
	if err != nil {
		return err
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	var cont *runtime.Continuation
	if c.WorkflowID != "" {
		cont = &runtime.Continuation{WorkflowID: c.WorkflowID, Approved: c.Approve}
	}

	outcome, err := loader.Call(ctx, c.Identifier, args, cont)
	if err != nil {
		return fmt.Errorf("invoke failed: %w", err)
	}

	if outcome.Approval != nil {
		fmt.Printf("suspended for approval: workflow-id=%s identifier=%s\n", outcome.Approval.WorkflowID, outcome.Approval.Record.Identifier)
		fmt.Printf("resume with: cer invoke %s --workflow-id %s --approve\n", c.Identifier, outcome.Approval.WorkflowID)
		return nil
	}

	out, err := json.MarshalIndent(outcome.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// buildLoader wires every component config names into a runtime.Loader, per
// the loader's own Config shape.
func buildLoader(ctx context.Context, cfg *runtimeconfig.RuntimeConfig) (*runtime.Loader, *observability.Manager, error) {
	obsCfg := &observability.Config{
		Tracing: observability.TracingConfig{
			Enabled:     cfg.Observability.Enabled,
			ServiceName: cfg.Observability.ServiceName,
			Endpoint:    cfg.Observability.OTLPEndpoint,
		},
		Metrics: observability.MetricsConfig{
			Enabled:  cfg.Observability.Enabled,
			Endpoint: cfg.Observability.MetricsAddress,
		},
	}
	obs, err := observability.NewManager(ctx, obsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	registry, err := registryclient.New(cfg.Registry.BaseURL)
	if err != nil {
		return nil, obs, fmt.Errorf("failed to build registry client: %w", err)
	}

	lf, err := lockfile.New(cfg.Stores.LockfilePath, lockfile.WithAutoApproveNew(cfg.Stores.AutoApproveNewCapabilities))
	if err != nil {
		return nil, obs, fmt.Errorf("failed to load lockfile: %w", err)
	}

	ds, err := depstate.Load(cfg.Stores.DepStatePath)
	if err != nil {
		return nil, obs, fmt.Errorf("failed to load dependency state: %w", err)
	}

	inst := installer.New(cfg.Registry.BaseURL, ds)

	subprocesses := subprocess.New(
		subprocess.WithCallTimeout(cfg.Subprocess.CallTimeout),
		subprocess.WithIdleTimeout(cfg.Subprocess.IdleTimeout),
	)

	perms := permission.New(permission.Policy{
		Deny:  cfg.Permission.Deny,
		Allow: cfg.Permission.Allow,
		Ask:   cfg.Permission.Ask,
	})

	routingTable := routing.New(routing.Config{
		LocalNamespaces:  cfg.Routing.Local,
		RemoteNamespaces: cfg.Routing.Remote,
		Default:          routing.Class(cfg.Routing.Default),
	})

	workflows := workflow.New(cfg.Workflow.TTL)

	loader := runtime.New(runtime.Config{
		RegistryClient:   registry,
		Lockfile:         lf,
		DepState:         ds,
		Installer:        inst,
		Subprocesses:     subprocesses,
		Permissions:      perms,
		Routing:          routingTable,
		Workflows:        workflows,
		RemoteEndpoint:   cfg.Remote.Endpoint,
		RemoteAuthEnvVar: cfg.Remote.AuthEnvVar,
		HTTPTimeout:      cfg.Registry.Timeout,
		Observability:    obs,
		SandboxOpts: []sandbox.Option{
			sandbox.WithExecutionTimeout(cfg.Sandbox.ExecutionTimeout),
			sandbox.WithRPCTimeout(cfg.Sandbox.RPCTimeout),
		},
	})

	return loader, obs, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("cer"),
		kong.Description("CER - Capability Execution Runtime"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
