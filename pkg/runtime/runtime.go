// Package runtime is the capability loader: the orchestrator that ties
// every other component together into the runtime's one user-facing
// operation, invoke a tool by identifier. It resolves a capability's
// metadata, satisfies its declared dependencies, verifies its code's
// integrity, and runs it in a sandbox, routing any nested mcp.*.* calls the
// capability code makes back out through subprocesses, remote HTTP
// endpoints, or recursive capability loads.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/casys-ai/cer/pkg/capid"
	"github.com/casys-ai/cer/pkg/cererr"
	"github.com/casys-ai/cer/pkg/depstate"
	"github.com/casys-ai/cer/pkg/environment"
	"github.com/casys-ai/cer/pkg/installer"
	"github.com/casys-ai/cer/pkg/lockfile"
	"github.com/casys-ai/cer/pkg/observability"
	"github.com/casys-ai/cer/pkg/permission"
	"github.com/casys-ai/cer/pkg/registryclient"
	"github.com/casys-ai/cer/pkg/routing"
	"github.com/casys-ai/cer/pkg/sandbox"
	"github.com/casys-ai/cer/pkg/subprocess"
	"github.com/casys-ai/cer/pkg/trace"
	"github.com/casys-ai/cer/pkg/workflow"
)

// Continuation resumes a suspended workflow: Approved true re-enters the
// step that suspended with permission to proceed (installing a dependency,
// trusting a changed code hash); Approved false aborts it.
type Continuation struct {
	WorkflowID string
	Approved   bool
}

// Approval is returned in place of a result whenever the loader suspends
// for human confirmation. It is never an error: a capability that requires
// a human in the loop is a normal, successful outcome of Load/Call.
type Approval struct {
	WorkflowID string
	Record     workflow.Record
}

// LoadOutcome is the result of Load: exactly one of Loaded or Approval is
// set.
type LoadOutcome struct {
	Loaded   *Loaded
	Approval *Approval
}

// CallOutcome is the result of Call: exactly one of Result or Approval is
// set.
type CallOutcome struct {
	Result   *sandbox.Result
	Approval *Approval
}

// Loaded is a capability whose dependencies are satisfied and whose code
// has been fetched and integrity-checked. It is safe to Call repeatedly.
type Loaded struct {
	identifier string
	metadata   registryclient.Metadata
	code       string
	loader     *Loader
}

// Identifier returns the identifier this Loaded was resolved from.
func (l *Loaded) Identifier() string { return l.identifier }

// Call runs the capability's code once, tracing the run if tracer is
// non-nil.
func (l *Loaded) Call(ctx context.Context, args map[string]any, tracer *trace.Collector) (sandbox.Result, error) {
	sb := sandbox.New(l.loader.sandboxOpts...)
	handler := func(callCtx context.Context, identifier string, callArgs map[string]any) (map[string]any, error) {
		return l.loader.routeMcpCall(callCtx, l.metadata, identifier, callArgs, tracer)
	}

	ctx, span := l.loader.obs.Tracer().StartSandboxExecution(ctx, l.metadata.FQCN)
	defer span.End()

	result, err := sb.Execute(ctx, l.code, args, handler)
	l.loader.obs.Metrics().RecordSandboxRun(l.metadata.FQCN, result.Duration, isTimeout(err))
	if err != nil {
		l.loader.obs.Tracer().RecordError(span, err)
	}
	return result, err
}

func isTimeout(err error) bool {
	var cerr *cererr.Error
	return errors.As(err, &cerr) && cerr.Kind == cererr.ExecutionTimeout
}

// Config configures a Loader.
type Config struct {
	RegistryClient *registryclient.Client
	Lockfile       *lockfile.Lockfile
	DepState       *depstate.Store
	Installer      *installer.Installer
	Subprocesses   *subprocess.Manager
	Permissions    *permission.Checker
	Routing        *routing.Table
	Workflows      *workflow.Store

	// RemoteEndpoint is the base URL a "remote"-classified namespace call
	// is forwarded to; RemoteAuthEnvVar names the environment variable
	// holding the bearer credential for that endpoint.
	RemoteEndpoint   string
	RemoteAuthEnvVar string

	HTTPTimeout time.Duration
	SandboxOpts []sandbox.Option

	// Observability emits spans and metrics for Load/Call and every
	// dependency/subprocess/remote step along the way. A nil Manager is
	// equivalent to observability.NoopManager() — every accessor on it is
	// nil-receiver-safe.
	Observability *observability.Manager
}

// Loader is the orchestrator (component K). One Loader instance serves the
// whole process; Load/Call are safe for concurrent use.
type Loader struct {
	registry     *registryclient.Client
	lockfileDoc  *lockfile.Lockfile
	depstate     *depstate.Store
	installer    *installer.Installer
	subprocesses *subprocess.Manager
	permissions  *permission.Checker
	routing      *routing.Table
	workflows    *workflow.Store

	remoteEndpoint   string
	remoteAuthEnvVar string
	httpClient       *http.Client
	sandboxOpts      []sandbox.Option
	obs              *observability.Manager

	cacheMu sync.Mutex
	cache   map[string]*Loaded
}

func New(cfg Config) *Loader {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = registryclient.DefaultTimeout
	}
	obs := cfg.Observability
	if obs == nil {
		obs = observability.NoopManager()
	}
	return &Loader{
		registry:         cfg.RegistryClient,
		lockfileDoc:      cfg.Lockfile,
		depstate:         cfg.DepState,
		installer:        cfg.Installer,
		subprocesses:     cfg.Subprocesses,
		permissions:      cfg.Permissions,
		routing:          cfg.Routing,
		workflows:        cfg.Workflows,
		remoteEndpoint:   cfg.RemoteEndpoint,
		remoteAuthEnvVar: cfg.RemoteAuthEnvVar,
		httpClient:       &http.Client{Timeout: timeout},
		sandboxOpts:      cfg.SandboxOpts,
		obs:              obs,
		cache:            make(map[string]*Loaded),
	}
}

func (l *Loader) getCached(identifier string) (*Loaded, bool) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	loaded, ok := l.cache[identifier]
	return loaded, ok
}

func (l *Loader) putCached(identifier string, loaded *Loaded) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if _, exists := l.cache[identifier]; !exists {
		l.cache[identifier] = loaded
	}
}

// Load resolves identifier to a runnable Loaded capability, satisfying
// dependencies and integrity checks along the way. If any step requires
// human approval and no matching continuation is supplied, Load suspends
// and returns an Approval instead of failing.
func (l *Loader) Load(ctx context.Context, identifier string, cont *Continuation) (LoadOutcome, error) {
	if loaded, ok := l.getCached(identifier); ok {
		l.obs.Metrics().RecordLoadCacheHit(identifier)
		return LoadOutcome{Loaded: loaded}, nil
	}

	start := time.Now()
	ctx, span := l.obs.Tracer().StartCapabilityLoad(ctx, identifier)
	defer span.End()

	outcome, err := l.load(ctx, identifier, cont)
	if err != nil {
		l.obs.Tracer().RecordError(span, err)
		return outcome, err
	}
	if outcome.Approval != nil {
		l.obs.Tracer().AddApprovalSuspended(span, outcome.Approval.WorkflowID, "load")
		l.obs.Metrics().IncPendingApproval("load")
		return outcome, nil
	}
	l.obs.Metrics().RecordLoad(identifier, time.Since(start))
	return outcome, nil
}

// load resolves identifier to a runnable Loaded capability, satisfying
// dependencies and integrity checks along the way. If any step requires
// human approval and no matching continuation is supplied, load suspends
// and returns an Approval instead of failing.
func (l *Loader) load(ctx context.Context, identifier string, cont *Continuation) (LoadOutcome, error) {
	forceNamespace := ""
	var approvedIntegrity *integrityApproval
	if cont != nil {
		rec, err := l.workflows.Get(cont.WorkflowID)
		if err != nil {
			return LoadOutcome{}, err
		}
		if !cont.Approved {
			l.workflows.Delete(cont.WorkflowID)
			return LoadOutcome{}, cererr.New(cererr.DependencyNotApproved, "human rejected the pending approval", map[string]any{
				"identifier": rec.Identifier,
			})
		}
		l.workflows.Delete(cont.WorkflowID)
		if reason, _ := rec.Context["reason"].(string); reason == "integrity" {
			approvedIntegrity = &integrityApproval{
				fqcnBase: stringContext(rec.Context, "fqcnBase"),
				hash:     stringContext(rec.Context, "hash"),
				kind:     stringContext(rec.Context, "kind"),
			}
		} else {
			forceNamespace = rec.Identifier
		}
	}

	fetchResult, err := l.registry.Fetch(ctx, identifier)
	if err != nil {
		return LoadOutcome{}, err
	}
	meta := fetchResult.Metadata

	for _, dep := range meta.Dependencies {
		force := dep.Namespace == forceNamespace
		rec, err := l.ensureDependency(ctx, dep, force)
		if err != nil {
			return LoadOutcome{}, err
		}
		if rec != nil {
			return LoadOutcome{Approval: &Approval{WorkflowID: rec.ID, Record: *rec}}, nil
		}
	}

	code, err := l.fetchCode(ctx, meta.CodeURL)
	if err != nil {
		return LoadOutcome{}, err
	}

	if l.lockfileDoc != nil {
		fqcn, ferr := capid.FromDotted(meta.FQCN)
		if ferr != nil {
			return LoadOutcome{}, cererr.Wrap(cererr.MetadataParseError, "capability metadata has an invalid FQCN", ferr, map[string]any{"fqcn": meta.FQCN})
		}
		base, berr := fqcn.Base()
		if berr != nil {
			return LoadOutcome{}, cererr.Wrap(cererr.MetadataParseError, "capability FQCN has no lockfile base key", berr, map[string]any{"fqcn": meta.FQCN})
		}
		hash := lockfile.HashCode(code)

		if approvedIntegrity != nil && approvedIntegrity.fqcnBase == base {
			if err := l.lockfileDoc.Approve(base, hash, approvedIntegrity.kind); err != nil {
				return LoadOutcome{}, err
			}
		} else {
			valid, verr := l.lockfileDoc.Validate(base, hash, "capability")
			// A hash that no longer matches the approved entry suspends for
			// integrity approval like an unapproved one; other errors fail.
			if verr != nil && !cererr.Is(verr, cererr.DependencyIntegrity) {
				return LoadOutcome{}, verr
			}
			if !valid {
				rec := l.workflows.Create(workflow.KindDependency, identifier, false, map[string]any{
					"reason":   "integrity",
					"fqcnBase": base,
					"hash":     hash,
					"kind":     "capability",
				})
				return LoadOutcome{Approval: &Approval{WorkflowID: rec.ID, Record: rec}}, nil
			}
		}
	}

	loaded := &Loaded{identifier: identifier, metadata: meta, code: string(code), loader: l}
	l.putCached(identifier, loaded)
	return LoadOutcome{Loaded: loaded}, nil
}

type integrityApproval struct {
	fqcnBase string
	hash     string
	kind     string
}

func stringContext(ctx map[string]any, key string) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx[key].(string)
	return s
}

// ensureDependency runs the three-step check from component K's algorithm,
// returning a pending workflow.Record when human approval is needed and nil
// when the dependency is already satisfied.
func (l *Loader) ensureDependency(ctx context.Context, dep registryclient.DependencySpec, forceInstall bool) (*workflow.Record, error) {
	_, span := l.obs.Tracer().StartDependencyEnsure(ctx, dep.Namespace, dep.Version)
	defer span.End()

	if l.depstate != nil && dep.Namespace != "" {
		if dep.Version != "" {
			if inst, ok := l.depstate.Get(dep.Namespace); ok && inst.Version == dep.Version {
				l.obs.Metrics().RecordDependencyCheck(dep.Namespace, "installed")
				return nil, nil
			}
		} else if l.depstate.Installed(dep.Namespace) {
			l.obs.Metrics().RecordDependencyCheck(dep.Namespace, "installed")
			return nil, nil
		}
	}

	if len(dep.RequiredEnv) > 0 {
		results, verr := environment.Validate(dep.RequiredEnv)
		if verr != nil || environment.NeedsReview(results) {
			rec := l.workflows.Create(workflow.KindDependency, dep.Namespace, true, map[string]any{
				"reason":  "credential",
				"results": envResultsToContext(results),
			})
			l.obs.Tracer().AddApprovalSuspended(span, rec.ID, "credential")
			l.obs.Metrics().RecordDependencyCheck(dep.Namespace, "pending")
			return &rec, nil
		}
	}

	decision := l.permissions.CheckNamespace(dep.Namespace)
	switch decision {
	case permission.Denied:
		err := cererr.New(cererr.ToolDenied, "dependency namespace is denied by policy", map[string]any{
			"namespace": dep.Namespace,
		})
		l.obs.Metrics().RecordDependencyCheck(dep.Namespace, "denied")
		l.obs.Tracer().RecordError(span, err)
		return nil, err
	case permission.Ask:
		if !forceInstall {
			rec := l.workflows.Create(workflow.KindDependency, dep.Namespace, true, map[string]any{
				"reason": "permission",
			})
			l.obs.Tracer().AddApprovalSuspended(span, rec.ID, "permission")
			l.obs.Metrics().RecordDependencyCheck(dep.Namespace, "pending")
			return &rec, nil
		}
		fallthrough
	case permission.Allowed:
		l.obs.Metrics().RecordDependencyCheck(dep.Namespace, "approved")
		if l.installer == nil {
			return nil, nil
		}
		installStart := time.Now()
		_, installSpan := l.obs.Tracer().StartDependencyInstall(ctx, dep.Namespace, dep.Version)
		_, err := l.installer.Install(ctx, installer.Dependency{
			Name:           dep.Namespace,
			Version:        dep.Version,
			InstallCommand: dep.InstallCommand,
		})
		l.obs.Metrics().RecordInstall(dep.Namespace, time.Since(installStart), err)
		if err != nil {
			l.obs.Tracer().RecordError(installSpan, err)
			installSpan.End()
			return nil, err
		}
		installSpan.End()
	}
	return nil, nil
}

func envResultsToContext(results []environment.Result) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{"name": r.Name, "status": string(r.Status)})
	}
	return out
}

func (l *Loader) fetchCode(ctx context.Context, codeURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, codeURL, nil)
	if err != nil {
		return nil, cererr.Wrap(cererr.ModuleImportFailed, "failed to build capability code request", err, map[string]any{"codeUrl": codeURL})
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, cererr.Wrap(cererr.ModuleImportFailed, "failed to fetch capability code", err, map[string]any{"codeUrl": codeURL})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cererr.Wrap(cererr.ModuleImportFailed, "failed to read capability code response", err, map[string]any{"codeUrl": codeURL})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, cererr.New(cererr.ModuleImportFailed, "capability code endpoint returned a non-200 status", map[string]any{
			"codeUrl":    codeURL,
			"statusCode": resp.StatusCode,
		})
	}
	return body, nil
}

// Call loads identifier if needed, then runs it with args, tracing the
// whole invocation.
func (l *Loader) Call(ctx context.Context, identifier string, args map[string]any, cont *Continuation) (CallOutcome, error) {
	outcome, err := l.Load(ctx, identifier, cont)
	if err != nil {
		return CallOutcome{}, err
	}
	if outcome.Approval != nil {
		return CallOutcome{Approval: outcome.Approval}, nil
	}

	start := time.Now()
	ctx, span := l.obs.Tracer().StartCapabilityCall(ctx, identifier, outcome.Loaded.metadata.Version)
	defer span.End()

	tracer := trace.New(identifier, "", nil)
	result, err := outcome.Loaded.Call(ctx, args, tracer)
	if _, ferr := tracer.Finalize(err == nil, err); ferr != nil {
		l.obs.Tracer().RecordError(span, ferr)
		return CallOutcome{}, ferr
	}
	l.obs.Metrics().RecordCall(identifier, time.Since(start), err)
	if err != nil {
		l.obs.Tracer().RecordError(span, err)
		return CallOutcome{}, err
	}
	l.obs.Tracer().AddPayload(span, fmt.Sprint(args), fmt.Sprint(result.Value))
	return CallOutcome{Result: &result}, nil
}

// routeMcpCall dispatches one nested mcp.<namespace>.<action> call made
// from inside a running capability's sandbox, per component K's
// routeMcpCall algorithm.
func (l *Loader) routeMcpCall(ctx context.Context, meta registryclient.Metadata, identifier string, args map[string]any, tracer *trace.Collector) (map[string]any, error) {
	id := capid.ParseIdentifier(identifier)
	start := time.Now()

	for _, dep := range meta.Dependencies {
		if dep.Namespace != id.Namespace {
			continue
		}
		taskID := l.traceBranch(tracer, identifier, "subprocess", fmt.Sprintf("dependency %q", dep.Namespace))
		_, span := l.obs.Tracer().StartSubprocessCall(ctx, dep.Namespace, dep.Command, id.Action)
		spec := subprocess.Spec{Command: dep.Command, Args: dep.Args}
		result, err := l.subprocesses.Call(ctx, dep.Namespace, spec, id.Action, args)
		l.obs.Metrics().RecordSubprocessCall(dep.Namespace, time.Since(start), err)
		if err != nil {
			l.obs.Tracer().RecordError(span, err)
		}
		span.End()
		l.traceCall(tracer, taskID, identifier, args, result, err, start)
		return result, err
	}

	switch l.routing.ClassifyNamespace(id.Namespace) {
	case routing.Remote:
		taskID := l.traceBranch(tracer, identifier, "remote", l.remoteEndpoint)
		_, span := l.obs.Tracer().StartRemoteCall(ctx, l.remoteEndpoint, identifier)
		result, err := l.callRemote(ctx, identifier, args)
		l.obs.Metrics().RecordRemoteCall(id.Namespace, time.Since(start), err)
		if err != nil {
			l.obs.Tracer().RecordError(span, err)
		}
		span.End()
		l.traceCall(tracer, taskID, identifier, args, result, err, start)
		return result, err
	default:
		taskID := l.traceBranch(tracer, identifier, "capability", "recursive local call")
		outcome, err := l.Call(ctx, identifier, args, nil)
		if err == nil && outcome.Approval != nil {
			err = cererr.New(cererr.CodeError, "nested capability call requires human approval and cannot suspend mid-execution", map[string]any{
				"identifier": identifier,
				"workflowId": outcome.Approval.WorkflowID,
			})
		}
		var result map[string]any
		if err == nil {
			result = map[string]any{"value": outcome.Result.Value}
		}
		l.traceCall(tracer, taskID, identifier, args, result, err, start)
		return result, err
	}
}

func (l *Loader) traceBranch(tracer *trace.Collector, identifier, route, detail string) string {
	if tracer == nil {
		return ""
	}
	taskID := fmt.Sprintf("pending:%s", identifier)
	_ = tracer.RecordBranch(taskID, identifier, route, detail)
	return taskID
}

func (l *Loader) traceCall(tracer *trace.Collector, taskID, identifier string, args, result map[string]any, err error, start time.Time) {
	if tracer == nil {
		return
	}
	_, _ = tracer.RecordMCPCall(identifier, args, result, err, time.Since(start), start)
}

// callRemote forwards identifier/args to the configured cloud endpoint over
// HTTP, authorizing with the bearer token found under RemoteAuthEnvVar.
func (l *Loader) callRemote(ctx context.Context, identifier string, args map[string]any) (map[string]any, error) {
	if l.remoteAuthEnvVar == "" || environment.Check(l.remoteAuthEnvVar) != environment.Present {
		return nil, cererr.New(cererr.EnvMissing, "remote call credential is not configured", map[string]any{
			"variable": l.remoteAuthEnvVar,
		})
	}
	token, _ := os.LookupEnv(l.remoteAuthEnvVar)

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, cererr.Wrap(cererr.CodeError, "failed to marshal remote call arguments", err, map[string]any{"identifier": identifier})
	}

	url := l.remoteEndpoint + "/" + identifier
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, cererr.Wrap(cererr.SubprocessCallFailed, "failed to build remote call request", err, map[string]any{"identifier": identifier})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, cererr.Wrap(cererr.SubprocessCallFailed, "remote call failed", err, map[string]any{"identifier": identifier})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cererr.Wrap(cererr.SubprocessCallFailed, "failed to read remote call response", err, map[string]any{"identifier": identifier})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, cererr.New(cererr.SubprocessCallFailed, "remote endpoint returned a non-200 status", map[string]any{
			"identifier": identifier,
			"statusCode": resp.StatusCode,
		})
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, cererr.Wrap(cererr.CodeError, "failed to parse remote call response", err, map[string]any{"identifier": identifier})
	}
	return result, nil
}
