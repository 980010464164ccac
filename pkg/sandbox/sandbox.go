// Package sandbox runs a fetched capability's script body in an isolated
// interpreter, exposing only its declared args and an mcp.<namespace>.<action>
// bridge for nested tool calls. It owns the execution deadline and the
// per-call RPC deadline, and collects any UI resource metadata surfaced by
// bridge calls along the way.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/casys-ai/cer/pkg/cererr"
	"github.com/casys-ai/cer/pkg/sandbox/script"
)

// DefaultExecutionTimeout bounds an entire capability run.
const DefaultExecutionTimeout = 30 * time.Second

// DefaultRPCTimeout bounds a single nested mcp.<ns>.<action> call, distinct
// from the overall execution budget so one slow dependency doesn't need to
// consume the whole run just to report that it was the slow one.
const DefaultRPCTimeout = 15 * time.Second

// CallHandler routes a nested tool call out of the sandbox. identifier is
// the "namespace:action" pair the script addressed as mcp.namespace.action.
type CallHandler func(ctx context.Context, identifier string, args map[string]any) (map[string]any, error)

// UIResource is the `{_meta:{ui:{resourceUri, context}}}` shape a bridge
// call response may carry. Sandbox collects these across the run so the
// caller can render them after execution without scraping the return value.
type UIResource struct {
	ResourceURI string
	Context     map[string]any
}

// Result is everything a capability run produces.
type Result struct {
	Success  bool
	Value    any
	Error    string
	Duration time.Duration
	UI       []UIResource
}

// Option configures a Sandbox.
type Option func(*Sandbox)

func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.execTimeout = d }
}

func WithRPCTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.rpcTimeout = d }
}

// Sandbox executes one capability script per Execute call. It is not
// reentrant: Execute must complete before the Sandbox is reused.
type Sandbox struct {
	execTimeout time.Duration
	rpcTimeout  time.Duration

	active     bool
	terminated bool
	ui         []UIResource
}

func New(opts ...Option) *Sandbox {
	s := &Sandbox{execTimeout: DefaultExecutionTimeout, rpcTimeout: DefaultRPCTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsActive reports whether a run is currently executing.
func (s *Sandbox) IsActive() bool { return s.active }

// Shutdown terminates the sandbox; subsequent Execute calls fail with
// WorkerTerminated. Idempotent.
func (s *Sandbox) Shutdown() {
	s.terminated = true
}

// Execute parses and runs code's top-level `main` function (sync or async)
// with args bound as its sole parameter, routing any mcp.<ns>.<action>(...)
// calls the script makes through handler. The whole run is bounded by the
// sandbox's execution timeout; each individual bridge call is bounded by its
// RPC timeout.
func (s *Sandbox) Execute(ctx context.Context, code string, args map[string]any, handler CallHandler) (Result, error) {
	if s.terminated {
		return Result{}, cererr.New(cererr.WorkerTerminated, "sandbox has been shut down", nil)
	}
	s.active = true
	s.ui = nil
	defer func() { s.active = false }()

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	prog, err := script.Parse(code)
	if err != nil {
		return Result{}, cererr.Wrap(cererr.CodeError, "failed to parse capability code", err, nil)
	}

	in, env := script.NewInterpreter()
	env.Define("mcp", s.buildBridge(ctx, handler))
	env.Define("console", s.buildConsole())

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	go func() {
		if err := in.Run(prog); err != nil {
			errCh <- cererr.Wrap(cererr.CodeError, "capability code failed during top-level execution", err, nil)
			return
		}
		mainFn, ok := env.Get("main")
		if !ok {
			errCh <- cererr.New(cererr.CodeError, "capability code does not define a main function", nil)
			return
		}
		v, err := in.Call(mainFn, []script.Value{toScriptValue(args)})
		if err != nil {
			errCh <- s.classifyError(err)
			return
		}
		if promise, ok := v.(*script.Promise); ok {
			if promise.Err != nil {
				errCh <- cererr.Wrap(cererr.CodeError, "capability rejected", promise.Err, nil)
				return
			}
			v = promise.Value
		}
		resultCh <- Result{Success: true, Value: fromScriptValue(v), Duration: time.Since(start), UI: s.ui}
	}()

	select {
	case <-ctx.Done():
		return Result{}, cererr.New(cererr.ExecutionTimeout, "capability execution exceeded its timeout", map[string]any{
			"timeout": s.execTimeout.String(),
		})
	case err := <-errCh:
		return Result{Success: false, Error: err.Error(), Duration: time.Since(start)}, err
	case res := <-resultCh:
		return res, nil
	}
}

func (s *Sandbox) classifyError(err error) error {
	if cerr, ok := err.(*cererr.Error); ok {
		return cerr
	}
	return cererr.Wrap(cererr.CodeError, "capability code raised an error", err, nil)
}

// buildBridge returns the root `mcp` object. Property access on it is
// resolved lazily by dynamicObject so any namespace.action the script
// addresses works without the sandbox needing to know the namespace set in
// advance.
func (s *Sandbox) buildBridge(ctx context.Context, handler CallHandler) script.Value {
	return &dynamicObject{sandbox: s, ctx: ctx, handler: handler}
}

// dynamicObject implements script.PropertyGetter. Accessing a property
// extends its path; once the path holds a namespace and at least one
// action segment, the same access instead returns a callable Function
// that dispatches the joined path as a tool identifier.
type dynamicObject struct {
	sandbox *Sandbox
	ctx     context.Context
	handler CallHandler
	path    []string
}

func (d *dynamicObject) GetProperty(key string) (script.Value, error) {
	path := make([]string, len(d.path)+1)
	copy(path, d.path)
	path[len(d.path)] = key

	if len(path) < 2 {
		return &dynamicObject{sandbox: d.sandbox, ctx: d.ctx, handler: d.handler, path: path}, nil
	}

	identifier := identifierOf(path[0], strings.Join(path[1:], "."))
	return &script.Function{
		Async: true,
		Native: func(args []script.Value) (script.Value, error) {
			var argMap map[string]any
			if len(args) > 0 {
				if m, ok := fromScriptValue(args[0]).(map[string]any); ok {
					argMap = m
				}
			}
			result, err := d.sandbox.mcpCall(d.ctx, d.handler, identifier, argMap)
			if err != nil {
				return nil, err
			}
			return toScriptValue(result), nil
		},
	}, nil
}

func (s *Sandbox) buildConsole() map[string]script.Value {
	return map[string]script.Value{
		"log": &script.Function{
			Native: func(args []script.Value) (script.Value, error) {
				return nil, nil
			},
		},
	}
}

// mcpCall performs one namespace.action dispatch through handler, recording
// any UI resource metadata the response carries.
func (s *Sandbox) mcpCall(ctx context.Context, handler CallHandler, identifier string, args map[string]any) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	result, err := handler(callCtx, identifier, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, cererr.New(cererr.RPCTimeout, fmt.Sprintf("call to %q exceeded its RPC timeout", identifier), map[string]any{
				"identifier": identifier,
				"timeout":    s.rpcTimeout.String(),
			})
		}
		return nil, err
	}

	if meta, ok := result["_meta"].(map[string]any); ok {
		if uiMeta, ok := meta["ui"].(map[string]any); ok {
			resource := UIResource{}
			if uri, ok := uiMeta["resourceUri"].(string); ok {
				resource.ResourceURI = uri
			}
			if c, ok := uiMeta["context"].(map[string]any); ok {
				resource.Context = c
			}
			s.ui = append(s.ui, resource)
		}
	}

	return result, nil
}

func toScriptValue(v any) script.Value {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]script.Value, len(x))
		for k, val := range x {
			out[k] = toScriptValue(val)
		}
		return out
	case []any:
		out := make([]script.Value, len(x))
		for i, val := range x {
			out[i] = toScriptValue(val)
		}
		return out
	case string, bool:
		return x
	case float64:
		return x
	case int:
		return float64(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func fromScriptValue(v script.Value) any {
	switch x := v.(type) {
	case map[string]script.Value:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = fromScriptValue(val)
		}
		return out
	case []script.Value:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = fromScriptValue(val)
		}
		return out
	default:
		return x
	}
}

// identifierOf joins namespace and action the way routing and capid expect.
func identifierOf(namespace, action string) string {
	return strings.Join([]string{namespace, action}, ":")
}
