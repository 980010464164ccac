package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casys-ai/cer/pkg/cererr"
)

// Metrics provides Prometheus metrics collection for a CER process: how
// long capabilities take to load and run, how dependency resolution and
// installs go, and how nested tool calls split across subprocess, remote,
// and recursive-local routes.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	// Capability load/call metrics
	loads           *prometheus.CounterVec
	loadDuration    *prometheus.HistogramVec
	loadCacheHits   *prometheus.CounterVec
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	callErrors      *prometheus.CounterVec
	pendingApproval *prometheus.GaugeVec

	// Dependency resolution metrics
	dependencyChecks   *prometheus.CounterVec
	installs           *prometheus.CounterVec
	installDuration    *prometheus.HistogramVec
	installErrors      *prometheus.CounterVec

	// Sandbox execution metrics
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec
	sandboxTimeouts *prometheus.CounterVec

	// Subprocess call metrics
	subprocessCalls    *prometheus.CounterVec
	subprocessDuration *prometheus.HistogramVec
	subprocessErrors   *prometheus.CounterVec

	// Remote call metrics
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	remoteErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance from configuration.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	m.initLoadMetrics()
	m.initDependencyMetrics()
	m.initSandboxMetrics()
	m.initSubprocessMetrics()
	m.initRemoteMetrics()

	return m, nil
}

func (m *Metrics) initLoadMetrics() {
	m.loads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "loads_total",
			Help:        "Total number of capability load attempts",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "load_duration_seconds",
			Help:        "Time to fetch, resolve dependencies for, and verify a capability",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to 163s
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.loadCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "load_cache_hits_total",
			Help:        "Total number of loads served from the in-process cache without a registry round trip",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "calls_total",
			Help:        "Total number of capability invocations",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "call_duration_seconds",
			Help:        "Capability invocation duration, including sandboxed execution and nested tool calls",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 15),
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.callErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "call_errors_total",
			Help:        "Total number of capability invocation errors",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn", "error_type"},
	)

	m.pendingApproval = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "loader",
			Name:        "pending_approvals",
			Help:        "Number of loads/calls currently suspended awaiting human approval",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"reason"},
	)

	m.registry.MustRegister(m.loads, m.loadDuration, m.loadCacheHits, m.calls, m.callDuration, m.callErrors, m.pendingApproval)
}

func (m *Metrics) initDependencyMetrics() {
	m.dependencyChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "dependency",
			Name:        "checks_total",
			Help:        "Total number of dependency resolution checks, by outcome",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace", "outcome"},
	)

	m.installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "dependency",
			Name:        "installs_total",
			Help:        "Total number of dependency artifact installs",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "dependency",
			Name:        "install_duration_seconds",
			Help:        "Time to download and verify a dependency artifact",
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.installErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "dependency",
			Name:        "install_errors_total",
			Help:        "Total number of dependency install failures",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.registry.MustRegister(m.dependencyChecks, m.installs, m.installDuration, m.installErrors)
}

func (m *Metrics) initSandboxMetrics() {
	m.sandboxRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "sandbox",
			Name:        "runs_total",
			Help:        "Total number of sandboxed capability executions",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.sandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "sandbox",
			Name:        "run_duration_seconds",
			Help:        "Sandboxed script execution duration",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 15),
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.sandboxTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "sandbox",
			Name:        "timeouts_total",
			Help:        "Total number of sandboxed executions killed for exceeding the execution timeout",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"fqcn"},
	)

	m.registry.MustRegister(m.sandboxRuns, m.sandboxDuration, m.sandboxTimeouts)
}

func (m *Metrics) initSubprocessMetrics() {
	m.subprocessCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "subprocess",
			Name:        "calls_total",
			Help:        "Total number of tool calls dispatched to a local subprocess server",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.subprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "subprocess",
			Name:        "call_duration_seconds",
			Help:        "Subprocess tool call round-trip duration",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.subprocessErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "subprocess",
			Name:        "errors_total",
			Help:        "Total number of subprocess tool call failures, including spawn failures",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.registry.MustRegister(m.subprocessCalls, m.subprocessDuration, m.subprocessErrors)
}

func (m *Metrics) initRemoteMetrics() {
	m.remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "remote",
			Name:        "calls_total",
			Help:        "Total number of tool calls forwarded to the remote HTTP endpoint",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "remote",
			Name:        "call_duration_seconds",
			Help:        "Remote tool call round-trip duration",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 15),
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.remoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   "remote",
			Name:        "errors_total",
			Help:        "Total number of remote tool call failures",
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"namespace"},
	)

	m.registry.MustRegister(m.remoteCalls, m.remoteDuration, m.remoteErrors)
}

// =============================================================================
// Capability load/call
// =============================================================================

// RecordLoad records a registry-backed capability load.
func (m *Metrics) RecordLoad(fqcn string, duration time.Duration) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(fqcn).Inc()
	m.loadDuration.WithLabelValues(fqcn).Observe(duration.Seconds())
}

// RecordLoadCacheHit records a load served entirely from the in-process cache.
func (m *Metrics) RecordLoadCacheHit(fqcn string) {
	if m == nil {
		return
	}
	m.loadCacheHits.WithLabelValues(fqcn).Inc()
}

// RecordCall records a capability invocation.
func (m *Metrics) RecordCall(fqcn string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(fqcn).Inc()
	m.callDuration.WithLabelValues(fqcn).Observe(duration.Seconds())
	if err != nil {
		m.callErrors.WithLabelValues(fqcn, errorType(err)).Inc()
	}
}

// IncPendingApproval marks one more load/call suspended for the given reason.
func (m *Metrics) IncPendingApproval(reason string) {
	if m == nil {
		return
	}
	m.pendingApproval.WithLabelValues(reason).Inc()
}

// DecPendingApproval marks one fewer load/call suspended for the given reason,
// called once the suspended continuation resumes (approved or rejected).
func (m *Metrics) DecPendingApproval(reason string) {
	if m == nil {
		return
	}
	m.pendingApproval.WithLabelValues(reason).Dec()
}

// =============================================================================
// Dependency resolution
// =============================================================================

// RecordDependencyCheck records the outcome of resolving a single declared
// dependency: "installed", "approved", "denied", "pending".
func (m *Metrics) RecordDependencyCheck(namespace, outcome string) {
	if m == nil {
		return
	}
	m.dependencyChecks.WithLabelValues(namespace, outcome).Inc()
}

// RecordInstall records a dependency artifact install.
func (m *Metrics) RecordInstall(namespace string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(namespace).Inc()
	m.installDuration.WithLabelValues(namespace).Observe(duration.Seconds())
	if err != nil {
		m.installErrors.WithLabelValues(namespace).Inc()
	}
}

// =============================================================================
// Sandbox execution
// =============================================================================

// RecordSandboxRun records a sandboxed script execution.
func (m *Metrics) RecordSandboxRun(fqcn string, duration time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(fqcn).Inc()
	m.sandboxDuration.WithLabelValues(fqcn).Observe(duration.Seconds())
	if timedOut {
		m.sandboxTimeouts.WithLabelValues(fqcn).Inc()
	}
}

// =============================================================================
// Subprocess calls
// =============================================================================

// RecordSubprocessCall records a tool call dispatched to a local subprocess.
func (m *Metrics) RecordSubprocessCall(namespace string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.subprocessCalls.WithLabelValues(namespace).Inc()
	m.subprocessDuration.WithLabelValues(namespace).Observe(duration.Seconds())
	if err != nil {
		m.subprocessErrors.WithLabelValues(namespace).Inc()
	}
}

// =============================================================================
// Remote calls
// =============================================================================

// RecordRemoteCall records a tool call forwarded to the remote endpoint.
func (m *Metrics) RecordRemoteCall(namespace string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(namespace).Inc()
	m.remoteDuration.WithLabelValues(namespace).Observe(duration.Seconds())
	if err != nil {
		m.remoteErrors.WithLabelValues(namespace).Inc()
	}
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	if kind, ok := cererr.KindOf(err); ok {
		return string(kind)
	}
	return "unknown"
}

// =============================================================================
// HTTP Handler
// =============================================================================

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
