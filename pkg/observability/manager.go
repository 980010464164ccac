package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Manager owns the lifetime of a process's tracer and metrics registry. A
// *Manager is always safe to call methods on, including a nil one — the
// loader holds one unconditionally and only NewManager decides whether
// tracing or metrics actually do anything.
type Manager struct {
	config  *Config
	tracer  *Tracer
	metrics *Metrics
}

// NewManager builds a Manager from configuration, starting only the pieces
// cfg.Tracing/cfg.Metrics enable. A nil cfg yields an inert Manager
// equivalent to NoopManager().
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if cfg == nil {
		return &Manager{}, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observability config: %w", err)
	}

	m := &Manager{config: cfg}

	if cfg.Tracing.Enabled {
		tracer, err := buildTracer(ctx, &cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.tracer = tracer
	}

	if cfg.Metrics.Enabled {
		metrics, err := NewMetrics(&cfg.Metrics)
		if err != nil {
			_ = m.tracer.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		m.metrics = metrics
		slog.Info("observability: metrics initialized", "endpoint", cfg.Metrics.Endpoint, "namespace", cfg.Metrics.Namespace)
	}

	return m, nil
}

func buildTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	var opts []TracerOption
	if cfg.IsDebugExporterEnabled() {
		opts = append(opts, WithDebugExporter(NewDebugExporter()))
	}
	if cfg.CapturePayloads {
		opts = append(opts, WithCapturePayloads(true))
	}

	tracer, err := NewTracer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	slog.Info("observability: tracing initialized",
		"exporter", cfg.Exporter,
		"endpoint", cfg.Endpoint,
		"sampling_rate", cfg.SamplingRate,
	)
	return tracer, nil
}

// Tracer returns the span tracer the loader instruments capability loads,
// calls, and nested dispatch with, or nil if tracing is disabled.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// Metrics returns the Prometheus metrics collector, or nil if disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// DebugExporter returns the in-memory span exporter, if one was configured.
func (m *Manager) DebugExporter() *DebugExporter {
	if m == nil || m.tracer == nil {
		return nil
	}
	return m.tracer.DebugExporter()
}

// MetricsHandler returns an http.Handler serving the Prometheus exposition
// format, or a 503 responder if metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m == nil || m.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return m.metrics.Handler()
}

// MetricsEndpoint returns the path the metrics handler should be mounted at.
func (m *Manager) MetricsEndpoint() string {
	if m == nil || m.config == nil {
		return DefaultMetricsPath
	}
	return m.config.Metrics.Endpoint
}

// TracingEnabled reports whether spans are actually being recorded.
func (m *Manager) TracingEnabled() bool {
	return m != nil && m.tracer != nil
}

// MetricsEnabled reports whether the Prometheus registry is active.
func (m *Manager) MetricsEnabled() bool {
	return m != nil && m.metrics != nil
}

// Shutdown flushes and closes the tracer's exporter. Metrics need no
// explicit shutdown: the Prometheus registry is scraped, not pushed.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.tracer == nil {
		return nil
	}
	if err := m.tracer.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	slog.Info("observability: tracing shutdown complete")
	return nil
}
