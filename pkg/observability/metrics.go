package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/waypoint/pkg/domain"
)

// Step and run outcomes used as label values.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeLimit     = "step_limit"
	OutcomeError     = "error"
)

// Metrics holds the executor collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	inflight     prometheus.Gauge
}

// NewMetrics creates and registers the collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waypoint_steps_total",
				Help: "Executor steps by node and outcome",
			},
			[]string{"node", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "waypoint_step_duration_seconds",
				Help:    "Duration of executor steps, including persistence",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"node"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waypoint_runs_total",
				Help: "Run and resume calls by outcome",
			},
			[]string{"outcome"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waypoint_steps_in_flight",
			Help: "Steps currently executing",
		}),
	}
	m.registry.MustRegister(
		m.steps, m.stepDuration, m.runs, m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks records every step and run.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepStart: func(context.Context, *domain.StepEvent) {
			m.inflight.Inc()
		},
		OnStepEnd: func(_ context.Context, e *domain.StepEvent) {
			m.inflight.Dec()
			m.steps.WithLabelValues(e.Node, outcome(e.Err)).Inc()
			m.stepDuration.WithLabelValues(e.Node).Observe(e.Duration.Seconds())
		},
		OnRunEnd: func(_ context.Context, e *domain.RunEvent) {
			m.runs.WithLabelValues(outcome(e.Err)).Inc()
		},
	}
}

func outcome(err error) string {
	var stepErr *domain.StepExecutionError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &stepErr):
		return OutcomeFailed
	case errors.Is(err, domain.ErrRunCancelled):
		return OutcomeCancelled
	case errors.Is(err, domain.ErrStepLimitExceeded):
		return OutcomeLimit
	}
	return OutcomeError
}

// LogHooks writes one structured line per step and run.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepEnd: func(ctx context.Context, e *domain.StepEvent) {
			attrs := []any{
				"thread_id", e.ThreadID,
				"node", e.Node,
				"step", e.Step,
				"goto", e.Goto,
				"checkpoint_id", e.CheckpointID,
				"duration", e.Duration,
			}
			if e.Err != nil {
				logger.WarnContext(ctx, "step_end", append(attrs, "err", e.Err)...)
				return
			}
			logger.InfoContext(ctx, "step_end", attrs...)
		},
		OnRunEnd: func(ctx context.Context, e *domain.RunEvent) {
			logger.InfoContext(ctx, "run_end",
				"thread_id", e.ThreadID,
				"user_id", e.UserID,
				"steps", e.Steps,
				"completed", e.Completed,
				"outcome", outcome(e.Err),
			)
		},
	}
}
