// Package metrics exports scheduler and session events to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bnema/chatsession/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "chatsession"

type Recorder struct {
	upstreamCalls   *prometheus.CounterVec
	upstreamRetries *prometheus.CounterVec
	engineSelected  *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	sessionsActive  prometheus.Gauge
}

var _ ports.Recorder = (*Recorder)(nil)

// NewRecorder registers the collectors on reg. Collectors already present
// on reg are reused, so two recorders on one registry share series.
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Engine calls by engine, operation and answer status.",
		}, []string{"engine", "op", "status"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Engine calls retried after a wait.",
		}, []string{"engine", "op", "reason"}),
		engineSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_selected_total",
			Help:      "Engine choices made when evaluating a pointer.",
		}, []string{"engine"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_command_duration_seconds",
			Help:      "Time spent handling session commands.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"command", "outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running.",
		}),
	}

	var err error
	if r.upstreamCalls, err = register(reg, r.upstreamCalls); err != nil {
		return nil, err
	}
	if r.upstreamRetries, err = register(reg, r.upstreamRetries); err != nil {
		return nil, err
	}
	if r.engineSelected, err = register(reg, r.engineSelected); err != nil {
		return nil, err
	}
	if r.commandDuration, err = register(reg, r.commandDuration); err != nil {
		return nil, err
	}
	if r.sessionsActive, err = register(reg, r.sessionsActive); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics collector: %w", err)
	}
	return c, nil
}

func (r *Recorder) UpstreamCall(engine, op string, status int) {
	r.upstreamCalls.WithLabelValues(engine, op, strconv.Itoa(status)).Inc()
}

func (r *Recorder) UpstreamRetry(engine, op, reason string) {
	r.upstreamRetries.WithLabelValues(engine, op, reason).Inc()
}

func (r *Recorder) EngineSelected(engine string) {
	if engine == "" {
		engine = "none"
	}
	r.engineSelected.WithLabelValues(engine).Inc()
}

func (r *Recorder) CommandFinished(command, outcome string, elapsed time.Duration) {
	r.commandDuration.WithLabelValues(command, outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) SessionsActive(n int) {
	r.sessionsActive.Set(float64(n))
}
