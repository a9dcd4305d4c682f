// Package metrics exports scheduler measurements to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"taskq/internal/task/engine"
)

const defaultNamespace = "taskq"

// Options controls collector configuration.
type Options struct {
	DurationBuckets []float64
}

// Exporter adapts engine.Metrics to Prometheus collectors.
type Exporter struct {
	pushed   *prom.CounterVec
	rejected *prom.CounterVec
	gathered *prom.CounterVec
	handler  *prom.HistogramVec
	depth    *prom.GaugeVec
	mode     *prom.GaugeVec
}

var _ engine.Metrics = (*Exporter)(nil)

// New creates and registers the collectors. Registering twice against the
// same registry reuses the existing collectors.
func New(namespace string, reg prom.Registerer, opts Options) (*Exporter, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		// Handlers are expected to return quickly; bucket from 50µs up.
		buckets = prom.ExponentialBuckets(0.00005, 4, 10)
	}

	pushed := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_pushed_total",
		Help:      "Tasks accepted by the scheduler.",
	}, []string{"mode"})
	rejected := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_rejected_total",
		Help:      "Tasks refused by the scheduler.",
	}, []string{"mode", "reason"})
	gathered := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_gathered_total",
		Help:      "Finished tasks gathered, by outcome.",
	}, []string{"mode", "outcome"})
	handler := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "handler_duration_seconds",
		Help:      "Duration of a single handler invocation.",
		Buckets:   buckets,
	}, []string{"mode"})
	depth := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks held by the scheduler queues.",
	}, []string{"mode", "queue"})
	mode := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_mode",
		Help:      "1 for the active execution mode, 0 otherwise.",
	}, []string{"mode"})

	var err error
	if pushed, err = registerCollector(reg, pushed); err != nil {
		return nil, err
	}
	if rejected, err = registerCollector(reg, rejected); err != nil {
		return nil, err
	}
	if gathered, err = registerCollector(reg, gathered); err != nil {
		return nil, err
	}
	if handler, err = registerCollector(reg, handler); err != nil {
		return nil, err
	}
	if depth, err = registerCollector(reg, depth); err != nil {
		return nil, err
	}
	if mode, err = registerCollector(reg, mode); err != nil {
		return nil, err
	}

	return &Exporter{
		pushed:   pushed,
		rejected: rejected,
		gathered: gathered,
		handler:  handler,
		depth:    depth,
		mode:     mode,
	}, nil
}

func (m *Exporter) RecordPushed(mode string) {
	if m == nil {
		return
	}
	m.pushed.WithLabelValues(normalizeLabel(mode, "unknown")).Inc()
}

func (m *Exporter) RecordRejected(mode, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(mode, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func (m *Exporter) RecordHandlerDuration(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.handler.WithLabelValues(normalizeLabel(mode, "unknown")).Observe(d.Seconds())
}

func (m *Exporter) RecordGathered(mode string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.gathered.WithLabelValues(normalizeLabel(mode, "unknown"), outcome).Inc()
}

func (m *Exporter) RecordQueueDepth(mode string, running, finished int) {
	if m == nil {
		return
	}
	mode = normalizeLabel(mode, "unknown")
	m.depth.WithLabelValues(mode, "running").Set(float64(running))
	m.depth.WithLabelValues(mode, "finished").Set(float64(finished))
}

// SetMode marks active as the current mode. Depth gauges of other modes
// are reset so a swap does not leave stale values behind.
func (m *Exporter) SetMode(active engine.Mode) {
	if m == nil {
		return
	}
	for _, md := range []engine.Mode{engine.ModeSync, engine.ModeThread, engine.ModeDispatch} {
		v := 0.0
		if md == active {
			v = 1
		} else {
			m.depth.DeleteLabelValues(md.String(), "running")
			m.depth.DeleteLabelValues(md.String(), "finished")
		}
		m.mode.WithLabelValues(md.String()).Set(v)
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
