// Package metrics exposes Prometheus collectors for admission, dispatch, the
// queue and the HTTP boundary.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailsched/internal/eventbus"
	"mailsched/internal/queue"
	logx "mailsched/pkg/logx"
)

const namespace = "mailsched"

// Metrics owns a registry so tests and multiple instances do not collide on
// the global one.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	campaigns       prometheus.Counter
	scheduled       prometheus.Counter
	outcomes        *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	requeued        prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	busDropped      prometheus.GaugeFunc
}

func New(bus eventbus.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		campaigns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_scheduled_total",
			Help:      "Accepted schedule requests.",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_scheduled_total",
			Help:      "Messages admitted across all campaigns.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Processed jobs by outcome.",
		}, []string{"kind"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent processing one job, including the transport call.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_requeued_total",
			Help:      "Orphaned messages put back on the queue.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs in the queue by state.",
		}, []string{"state"}),
	}
	if bus != nil {
		m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_events",
			Help:      "Events dropped because a subscriber fell behind.",
		}, func() float64 { return float64(bus.Dropped()) })
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.campaigns, m.scheduled,
		m.outcomes, m.processDuration,
		m.requeued, m.queueDepth,
	)
	if m.busDropped != nil {
		m.reg.MustRegister(m.busDropped)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	c := strconv.Itoa(code)
	m.httpRequests.WithLabelValues(method, route, c).Inc()
	m.httpDuration.WithLabelValues(method, route, c).Observe(d.Seconds())
}

func (m *Metrics) SetQueueStats(st queue.Stats) {
	m.queueDepth.WithLabelValues("ready").Set(float64(st.Ready))
	m.queueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
	m.queueDepth.WithLabelValues("claimed").Set(float64(st.Claimed))
}

// Observe folds one bus event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.CampaignScheduled:
		m.campaigns.Inc()
		m.scheduled.Add(float64(d.Count))
	case eventbus.DispatchOutcome:
		m.outcomes.WithLabelValues(d.Kind).Inc()
		m.processDuration.WithLabelValues(d.Kind).Observe(d.Took.Seconds())
	case eventbus.Reconciled:
		m.requeued.Add(float64(d.Requeued))
	}
}

// Consume feeds bus events into the collectors until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

type statser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// SampleQueue refreshes the queue depth gauges every interval until ctx is
// done.
func (m *Metrics) SampleQueue(ctx context.Context, q statser, every time.Duration, log logx.Logger) error {
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := q.Stats(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("queue stats failed", logx.Err(err))
		} else {
			m.SetQueueStats(st)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
