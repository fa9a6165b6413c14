// Package metrics exposes the batch engine counters to Prometheus and serves
// them over HTTP.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"awaymail/internal/batch"
	"awaymail/internal/eventbus"
)

const namespace = "awaymail"

// Collector implements batch.Metrics on a private registry so tests and
// multiple instances never collide on the default one.
type Collector struct {
	reg *prometheus.Registry

	buffered  prometheus.Counter
	flushes   *prometheus.CounterVec
	failures  *prometheus.CounterVec
	pending   prometheus.Gauge
	latency   prometheus.Histogram
	batchSize prometheus.Histogram
	mailsSent prometheus.Counter
}

var _ batch.Metrics = (*Collector)(nil)

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_buffered_total",
			Help:      "Inbound messages appended to a sender batch.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches delivered, by flush trigger.",
		}, []string{"trigger"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flush_failures_total",
			Help:      "Batches dropped because reading or delivering them failed.",
		}, []string{"trigger"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_pending",
			Help:      "Senders with a batch waiting to be flushed.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent reading, delivering and clearing one batch.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_messages",
			Help:      "Messages per delivered batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		mailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mails_sent_total",
			Help:      "Mails accepted by the SMTP server, test mails included.",
		}),
	}
	c.reg.MustRegister(
		c.buffered, c.flushes, c.failures, c.pending, c.latency, c.batchSize, c.mailsSent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) MessageBuffered() { c.buffered.Inc() }

func (c *Collector) BatchFlushed(trigger batch.Trigger, messages int, took time.Duration) {
	c.flushes.WithLabelValues(string(trigger)).Inc()
	c.latency.Observe(took.Seconds())
	c.batchSize.Observe(float64(messages))
}

func (c *Collector) FlushFailed(trigger batch.Trigger) {
	c.failures.WithLabelValues(string(trigger)).Inc()
}

func (c *Collector) PendingBatches(n int) { c.pending.Set(float64(n)) }

// Registry is the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Watch counts mail.sent events until ctx ends or the bus closes the channel.
func (c *Collector) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type == eventbus.TypeMailSent {
				c.mailsSent.Inc()
			}
		}
	}
}
