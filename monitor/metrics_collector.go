package monitor

import (
	"strconv"
	"time"

	"github.com/glimte/mmate-bus/broker"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector records broker events as Prometheus metrics. It
// implements broker.MetricsCollector.
type PrometheusCollector struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	acks            *prometheus.CounterVec
	nacks           *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
}

var _ broker.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the broker metrics and registers them
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages published, by exchange and whether they were routed.",
			},
			[]string{"exchange", "routed"},
		),
		publishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Total number of publishes that returned an error.",
			},
			[]string{"exchange", "reason"},
		),
		publishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Publish latency in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"exchange"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_delivered_total",
				Help:      "Total number of deliveries handed to consumers.",
			},
			[]string{"queue", "redelivered"},
		),
		acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_acked_total",
				Help:      "Total number of acknowledged deliveries.",
			},
			[]string{"queue"},
		),
		nacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_nacked_total",
				Help:      "Total number of negatively acknowledged deliveries.",
			},
			[]string{"queue", "requeue"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dead_lettered_total",
				Help:      "Total number of dead-lettered messages, by reason and outcome.",
			},
			[]string{"queue", "reason", "outcome"},
		),
	}

	for _, collector := range []prometheus.Collector{
		c.published, c.publishFailures, c.publishLatency,
		c.deliveries, c.acks, c.nacks, c.deadLetters,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordPublish implements broker.MetricsCollector
func (c *PrometheusCollector) RecordPublish(exchange string, routed bool, targets int, duration time.Duration) {
	c.published.WithLabelValues(exchange, strconv.FormatBool(routed)).Inc()
	c.publishLatency.WithLabelValues(exchange).Observe(duration.Seconds())
}

// RecordPublishFailure implements broker.MetricsCollector
func (c *PrometheusCollector) RecordPublishFailure(exchange string, reason string) {
	c.publishFailures.WithLabelValues(exchange, reason).Inc()
}

// RecordDelivery implements broker.MetricsCollector
func (c *PrometheusCollector) RecordDelivery(queue string, attempt int) {
	c.deliveries.WithLabelValues(queue, strconv.FormatBool(attempt > 1)).Inc()
}

// RecordAck implements broker.MetricsCollector
func (c *PrometheusCollector) RecordAck(queue string) {
	c.acks.WithLabelValues(queue).Inc()
}

// RecordNack implements broker.MetricsCollector
func (c *PrometheusCollector) RecordNack(queue string, requeue bool) {
	c.nacks.WithLabelValues(queue, strconv.FormatBool(requeue)).Inc()
}

// RecordDeadLetter implements broker.MetricsCollector
func (c *PrometheusCollector) RecordDeadLetter(queue string, reason broker.DeadLetterReason, rerouted bool) {
	outcome := "dropped"
	if rerouted {
		outcome = "rerouted"
	}
	c.deadLetters.WithLabelValues(queue, string(reason), outcome).Inc()
}

// QueueDepthCollector exports queue depths at scrape time
type QueueDepthCollector struct {
	source    StatsSource
	ready     *prometheus.Desc
	unacked   *prometheus.Desc
	consumers *prometheus.Desc
	expired   *prometheus.Desc
}

// NewQueueDepthCollector creates a collector reading from source
func NewQueueDepthCollector(source StatsSource, namespace string) *QueueDepthCollector {
	labels := []string{"queue"}
	return &QueueDepthCollector{
		source:    source,
		ready:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "ready_messages"), "Messages waiting for delivery.", labels, nil),
		unacked:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "unacked_messages"), "Messages delivered but not yet settled.", labels, nil),
		consumers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "consumers"), "Consumers subscribed to the queue.", labels, nil),
		expired:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "expired_messages_total"), "Messages that expired before delivery.", labels, nil),
	}
}

// Describe implements prometheus.Collector
func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ready
	ch <- c.unacked
	ch <- c.consumers
	ch <- c.expired
}

// Collect implements prometheus.Collector
func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, stats := range c.source.Stats() {
		ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, float64(stats.Ready), stats.Name)
		ch <- prometheus.MustNewConstMetric(c.unacked, prometheus.GaugeValue, float64(stats.Unacked), stats.Name)
		ch <- prometheus.MustNewConstMetric(c.consumers, prometheus.GaugeValue, float64(stats.Consumers), stats.Name)
		ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(stats.Expired), stats.Name)
	}
}
