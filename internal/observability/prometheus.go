package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds the messaging counters, labelled by broker.
type PrometheusMetrics struct {
	published     *prometheus.CounterVec
	publishFailed *prometheus.CounterVec
	received      *prometheus.CounterVec
	processed     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	retried       *prometheus.CounterVec
	sentToDLQ     *prometheus.CounterVec
	redelivered   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the counters on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	counter := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "messaging",
				Name:      name,
				Help:      help,
			},
			[]string{"broker"},
		)
	}

	return &PrometheusMetrics{
		published:     counter("messages_published_total", "Messages acknowledged by the broker"),
		publishFailed: counter("messages_publish_failed_total", "Sends that failed after all transport attempts"),
		received:      counter("messages_received_total", "Messages fetched by consumers"),
		processed:     counter("messages_processed_total", "Messages whose handler returned successfully"),
		failed:        counter("messages_failed_total", "Handler invocations that returned an error"),
		retried:       counter("messages_retried_total", "Messages republished to a retry destination"),
		sentToDLQ:     counter("messages_dead_lettered_total", "Messages moved to a dead-letter destination"),
		redelivered:   counter("messages_redelivered_total", "Retry messages returned to their original topic"),
	}
}

// ForBroker returns a MetricsCollector bound to one broker label value.
func (m *PrometheusMetrics) ForBroker(broker string) MetricsCollector {
	return &brokerMetrics{
		published:     m.published.WithLabelValues(broker),
		publishFailed: m.publishFailed.WithLabelValues(broker),
		received:      m.received.WithLabelValues(broker),
		processed:     m.processed.WithLabelValues(broker),
		failed:        m.failed.WithLabelValues(broker),
		retried:       m.retried.WithLabelValues(broker),
		sentToDLQ:     m.sentToDLQ.WithLabelValues(broker),
		redelivered:   m.redelivered.WithLabelValues(broker),
	}
}

type brokerMetrics struct {
	published     prometheus.Counter
	publishFailed prometheus.Counter
	received      prometheus.Counter
	processed     prometheus.Counter
	failed        prometheus.Counter
	retried       prometheus.Counter
	sentToDLQ     prometheus.Counter
	redelivered   prometheus.Counter
}

func (b *brokerMetrics) IncPublished()     { b.published.Inc() }
func (b *brokerMetrics) IncPublishFailed() { b.publishFailed.Inc() }
func (b *brokerMetrics) IncReceived()      { b.received.Inc() }
func (b *brokerMetrics) IncProcessed()     { b.processed.Inc() }
func (b *brokerMetrics) IncFailed()        { b.failed.Inc() }
func (b *brokerMetrics) IncRetried()       { b.retried.Inc() }
func (b *brokerMetrics) IncSentToDLQ()     { b.sentToDLQ.Inc() }
func (b *brokerMetrics) IncRedelivered()   { b.redelivered.Inc() }
