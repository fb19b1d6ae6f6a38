package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.IncPublished()
	m.IncPublished()
	m.IncSentToDLQ()
	m.IncRedelivered()

	assert.Equal(t, int64(2), m.GetPublished())
	assert.Equal(t, int64(1), m.GetSentToDLQ())
	assert.Equal(t, int64(1), m.GetRedelivered())
	assert.Equal(t, int64(0), m.GetFailed())
}

func TestPrometheusMetrics_LabelsByBroker(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	kafka := m.ForBroker("kafka")
	rabbit := m.ForBroker("rabbitmq")

	kafka.IncPublished()
	kafka.IncPublished()
	rabbit.IncPublished()
	rabbit.IncSentToDLQ()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("kafka")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("rabbitmq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sentToDLQ.WithLabelValues("rabbitmq")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sentToDLQ.WithLabelValues("kafka")))
}

func TestInitLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	InitLogger(LogOptions{Level: "chatty"})
	assert.Equal(t, "info", GetLogger().GetLevel().String())

	InitLogger(LogOptions{Level: "debug"})
	assert.Equal(t, "debug", GetLogger().GetLevel().String())

	InitLogger(LogOptions{Level: "info"})
}
