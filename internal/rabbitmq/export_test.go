package rabbitmq

import "messaging-core/internal/observability"

// NewProducerOnFakeChannel builds a producer whose channel records publishes
// in memory and confirms them immediately.
func NewProducerOnFakeChannel(topology *Topology) (*Producer, func() int) {
	ch := newFakeChannel()
	p := newProducer(&fakeSource{ch: ch}, ProducerConfig{
		Topology: topology,
		Logger:   observability.NopLogger(),
	})
	return p, func() int { return len(ch.publishes()) }
}
