package messaging

import (
	"fmt"
	"strings"
)

// BrokerType identifies a broker backend family.
type BrokerType int

const (
	// BrokerKafka is the partitioned-log backend.
	BrokerKafka BrokerType = iota + 1
	// BrokerRabbitMQ is the exchange/queue routed backend.
	BrokerRabbitMQ
)

// BrokerTypes lists every known backend in default-selection preference order.
func BrokerTypes() []BrokerType {
	return []BrokerType{BrokerKafka, BrokerRabbitMQ}
}

func (t BrokerType) String() string {
	switch t {
	case BrokerKafka:
		return "kafka"
	case BrokerRabbitMQ:
		return "rabbitmq"
	default:
		return fmt.Sprintf("BrokerType(%d)", int(t))
	}
}

// ParseBrokerType maps a configuration value onto a BrokerType.
func ParseBrokerType(s string) (BrokerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kafka":
		return BrokerKafka, nil
	case "rabbitmq", "rabbit", "amqp":
		return BrokerRabbitMQ, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedBroker, s)
	}
}
