package kafka

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"messaging-core/internal/observability"
	"messaging-core/internal/retry"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaClient manages Kafka connection health and topic provisioning
type KafkaClient struct {
	brokers     []string
	logger      logrus.FieldLogger
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	dial        func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

func NewKafkaClient(brokers []string, maxRetries int) *KafkaClient {
	return &KafkaClient{
		brokers:     brokers,
		logger:      observability.GetLogger(),
		maxRetries:  maxRetries,
		baseBackoff: 1 * time.Second,
		maxBackoff:  30 * time.Second,
		dial:        kafka.DialContext,
	}
}

// HealthCheck verifies connectivity to Kafka brokers
func (c *KafkaClient) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := c.dial(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	// Fetch metadata to verify broker health
	if _, err = conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read broker metadata: %w", err)
	}
	return nil
}

// HealthCheckLoop runs health checks periodically with reconnection logic
func (c *KafkaClient) HealthCheckLoop(ctx context.Context, interval time.Duration, onReconnect func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.WithError(err).Warn("Health check failed, attempting reconnection")
				if err := c.reconnectWithBackoff(ctx, onReconnect); err != nil {
					c.logger.WithError(err).Error("Reconnection failed")
				}
			}
		}
	}
}

// reconnectWithBackoff implements exponential backoff reconnection strategy
func (c *KafkaClient) reconnectWithBackoff(ctx context.Context, onReconnect func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseBackoff
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c.logger.WithField("attempt", attempt).Info("Attempting reconnection")

		if err := c.HealthCheck(ctx); err != nil {
			c.logger.WithError(err).Warn("Reconnection attempt failed")
			return err
		}
		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				c.logger.WithError(err).Warn("Reconnect callback failed")
				return err
			}
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		return fmt.Errorf("failed to reconnect after %d attempts: %w", attempt, err)
	}

	c.logger.Info("Reconnection successful")
	return nil
}

// TopicSpec describes one topic to provision.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// TopicsWithRetry expands base topics into themselves plus their retry and
// dead-letter topics.
func TopicsWithRetry(partitions, replication int, topics ...string) []TopicSpec {
	specs := make([]TopicSpec, 0, len(topics)*3)
	for _, t := range topics {
		for _, name := range []string{t, retry.RetryTopic(t), retry.DeadLetterTopic(t)} {
			specs = append(specs, TopicSpec{Name: name, Partitions: partitions, ReplicationFactor: replication})
		}
	}
	return specs
}

// EnsureTopics creates missing topics through the cluster controller.
// Existing topics are left untouched.
func (c *KafkaClient) EnsureTopics(ctx context.Context, specs ...TopicSpec) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := c.dial(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	ctrlConn, err := c.dial(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer ctrlConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, s := range specs {
		configs = append(configs, kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     s.Partitions,
			ReplicationFactor: s.ReplicationFactor,
		})
	}
	if err := ctrlConn.CreateTopics(configs...); err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	c.logger.WithField("topics", len(configs)).Info("Kafka topics ensured")
	return nil
}

// GetBrokers returns the list of brokers
func (c *KafkaClient) GetBrokers() []string {
	return c.brokers
}
