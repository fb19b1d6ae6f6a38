package main

import (
	"context"
	"encoding/json"

	"messaging-core/pkg/messaging"

	"github.com/sirupsen/logrus"
)

// newLogHandler logs every delivery. Payloads that are not JSON are rejected
// as permanent failures and end up dead-lettered.
func newLogHandler(logger logrus.FieldLogger) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery) error {
		var body any
		if err := json.Unmarshal(d.Value, &body); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"topic":       d.Topic,
			"source":      d.Source,
			"key":         d.Key,
			"message_id":  d.ID,
			"retry_count": messaging.GetRetryCount(d.Headers),
			"payload":     body,
		}).Info("Received message")
		return nil
	})
}
