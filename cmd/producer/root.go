package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"messaging-core/internal/broker"
	"messaging-core/internal/config"
	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const sampleOrder = `{
  "event_type": "order_created",
  "order_id": "ORD-2025-001234",
  "customer_id": "CUST-567890",
  "items": [
    {"product_id": "PROD-111", "name": "iPhone 15 Pro", "quantity": 1, "price": 42900.00},
    {"product_id": "PROD-222", "name": "AirPods Pro", "quantity": 1, "price": 8990.00}
  ],
  "total_amount": "51890.00",
  "currency": "THB",
  "payment_method": "credit_card",
  "status": "pending"
}`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "producer",
		Short:        "Publish messages through the configured brokers",
		SilenceUsage: true,
	}
	cmd.AddCommand(newSendCmd(), newJobCmd())
	return cmd
}

type sendOptions struct {
	envFile string
	broker  string
	topic   string
	key     string
	headers []string
	timeout time.Duration
}

func (o *sendOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&o.broker, "broker", "", "backend to send through (kafka, rabbitmq); empty uses the default")
	cmd.Flags().StringVar(&o.key, "key", "", "partition or correlation key")
	cmd.Flags().StringSliceVar(&o.headers, "header", nil, "extra header as name=value, repeatable")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "how long to wait for the broker acknowledgement")
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	var payload string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one JSON payload and wait for the broker acknowledgement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			key := opts.key
			if key == "" {
				key = uuid.NewString()
			}
			return send(cmd, opts, json.RawMessage(payload), key)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.topic, "topic", "Order", "destination topic or routing key")
	cmd.Flags().StringVar(&payload, "payload", sampleOrder, "JSON payload")
	return cmd
}

func newJobCmd() *cobra.Command {
	opts := &sendOptions{}
	var (
		jobID      string
		campaignID string
		prefix     string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "coupon-job",
		Short: "Submit a coupon generation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			if jobID == "" {
				jobID = uuid.NewString()
			}
			payload := map[string]any{
				"job_id":      jobID,
				"campaign_id": campaignID,
				"prefix":      prefix,
				"count":       count,
			}
			return send(cmd, opts, payload, jobID)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.topic, "topic", "coupon-generation", "job command topic")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id; generated when empty")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&prefix, "prefix", "", "coupon code prefix")
	cmd.Flags().IntVar(&count, "count", 10, "number of coupons")
	return cmd
}

func send[T any](cmd *cobra.Command, opts *sendOptions, payload T, key string) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	observability.InitLogger(observability.LogOptions{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger := observability.GetLogger()

	reg, err := broker.Build(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer reg.Close()

	producer, err := pickProducer(reg, opts.broker)
	if err != nil {
		return err
	}

	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	msg := messaging.OfKeyedWithHeaders(payload, opts.topic, key, headers)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	result, err := producer.SendAndWait(ctx, msg)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"broker":     producer.BrokerType().String(),
		"topic":      result.Topic,
		"message_id": result.MessageID,
	}).Info("Message sent")

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func pickProducer(reg *broker.Registry, name string) (messaging.Producer, error) {
	if name == "" {
		return reg.DefaultProducer()
	}
	t, err := messaging.ParseBrokerType(name)
	if err != nil {
		return nil, err
	}
	return reg.Producer(t)
}

func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --header %q, want name=value", pair)
		}
		headers[name] = value
	}
	return headers, nil
}
