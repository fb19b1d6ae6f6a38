package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"messaging-core/internal/jobs"
	"messaging-core/internal/observability"
	"messaging-core/pkg/messaging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CouponGenerationCommand asks for Count coupons under one job id.
type CouponGenerationCommand struct {
	JobID      string `json:"job_id"`
	CampaignID string `json:"campaign_id"`
	Prefix     string `json:"prefix"`
	Count      int    `json:"count"`
}

// JobCompleted is published once a job reaches a terminal status.
type JobCompleted struct {
	JobID        string      `json:"job_id"`
	Status       jobs.Status `json:"status"`
	SuccessCount int         `json:"success_count"`
	TotalCount   int         `json:"total_count"`
	ErrorCount   int         `json:"error_count"`
}

// CouponIssuer creates one coupon and returns its code.
type CouponIssuer interface {
	Issue(ctx context.Context, cmd CouponGenerationCommand, index int) (string, error)
}

// RandomCodeIssuer derives codes from random UUIDs.
type RandomCodeIssuer struct{}

func (RandomCodeIssuer) Issue(ctx context.Context, cmd CouponGenerationCommand, index int) (string, error) {
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	if cmd.Prefix == "" {
		return code, nil
	}
	return cmd.Prefix + "-" + code, nil
}

type CouponGeneratorConfig struct {
	Store  jobs.Store
	Issuer CouponIssuer
	// ProgressInterval is how many items are issued between progress writes.
	ProgressInterval int
	ProgressTTL      time.Duration
	// Completion, when set, receives a JobCompleted on CompletionTopic.
	Completion      messaging.Producer
	CompletionTopic string
	// WriteTimeout bounds each progress write and the completion publish.
	// Writes outlive the handler context so a job that ran out of time is
	// still recorded as FAILED.
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
}

// CouponGenerator handles coupon generation commands. It tolerates
// redelivery: a job whose stored status is terminal is acknowledged without
// running again.
type CouponGenerator struct {
	store            jobs.Store
	issuer           CouponIssuer
	progressInterval int
	ttl              time.Duration
	completion       messaging.Producer
	completionTopic  string
	writeTimeout     time.Duration
	logger           logrus.FieldLogger
}

func NewCouponGenerator(cfg CouponGeneratorConfig) (*CouponGenerator, error) {
	if cfg.Store == nil {
		return nil, &messaging.NilReferenceError{Name: "job store"}
	}
	if cfg.Issuer == nil {
		cfg.Issuer = RandomCodeIssuer{}
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 100
	}
	if cfg.ProgressTTL == 0 {
		cfg.ProgressTTL = 24 * time.Hour
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	return &CouponGenerator{
		store:            cfg.Store,
		issuer:           cfg.Issuer,
		progressInterval: cfg.ProgressInterval,
		ttl:              cfg.ProgressTTL,
		completion:       cfg.Completion,
		completionTopic:  cfg.CompletionTopic,
		writeTimeout:     cfg.WriteTimeout,
		logger:           cfg.Logger,
	}, nil
}

// Handle runs one command. Malformed commands are returned as
// *messaging.InvalidArgumentError and dead-lettered by the router. Errors
// inside the work loop end the job in FAILED and are not returned.
func (g *CouponGenerator) Handle(ctx context.Context, d *messaging.Delivery) error {
	cmd, err := decodeCommand(d.Value)
	if err != nil {
		return err
	}

	logger := g.logger.WithFields(logrus.Fields{
		"job_id":     cmd.JobID,
		"message_id": d.ID,
		"count":      cmd.Count,
	})

	existing, err := g.store.Get(ctx, cmd.JobID)
	if err != nil {
		return &messaging.RetryableError{Err: err}
	}
	if existing != nil && existing.Status.IsTerminal() {
		logger.WithField("status", existing.Status).Info("Job already finished, skipping duplicate delivery")
		return nil
	}

	progress := jobs.NewJobProgress(cmd.JobID, cmd.Count)
	if err := g.save(ctx, progress); err != nil {
		return &messaging.RetryableError{Err: err}
	}
	logger.Info("Processing coupon generation job")

	if runErr := g.run(ctx, cmd, progress); runErr != nil {
		progress.Status = jobs.StatusFailed
		progress.Errors = append(progress.Errors, runErr.Error())
		logger.WithError(runErr).Error("Coupon generation job failed")
	} else if len(progress.Errors) > 0 {
		progress.Status = jobs.StatusCompletedWithErrors
	} else {
		progress.Status = jobs.StatusCompleted
	}

	if err := g.save(ctx, progress); err != nil {
		logger.WithError(err).Error("Failed to persist final job status")
		return &messaging.RetryableError{Err: err}
	}

	logger.WithFields(logrus.Fields{
		"status":        progress.Status,
		"success_count": progress.SuccessCount,
		"error_count":   len(progress.Errors),
	}).Info("Coupon generation job finished")

	g.notify(ctx, progress, logger)
	return nil
}

func decodeCommand(value []byte) (CouponGenerationCommand, error) {
	var cmd CouponGenerationCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return cmd, &messaging.InvalidArgumentError{Argument: "payload", Reason: "not a coupon generation command", Err: err}
	}
	if cmd.JobID == "" {
		return cmd, &messaging.InvalidArgumentError{Argument: "job_id", Reason: "must not be empty"}
	}
	if cmd.Count <= 0 {
		return cmd, &messaging.InvalidArgumentError{Argument: "count", Reason: fmt.Sprintf("must be positive, got %d", cmd.Count)}
	}
	return cmd, nil
}

// run issues every item, recording per-item failures in progress. A panic
// or a failed progress write aborts the loop.
func (g *CouponGenerator) run(ctx context.Context, cmd CouponGenerationCommand, progress *jobs.JobProgress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &messaging.PanicError{Value: r}
		}
	}()

	for i := 0; i < cmd.Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		code, issueErr := g.issuer.Issue(ctx, cmd, i)
		if issueErr != nil {
			progress.Errors = append(progress.Errors, fmt.Sprintf("item %d: %v", i, issueErr))
		} else {
			progress.CreatedItems = append(progress.CreatedItems, code)
			progress.SuccessCount++
		}

		if (i+1)%g.progressInterval == 0 && i+1 < cmd.Count {
			if err := g.save(ctx, progress); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *CouponGenerator) save(ctx context.Context, progress *jobs.JobProgress) error {
	wctx, cancel := g.detached(ctx)
	defer cancel()

	progress.UpdatedAt = time.Now().UTC()
	return g.store.Set(wctx, progress.JobID, progress, g.ttl)
}

// detached keeps ctx values but not its deadline or cancellation.
func (g *CouponGenerator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.writeTimeout)
}

func (g *CouponGenerator) notify(ctx context.Context, progress *jobs.JobProgress, logger logrus.FieldLogger) {
	if g.completion == nil || g.completionTopic == "" {
		return
	}
	event := JobCompleted{
		JobID:        progress.JobID,
		Status:       progress.Status,
		SuccessCount: progress.SuccessCount,
		TotalCount:   progress.TotalCount,
		ErrorCount:   len(progress.Errors),
	}
	sctx, cancel := g.detached(ctx)
	defer cancel()
	if _, err := g.completion.SendAndWait(sctx, messaging.OfKeyed(event, g.completionTopic, progress.JobID)); err != nil {
		logger.WithError(err).Warn("Failed to publish job completion")
	}
}
