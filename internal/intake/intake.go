// Package intake turns submission requests arriving on a queue into
// executions, at a bounded rate.
package intake

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/consumer"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const (
	DefaultTriggeredBy = "queue"
	retryDelay         = time.Second
)

type Config struct {
	consumer.Config `yaml:",inline"`
	// RatePerSecond bounds submissions; zero means unlimited.
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type Source interface {
	Read(ctx context.Context) (models.SubmitRequest, error)
}

type Submitter interface {
	Submit(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error)
}

// SubmitterFunc adapts a plain function to Submitter.
type SubmitterFunc func(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error)

func (f SubmitterFunc) Submit(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error) {
	return f(ctx, jobID, override, triggeredBy)
}

type Intake struct {
	src     Source
	submit  Submitter
	limiter *rate.Limiter
	logger  lg.Logger
}

func New(cfg Config, src Source, submit Submitter, logger lg.Logger) *Intake {
	if logger == nil {
		logger = lg.Discard
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Intake{
		src:     src,
		submit:  submit,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(lg.String("component", "intake")),
	}
}

// Run consumes until ctx is cancelled. Invalid requests are logged and
// dropped; they never stop the loop.
func (in *Intake) Run(ctx context.Context) error {
	for {
		req, err := in.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, consumer.ErrMalformed) {
				continue
			}
			in.logger.Error("read failed", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		if err := in.limiter.Wait(ctx); err != nil {
			return nil
		}
		in.Handle(ctx, req)
	}
}

// Handle validates and submits one request. It returns the execution id,
// or "" when the request was rejected.
func (in *Intake) Handle(ctx context.Context, req models.SubmitRequest) string {
	logger := in.logger.With(lg.String("job", req.JobID))
	if err := models.ValidateStruct(req); err != nil {
		logger.Warn("rejecting submission", lg.Err(err))
		return ""
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = DefaultTriggeredBy
	}
	id, err := in.submit.Submit(ctx, req.JobID, req.Targets, req.TriggeredBy)
	if err != nil {
		logger.Warn("submission failed", lg.Err(err))
		return ""
	}
	logger.Info("execution submitted", lg.String("execution", id), lg.String("triggered_by", req.TriggeredBy))
	return id
}
