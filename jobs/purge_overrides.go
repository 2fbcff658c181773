package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/nmang004/proxapeople-sub000/internal/jobs"
)

// OverridePurger deletes expired overrides and reports how many were removed.
type OverridePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeExpiredOverridesJob keeps the override table free of expired rows.
type PurgeExpiredOverridesJob struct {
	Purger  OverridePurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPurgeExpiredOverridesJob initialises the purge handler.
func NewPurgeExpiredOverridesJob(purger OverridePurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *PurgeExpiredOverridesJob {
	return &PurgeExpiredOverridesJob{Purger: purger, Logger: logger, Metrics: metrics}
}

// Handle processes TaskRBACPurgeExpiredOverrides tasks.
func (j *PurgeExpiredOverridesJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Purger == nil {
		return errors.New("purge overrides: handler not configured")
	}
	var payload PurgeExpiredPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("purge overrides: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload.Trigger)
	return err
}

// Run performs a single purge.
func (j *PurgeExpiredOverridesJob) Run(ctx context.Context, trigger string) (int64, error) {
	tracker := j.Metrics.Track(TaskRBACPurgeExpiredOverrides)
	logger := j.logger().With(slog.String("trigger", trigger))

	purged, err := j.Purger.PurgeExpired(ctx)
	if err != nil {
		logger.Error("purge expired overrides", slog.Any("error", err))
		return 0, tracker.End(err)
	}
	j.Metrics.AddPurged(purged)
	if purged > 0 {
		logger.Info("purged expired overrides", slog.Int64("count", purged))
	}
	return purged, tracker.End(nil)
}

// Every runs the purge on a fixed interval until ctx is done. It serves
// deployments without a queue, where overrides live in process memory.
func (j *PurgeExpiredOverridesJob) Every(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx, "interval")
		}
	}
}

func (j *PurgeExpiredOverridesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
