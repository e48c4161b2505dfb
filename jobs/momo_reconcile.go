package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/mofresh/mofresh-erp/internal/jobs"
	"github.com/mofresh/mofresh-erp/internal/momo"
)

// Reconciler resolves a payment by polling the provider.
type Reconciler interface {
	Reconcile(ctx context.Context, ref string) (momo.Result, error)
}

// MomoReconcileJob settles payments whose callbacks arrived before the
// payment row existed or never arrived at all.
type MomoReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewMomoReconcileJob initialises the reconciliation handler.
func NewMomoReconcileJob(reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *MomoReconcileJob {
	return &MomoReconcileJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle executes one reconciliation attempt. Returning an error makes
// asynq retry the task later.
func (j *MomoReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("momo reconcile: handler not configured")
	}
	var payload MomoReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TransactionRef == "" {
		return fmt.Errorf("momo reconcile: bad payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskMomoReconcile)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("ref", payload.TransactionRef))
	res, err := j.Reconciler.Reconcile(ctx, payload.TransactionRef)
	if errors.Is(err, momo.ErrStillPending) {
		logger.Info("momo payment still pending")
		return err
	}
	if err != nil {
		logger.Warn("momo reconcile attempt failed", slog.Any("error", err))
		return err
	}
	logger.Info("momo payment reconciled", slog.String("result", res.Result))
	return nil
}

func (j *MomoReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
