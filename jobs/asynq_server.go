package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  1,
		},
		RetryDelayFunc: retryDelay,
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// retryDelay backs reconciliation off linearly, capped at ten minutes.
func retryDelay(n int, err error, t *asynq.Task) time.Duration {
	if t != nil && t.Type() == TaskMomoReconcile {
		return min(time.Duration(n+1)*30*time.Second, 10*time.Minute)
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// ClientConfig tunes how reconciliation tasks are scheduled.
type ClientConfig struct {
	ReconcileDelay    time.Duration
	ReconcileMaxRetry int
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
	cfg    ClientConfig
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt, cfg ClientConfig) (*Client, error) {
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = 30 * time.Second
	}
	if cfg.ReconcileMaxRetry <= 0 {
		cfg.ReconcileMaxRetry = 20
	}
	client := asynq.NewClient(redisOpts)
	return &Client{client: client, cfg: cfg}, nil
}

// EnqueueReconcile schedules a provider status poll for ref. Repeated calls
// for a reference that is already queued are ignored.
func (c *Client) EnqueueReconcile(ctx context.Context, ref string) error {
	task, err := NewMomoReconcileTask(ref)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueCritical),
		asynq.TaskID(TaskMomoReconcile+":"+ref),
		asynq.ProcessIn(c.cfg.ReconcileDelay),
		asynq.MaxRetry(c.cfg.ReconcileMaxRetry),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// EnqueueOverdueScan submits an ad-hoc overdue scan.
func (c *Client) EnqueueOverdueScan(ctx context.Context, payload OverdueScanPayload) (*asynq.TaskInfo, error) {
	task, err := NewOverdueScanTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// OverdueScanEnqueuer submits ad-hoc overdue scans.
type OverdueScanEnqueuer interface {
	EnqueueOverdueScan(ctx context.Context, payload OverdueScanPayload) (*asynq.TaskInfo, error)
}

// Handler exposes HTTP endpoints for job observability and manual triggers.
type Handler struct {
	inspector *asynq.Inspector
	scans     OverdueScanEnqueuer
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// SetOverdueScanner enables POST /overdue-scan.
func (h *Handler) SetOverdueScanner(e OverdueScanEnqueuer) {
	h.scans = e
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/overdue-scan", h.triggerOverdueScan)
}

func (h *Handler) triggerOverdueScan(w http.ResponseWriter, r *http.Request) {
	if h.scans == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	var payload OverdueScanPayload
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "invalid as_of date", http.StatusBadRequest)
			return
		}
		payload.AsOf = asOf
	}
	info, err := h.scans.EnqueueOverdueScan(r.Context(), payload)
	if err != nil {
		h.logger.Error("enqueue overdue scan", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"task_id": info.ID, "queue": info.Queue})
}

type queueHealth struct {
	Pending int `json:"pending"`
	Retry   int `json:"retry"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queues := map[string]queueHealth{}
	if h.inspector != nil {
		for _, queue := range []string{QueueCritical, QueueDefault} {
			info, err := h.inspector.GetQueueInfo(queue)
			if errors.Is(err, asynq.ErrQueueNotFound) {
				queues[queue] = queueHealth{}
				continue
			}
			if err != nil {
				h.logger.Warn("jobs health", slog.String("queue", queue), slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			queues[queue] = queueHealth{Pending: info.Pending, Retry: info.Retry}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"queues": queues})
}
