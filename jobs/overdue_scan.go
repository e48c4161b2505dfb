package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
	jobmetrics "github.com/mofresh/mofresh-erp/internal/jobs"
)

const overdueScanPageSize = 200

// UnpaidLister is the slice of the invoicing service the overdue scan needs.
type UnpaidLister interface {
	ListUnpaid(ctx context.Context, filter invoicing.UnpaidFilter) (*invoicing.UnpaidReport, error)
}

// OverdueScanJob walks every outstanding invoice and publishes overdue
// counts per site.
type OverdueScanJob struct {
	Invoices UnpaidLister
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time

	mu       sync.Mutex
	reported map[int64]struct{}
}

// NewOverdueScanJob initialises the overdue scan handler.
func NewOverdueScanJob(invoices UnpaidLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{
		Invoices: invoices,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OverdueSite aggregates overdue invoices for one site.
type OverdueSite struct {
	SiteID int64
	Count  int
	Oldest int
}

// Handle executes the scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Invoices == nil {
		return errors.New("overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("overdue scan: bad payload: %w", asynq.SkipRetry)
		}
	}
	if payload.AsOf.IsZero() {
		payload.AsOf = j.now()
	}

	tracker := j.Metrics.Track(TaskOverdueScan)
	defer func() {
		err = tracker.End(err)
	}()

	start := time.Now()
	sites, scanned, err := j.Scan(ctx, payload.AsOf)
	if err != nil {
		j.logger().Error("overdue scan failed", slog.Any("error", err))
		return err
	}
	for _, site := range sites {
		j.Metrics.SetOverdue(site.SiteID, site.Count)
		if site.Count > 0 {
			j.logger().Warn("overdue invoices",
				slog.Int64("site_id", site.SiteID),
				slog.Int("count", site.Count),
				slog.Int("oldest_days", site.Oldest),
			)
		}
	}
	j.clearStale(sites)
	j.logger().Info("completed overdue scan",
		slog.Int("scanned", scanned),
		slog.Int("sites", len(sites)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Scan pages through outstanding invoices as of asOf and groups overdue
// ones by site. Sites with outstanding but no overdue invoices are reported
// with a zero count so their gauge resets.
func (j *OverdueScanJob) Scan(ctx context.Context, asOf time.Time) ([]OverdueSite, int, error) {
	bySite := map[int64]*OverdueSite{}
	order := []int64{}
	scanned := 0
	for page := 1; ; page++ {
		report, err := j.Invoices.ListUnpaid(ctx, invoicing.UnpaidFilter{AsOf: asOf, Page: page, Limit: overdueScanPageSize})
		if err != nil {
			return nil, scanned, err
		}
		for _, inv := range report.Invoices {
			scanned++
			site, ok := bySite[inv.SiteID]
			if !ok {
				site = &OverdueSite{SiteID: inv.SiteID}
				bySite[inv.SiteID] = site
				order = append(order, inv.SiteID)
			}
			if inv.DaysOverdue > 0 {
				site.Count++
				site.Oldest = max(site.Oldest, inv.DaysOverdue)
			}
		}
		if page >= report.Pagination.TotalPages || len(report.Invoices) == 0 {
			break
		}
	}
	out := make([]OverdueSite, 0, len(order))
	for _, id := range order {
		out = append(out, *bySite[id])
	}
	return out, scanned, nil
}

// clearStale zeroes the gauge of every site reported by an earlier run that
// no longer has outstanding invoices.
func (j *OverdueScanJob) clearStale(sites []OverdueSite) {
	current := make(map[int64]struct{}, len(sites))
	for _, site := range sites {
		current[site.SiteID] = struct{}{}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for siteID := range j.reported {
		if _, ok := current[siteID]; !ok {
			j.Metrics.SetOverdue(siteID, 0)
		}
	}
	j.reported = current
}

func (j *OverdueScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
