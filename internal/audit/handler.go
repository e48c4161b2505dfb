package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/mofresh/mofresh-erp/internal/platform/httpx"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// TimelineService is the read side the handler depends on.
type TimelineService interface {
	Timeline(ctx context.Context, filters TimelineFilters) (Result, error)
	Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error)
}

// Handler serves the audit trail API.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
}

// NewHandler builds the audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the audit timeline and CSV export.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Get("/audit", h.handleTimeline)
	r.Get("/invoices/{id}/audit", h.handleInvoiceTimeline)
	r.With(limiter).Get("/audit/export.csv", h.handleExport)
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor != nil {
		return "user:" + strconv.FormatInt(*actor, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.writeTimeline(w, r, filters)
}

func (h *Handler) handleInvoiceTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.E(shared.KindValidation, "invalid invoice id"))
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.InvoiceID = id
	h.writeTimeline(w, r, filters)
}

func (h *Handler) writeTimeline(w http.ResponseWriter, r *http.Request, filters TimelineFilters) {
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		if shared.KindOf(err) == "" {
			h.logger.Error("load audit timeline", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	if result.Rows == nil {
		result.Rows = []TimelineRow{}
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("export audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	csvBytes, err := WriteCSV(rows)
	if err != nil {
		h.logger.Error("encode csv", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-timeline.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// WriteCSV encodes timeline rows with a header line.
func WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"occurred_at", "actor_id", "action", "entity", "entity_id", "meta"}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		actor := ""
		if row.ActorID != nil {
			actor = strconv.FormatInt(*row.ActorID, 10)
		}
		meta := ""
		if len(row.Meta) > 0 {
			raw, err := json.Marshal(row.Meta)
			if err != nil {
				return nil, err
			}
			meta = string(raw)
		}
		if err := writer.Write([]string{row.At.UTC().Format(time.RFC3339), actor, row.Action, row.Entity, row.EntityID, meta}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	var filters TimelineFilters
	var err error
	if filters.From, err = parseDay(q.Get("from"), "from"); err != nil {
		return filters, err
	}
	if filters.To, err = parseDay(q.Get("to"), "to"); err != nil {
		return filters, err
	}
	if !filters.To.IsZero() {
		filters.To = filters.To.AddDate(0, 0, 1)
	}
	if v := strings.TrimSpace(q.Get("actor_id")); v != "" {
		if filters.ActorID, err = strconv.ParseInt(v, 10, 64); err != nil || filters.ActorID <= 0 {
			return filters, shared.E(shared.KindValidation, "invalid actor_id").WithDetail("field", "actor_id")
		}
	}
	filters.Action = strings.TrimSpace(q.Get("action"))
	for key, target := range map[string]*int{"page": &filters.Page, "limit": &filters.PageSize} {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			continue
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			return filters, shared.E(shared.KindValidation, "invalid %s", key).WithDetail("field", key)
		}
		*target = n
	}
	return filters, nil
}

func parseDay(raw, field string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, shared.E(shared.KindValidation, "invalid %s date", field).WithDetail("field", field)
	}
	return t, nil
}
