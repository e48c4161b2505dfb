package invoicing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mofresh/mofresh-erp/internal/platform/httpx"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler exposes the invoicing JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers routes on an /api/v1 router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders/{id}/invoice", h.generateOrder)
	r.Post("/orders/{id}/invoice/reissue", h.reissueOrder)
	r.Post("/rentals/{id}/invoice", h.generateRental)
	r.Post("/rentals/{id}/invoice/reissue", h.reissueRental)

	r.Get("/invoices", h.list)
	r.Get("/invoices/unpaid", h.unpaid)
	r.Get("/invoices/{id}", h.show)
	r.Post("/invoices/{id}/void", h.void)
	r.Post("/invoices/{id}/payments", h.recordPayment)
	r.Post("/invoices/{id}/momo", h.initiatePayment)
}

type generateFunc func(h *Handler, r *http.Request, id int64, in GenerateInput) (*WithDetails, error)

func (h *Handler) generateOrder(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, func(h *Handler, r *http.Request, id int64, in GenerateInput) (*WithDetails, error) {
		return h.service.GenerateOrderInvoice(r.Context(), id, in)
	})
}

func (h *Handler) reissueOrder(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, func(h *Handler, r *http.Request, id int64, in GenerateInput) (*WithDetails, error) {
		return h.service.ReissueOrderInvoice(r.Context(), id, in)
	})
}

func (h *Handler) generateRental(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, func(h *Handler, r *http.Request, id int64, in GenerateInput) (*WithDetails, error) {
		return h.service.GenerateRentalInvoice(r.Context(), id, in)
	})
}

func (h *Handler) reissueRental(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, func(h *Handler, r *http.Request, id int64, in GenerateInput) (*WithDetails, error) {
		return h.service.ReissueRentalInvoice(r.Context(), id, in)
	})
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request, fn generateFunc) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req GenerateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.RespondError(w, shared.Wrap(shared.KindValidation, err, "invalid request body"))
		return
	}
	inv, err := fn(h, r, id, GenerateInput{DueDate: req.DueDate, UserID: shared.ActorFromContext(r.Context())})
	if err != nil {
		h.fail(w, "generate invoice failed", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:   Status(q.Get("status")),
		ClientID: queryInt64(q.Get("client_id")),
		SiteID:   queryInt64(q.Get("site_id")),
		Page:     int(queryInt64(q.Get("page"))),
		Limit:    int(queryInt64(q.Get("limit"))),
	}
	var err error
	if filter.From, err = queryDate(q.Get("from")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = queryDate(q.Get("to")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}

	invoices, page, err := h.service.ListInvoices(r.Context(), filter)
	if err != nil {
		h.fail(w, "list invoices failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ListResponse{Invoices: invoices, Pagination: page})
}

func (h *Handler) unpaid(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := UnpaidFilter{
		SiteID:   queryInt64(q.Get("site_id")),
		ClientID: queryInt64(q.Get("client_id")),
		Page:     int(queryInt64(q.Get("page"))),
		Limit:    int(queryInt64(q.Get("limit"))),
	}
	var err error
	if filter.AsOf, err = queryDate(q.Get("as_of")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.ListUnpaid(r.Context(), filter)
	if err != nil {
		h.fail(w, "list unpaid invoices failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "get invoice failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req VoidRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.VoidInvoice(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "void invoice failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ManualPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	res, err := h.service.RecordManualPayment(r.Context(), id, req.Amount, shared.ActorFromContext(r.Context()), key)
	if err != nil {
		h.fail(w, "record payment failed", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req InitiatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	payment, err := h.service.InitiatePayment(r.Context(), id, req.PhoneNumber, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "initiate payment failed", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, payment)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, shared.Wrap(shared.KindValidation, err, "invalid request body"))
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.E(shared.KindValidation, "invalid id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if status := httpx.StatusFor(shared.KindOf(err)); status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	} else {
		h.logger.Info(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func queryInt64(raw string) int64 {
	v, _ := strconv.ParseInt(raw, 10, 64)
	return v
}

func queryDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, shared.E(shared.KindValidation, "invalid date %q", raw)
	}
	return t, nil
}
