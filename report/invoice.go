package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
	"github.com/mofresh/mofresh-erp/internal/platform/httpx"
	"github.com/mofresh/mofresh-erp/internal/shared"
	"github.com/mofresh/mofresh-erp/web"
)

// InvoiceSource loads an invoice with its lines.
type InvoiceSource interface {
	GetInvoice(ctx context.Context, invoiceID int64) (*invoicing.WithDetails, error)
}

// PDFRenderer converts HTML into PDF bytes.
type PDFRenderer interface {
	RenderHTML(ctx context.Context, html []byte) ([]byte, error)
}

type invoiceView struct {
	Invoice     invoicing.Invoice
	Items       []invoicing.Item
	Outstanding decimal.Decimal
	Currency    string
	Void        bool
}

// InvoiceRenderer turns invoices into printable documents.
type InvoiceRenderer struct {
	tmpl     *template.Template
	pdf      PDFRenderer
	currency string
}

// NewInvoiceRenderer parses the embedded invoice template.
func NewInvoiceRenderer(pdf PDFRenderer, currency string) (*InvoiceRenderer, error) {
	if currency == "" {
		currency = "RWF"
	}
	tmpl, err := template.New("invoice.html").Funcs(template.FuncMap{
		"money": FormatMoney,
		"date": func(t time.Time) string {
			return t.Format("02 Jan 2006")
		},
	}).ParseFS(web.Templates, "templates/invoice/invoice.html")
	if err != nil {
		return nil, fmt.Errorf("parse invoice template: %w", err)
	}
	return &InvoiceRenderer{tmpl: tmpl, pdf: pdf, currency: currency}, nil
}

// HTML renders the invoice document.
func (r *InvoiceRenderer) HTML(inv *invoicing.WithDetails) ([]byte, error) {
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, invoiceView{
		Invoice:     inv.Invoice,
		Items:       inv.Items,
		Outstanding: inv.Outstanding(),
		Currency:    r.currency,
		Void:        inv.Status == invoicing.StatusVoid,
	})
	if err != nil {
		return nil, fmt.Errorf("render invoice %d: %w", inv.ID, err)
	}
	return buf.Bytes(), nil
}

// PDF renders the invoice and converts it through Gotenberg.
func (r *InvoiceRenderer) PDF(ctx context.Context, inv *invoicing.WithDetails) ([]byte, error) {
	html, err := r.HTML(inv)
	if err != nil {
		return nil, err
	}
	return r.pdf.RenderHTML(ctx, html)
}

// FormatMoney groups thousands and keeps two decimals, e.g. 23,600.00.
func FormatMoney(d decimal.Decimal) string {
	rounded := d.Round(2)
	p := message.NewPrinter(language.English)
	whole := p.Sprintf("%d", rounded.Abs().IntPart())
	cents := rounded.Abs().Sub(rounded.Abs().Truncate(0)).Shift(2).IntPart()
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
	}
	return fmt.Sprintf("%s%s.%02d", sign, whole, cents)
}

// Handler manages report endpoints.
type Handler struct {
	client   *Client
	invoices InvoiceSource
	renderer *InvoiceRenderer
	logger   *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(client *Client, invoices InvoiceSource, renderer *InvoiceRenderer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, invoices: invoices, renderer: renderer, logger: logger}
}

// MountRoutes registers report routes under the API prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reports/ping", h.ping)
	r.Get("/invoices/{id}/pdf", h.invoicePDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) invoicePDF(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.E(shared.KindValidation, "invalid invoice id"))
		return
	}
	inv, err := h.invoices.GetInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pdf, err := h.renderer.PDF(r.Context(), inv)
	if err != nil {
		h.logger.Error("render invoice pdf", slog.Int64("invoice_id", id), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.pdf", inv.InvoiceNumber))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
