package momo

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/mofresh/mofresh-erp/internal/platform/httpx"
)

const maxCallbackBytes = 64 << 10

// WebhookConfig controls callback authentication and throttling.
type WebhookConfig struct {
	Token     string
	RateLimit int
}

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	reconciler *Reconciler
	cfg        WebhookConfig
	logger     *slog.Logger
}

// NewWebhookHandler builds the callback endpoint.
func NewWebhookHandler(reconciler *Reconciler, cfg WebhookConfig, logger *slog.Logger) *WebhookHandler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{reconciler: reconciler, cfg: cfg, logger: logger}
}

// MountRoutes registers POST /webhooks/momo.
func (h *WebhookHandler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(h.cfg.RateLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "")
		}),
	)
	r.With(limiter).Post("/webhooks/momo", h.handleCallback)
}

func (h *WebhookHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid callback token")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload too large", "")
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		h.logger.Warn("momo callback malformed", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed callback payload")
		return
	}
	res := h.reconciler.Handle(r.Context(), cb)
	httpx.JSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.cfg.Token == "" {
		return true
	}
	got := r.Header.Get("X-Callback-Token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Token)) == 1
}
