// Package handler implements the HTTP surface: the provider webhook endpoint,
// admin operations and health checks.
package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/channels"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/transform"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/metrics"
)

// maxWebhookBody caps provider payload size.
const maxWebhookBody = 2 << 20 // 2MB

// WebhookHandler receives provider deliveries.
type WebhookHandler struct {
	router   *routing.Router
	registry *channels.Registry
	accounts *channels.AccountService
	logger   *logger.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(router *routing.Router, registry *channels.Registry, accounts *channels.AccountService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		router:   router,
		registry: registry,
		accounts: accounts,
		logger:   log,
	}
}

type webhookResponse struct {
	Success         bool               `json:"success"`
	ConversationID  string             `json:"conversation_id,omitempty"`
	MessageID       string             `json:"message_id,omitempty"`
	StorageDecision *pipeline.Decision `json:"storage_decision,omitempty"`
}

// Receive handles POST /webhooks/{provider}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	wh, err := transform.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		metrics.RecordWebhook("unknown", "unknown", "invalid", time.Since(start).Seconds())
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tc, err := h.router.Resolve(r.Context(), wh.AccountID)
	if err != nil {
		if errors.Is(err, routing.ErrNotRegistered) {
			h.logger.Warn("webhook for unregistered account",
				zap.String("account_id", wh.AccountID))
			metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "unrouted", time.Since(start).Seconds())
			writeError(w, http.StatusNotFound, "account not registered")
			return
		}
		h.logger.Error("routing failure", zap.Error(err))
		metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "error", time.Since(start).Seconds())
		writeError(w, http.StatusInternalServerError, "routing unavailable")
		return
	}

	if wh.Account != nil {
		h.handleAccountEvent(w, r, tc, wh, start)
		return
	}

	res, err := h.registry.Dispatch(r.Context(), tc, wh)
	if err != nil {
		h.writeDispatchError(w, wh, err, start)
		return
	}

	metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "ok", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, webhookResponse{
		Success:         true,
		ConversationID:  res.ConversationID,
		MessageID:       res.MessageID,
		StorageDecision: &res.Decision,
	})
}

func (h *WebhookHandler) handleAccountEvent(w http.ResponseWriter, r *http.Request, tc routing.TenantContext, wh *model.Webhook, start time.Time) {
	if err := h.accounts.HandleAccountEvent(r.Context(), tc, wh); err != nil {
		h.logger.Error("account event failed",
			zap.String("account_id", wh.AccountID), zap.Error(err))
		metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "error", time.Since(start).Seconds())
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Success: false})
		return
	}
	metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "ok", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, webhookResponse{Success: true})
}

func (h *WebhookHandler) writeDispatchError(w http.ResponseWriter, wh *model.Webhook, err error, start time.Time) {
	switch {
	case errors.Is(err, channels.ErrUnsupportedEvent):
		metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "unsupported", time.Since(start).Seconds())
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, transform.ErrTransform), errors.Is(err, transform.ErrValidation):
		metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "invalid", time.Since(start).Seconds())
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("webhook processing failed",
			zap.String("account_id", wh.AccountID),
			zap.String("event", string(wh.Event)),
			zap.Error(err))
		metrics.RecordWebhook(string(wh.Channel), string(wh.Event), "error", time.Since(start).Seconds())
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Success: false})
	}
}
