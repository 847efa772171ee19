package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/resolution"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/syncjobs"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

// SyncEnqueuer enqueues sync requests. Satisfied by syncjobs.Publisher.
type SyncEnqueuer interface {
	Enqueue(ctx context.Context, req *syncjobs.Request) error
}

// AdminHandler exposes operational endpoints: sync triggers, routing table
// maintenance and participant relinking.
type AdminHandler struct {
	store    store.Store
	router   *routing.Router
	resolver *resolution.Service
	queue    SyncEnqueuer
	logger   *logger.Logger
}

// NewAdminHandler creates an AdminHandler. queue may be nil when no AMQP
// broker is wired; sync triggers then return 503.
func NewAdminHandler(st store.Store, router *routing.Router, resolver *resolution.Service, queue SyncEnqueuer, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		store:    st,
		router:   router,
		resolver: resolver,
		queue:    queue,
		logger:   log,
	}
}

type syncRequestBody struct {
	DaysBack     int      `json:"days_back"`
	MaxPerThread int      `json:"max_per_thread"`
	Folders      []string `json:"folders"`
}

// TriggerSync handles POST /admin/sync/{accountID}: creates the job row and
// enqueues the backfill.
func (h *AdminHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "sync queue not configured")
		return
	}
	accountID := chi.URLParam(r, "accountID")

	tc, err := h.router.Resolve(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, routing.ErrNotRegistered) {
			writeError(w, http.StatusNotFound, "account not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "routing unavailable")
		return
	}

	var body syncRequestBody
	if r.Body != nil {
		// An empty body means defaults.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	now := time.Now().UTC()
	job := &model.SyncJob{
		ChannelID: tc.ChannelID,
		Status:    model.SyncJobPending,
		StartedAt: &now,
	}
	if err := h.store.Tenant(tc.Schema).CreateSyncJob(r.Context(), job); err != nil {
		h.logger.Error("sync job creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create sync job")
		return
	}

	req := &syncjobs.Request{
		JobID:             job.ID,
		ProviderAccountID: accountID,
		DaysBack:          body.DaysBack,
		MaxPerThread:      body.MaxPerThread,
		Folders:           body.Folders,
	}
	if err := h.queue.Enqueue(r.Context(), req); err != nil {
		h.logger.Error("sync enqueue failed",
			zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not enqueue sync")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":    job.ID,
		"tenant_id": tc.TenantID,
	})
}

// GetSyncJob handles GET /admin/sync/{accountID}/jobs/{jobID}.
func (h *AdminHandler) GetSyncJob(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	jobID := chi.URLParam(r, "jobID")

	tc, err := h.router.Resolve(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not registered")
		return
	}

	job, err := h.store.Tenant(tc.Schema).GetSyncJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sync job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RebuildRouting handles POST /admin/routing/rebuild.
func (h *AdminHandler) RebuildRouting(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Rebuild(r.Context()); err != nil {
		h.logger.Error("routing rebuild failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "rebuilt",
		"entries": h.router.Size(),
	})
}

// InvalidateRouting handles DELETE /admin/routing/{accountID}.
func (h *AdminHandler) InvalidateRouting(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	h.router.Invalidate(accountID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "invalidated",
		"account_id": accountID,
	})
}

type relinkBody struct {
	AccountID string `json:"account_id"`
	ContactID string `json:"contact_id"`
}

// OverrideParticipantContact handles PUT /admin/participants/{participantID}/contact.
// The account id in the body selects the tenant whose participant is relinked.
func (h *AdminHandler) OverrideParticipantContact(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	var body relinkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.AccountID == "" || body.ContactID == "" {
		writeError(w, http.StatusBadRequest, "account_id and contact_id are required")
		return
	}

	tc, err := h.router.Resolve(r.Context(), body.AccountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not registered")
		return
	}

	p, err := h.resolver.OverrideContactLink(r.Context(), h.store.Tenant(tc.Schema), participantID, body.ContactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "participant not found")
			return
		}
		h.logger.Error("participant relink failed",
			zap.String("participant_id", participantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "relink failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
