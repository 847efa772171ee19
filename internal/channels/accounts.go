package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/events"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

// AccountPublisher announces account lifecycle transitions downstream.
type AccountPublisher interface {
	AccountStatus(ctx context.Context, ev *events.AccountStatusChanged) error
}

// AccountService applies account-level lifecycle events: auth status flips on
// the tenant's channel and the shared routing table, with the router cache
// invalidated so the next webhook sees the new state.
type AccountService struct {
	store     store.Store
	router    *routing.Router
	publisher AccountPublisher
	logger    *logger.Logger
}

// NewAccountService creates an AccountService. publisher may be nil.
func NewAccountService(st store.Store, router *routing.Router, pub AccountPublisher, log *logger.Logger) *AccountService {
	return &AccountService{
		store:     st,
		router:    router,
		publisher: pub,
		logger:    log,
	}
}

// HandleAccountEvent processes one account.connected or account.disconnected
// webhook inside the routed tenant.
func (s *AccountService) HandleAccountEvent(ctx context.Context, tc routing.TenantContext, w *model.Webhook) error {
	if w.Account == nil {
		return fmt.Errorf("%w: account event without payload", ErrUnsupportedEvent)
	}

	status := authStatusFor(w.Event, w.Account.Status)
	ts := s.store.Tenant(tc.Schema)

	if err := ts.SetChannelAuthStatus(ctx, tc.ChannelID, status); err != nil {
		return fmt.Errorf("channels: channel status update: %w", err)
	}

	conn, err := s.store.GetConnection(ctx, tc.ProviderAccountID)
	if err != nil {
		return fmt.Errorf("channels: connection lookup: %w", err)
	}
	conn.AuthStatus = status
	if w.Account.Identifier != "" {
		conn.AccountIdentifier = w.Account.Identifier
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return fmt.Errorf("channels: connection update: %w", err)
	}

	s.router.Invalidate(tc.ProviderAccountID)

	s.logger.Info("account status changed",
		zap.String("tenant_id", tc.TenantID),
		zap.String("provider_account_id", tc.ProviderAccountID),
		zap.String("auth_status", string(status)))

	if s.publisher != nil {
		ev := &events.AccountStatusChanged{
			TenantID:          tc.TenantID,
			ProviderAccountID: tc.ProviderAccountID,
			ChannelID:         tc.ChannelID,
			ChannelType:       tc.ChannelType,
			AuthStatus:        status,
			OccurredAt:        time.Now().UTC(),
		}
		if err := s.publisher.AccountStatus(ctx, ev); err != nil {
			s.logger.Warn("failed to publish account event",
				zap.String("provider_account_id", tc.ProviderAccountID),
				zap.Error(err))
		}
	}
	return nil
}

// authStatusFor maps the event type and the provider's status string onto the
// channel auth state. Disconnects caused by credential problems surface as
// failed rather than a clean disconnect.
func authStatusFor(event model.EventType, providerStatus string) model.AuthStatus {
	if event == model.EventAccountConnected {
		return model.AuthStatusConnected
	}
	ps := strings.ToLower(providerStatus)
	if strings.Contains(ps, "credential") || strings.Contains(ps, "error") || strings.Contains(ps, "fail") {
		return model.AuthStatusFailed
	}
	return model.AuthStatusDisconnected
}
