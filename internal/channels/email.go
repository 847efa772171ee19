package channels

import (
	"context"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
)

// EmailHandler processes mail webhooks for email channels.
type EmailHandler struct {
	pipeline *pipeline.Pipeline
}

// NewEmail creates an EmailHandler.
func NewEmail(p *pipeline.Pipeline) *EmailHandler {
	return &EmailHandler{pipeline: p}
}

func (h *EmailHandler) Type() model.ChannelType { return model.ChannelEmail }

func (h *EmailHandler) SupportedEvents() []model.EventType {
	return []model.EventType{
		model.EventMailReceived,
		model.EventMailSent,
	}
}

func (h *EmailHandler) HandleEvent(ctx context.Context, tc routing.TenantContext, w *model.Webhook) (*pipeline.Result, error) {
	if !supports(h.SupportedEvents(), w.Event) {
		return nil, fmt.Errorf("%w: %q on email", ErrUnsupportedEvent, w.Event)
	}
	return h.pipeline.Process(ctx, tc, w)
}
