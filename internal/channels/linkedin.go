package channels

import (
	"context"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
)

// LinkedInHandler processes chat webhooks for LinkedIn messaging channels.
// LinkedIn shares the generic chat payload shape; its identifiers are URN
// handles rather than phone numbers.
type LinkedInHandler struct {
	pipeline *pipeline.Pipeline
}

// NewLinkedIn creates a LinkedInHandler.
func NewLinkedIn(p *pipeline.Pipeline) *LinkedInHandler {
	return &LinkedInHandler{pipeline: p}
}

func (h *LinkedInHandler) Type() model.ChannelType { return model.ChannelLinkedIn }

func (h *LinkedInHandler) SupportedEvents() []model.EventType {
	return []model.EventType{
		model.EventMessageReceived,
		model.EventMessageSent,
		model.EventMessageRead,
	}
}

func (h *LinkedInHandler) HandleEvent(ctx context.Context, tc routing.TenantContext, w *model.Webhook) (*pipeline.Result, error) {
	if !supports(h.SupportedEvents(), w.Event) {
		return nil, fmt.Errorf("%w: %q on linkedin", ErrUnsupportedEvent, w.Event)
	}
	return h.pipeline.Process(ctx, tc, w)
}
