package channels

import (
	"context"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
)

// WhatsAppHandler processes chat webhooks for WhatsApp channels. The
// heavy lifting lives in the pipeline; the handler owns event filtering.
type WhatsAppHandler struct {
	pipeline *pipeline.Pipeline
}

// NewWhatsApp creates a WhatsAppHandler.
func NewWhatsApp(p *pipeline.Pipeline) *WhatsAppHandler {
	return &WhatsAppHandler{pipeline: p}
}

func (h *WhatsAppHandler) Type() model.ChannelType { return model.ChannelWhatsApp }

func (h *WhatsAppHandler) SupportedEvents() []model.EventType {
	return []model.EventType{
		model.EventMessageReceived,
		model.EventMessageSent,
		model.EventMessageDelivered,
		model.EventMessageRead,
	}
}

func (h *WhatsAppHandler) HandleEvent(ctx context.Context, tc routing.TenantContext, w *model.Webhook) (*pipeline.Result, error) {
	if !supports(h.SupportedEvents(), w.Event) {
		return nil, fmt.Errorf("%w: %q on whatsapp", ErrUnsupportedEvent, w.Event)
	}
	return h.pipeline.Process(ctx, tc, w)
}
