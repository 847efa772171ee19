// Package channels dispatches webhooks to per-channel handlers and manages
// account lifecycle transitions.
package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
)

// ErrUnsupportedEvent means a handler received an event type it does not
// process. The delivery is acknowledged and dropped, not retried.
var ErrUnsupportedEvent = errors.New("channels: unsupported event")

// Handler processes message-bearing webhooks for one channel type.
type Handler interface {
	Type() model.ChannelType
	SupportedEvents() []model.EventType
	HandleEvent(ctx context.Context, tc routing.TenantContext, w *model.Webhook) (*pipeline.Result, error)
}

// Registry maps channel types onto their handlers.
type Registry struct {
	handlers map[model.ChannelType]Handler
}

// NewRegistry creates a Registry from the given handlers. Duplicate channel
// types are a programming error.
func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[model.ChannelType]Handler, len(hs))}
	for _, h := range hs {
		if _, dup := r.handlers[h.Type()]; dup {
			return nil, fmt.Errorf("channels: duplicate handler for %q", h.Type())
		}
		r.handlers[h.Type()] = h
	}
	return r, nil
}

// For returns the handler for a channel type.
func (r *Registry) For(t model.ChannelType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Dispatch routes one webhook to the handler for the routed channel's type.
// The tenant's registered channel type is authoritative; the payload's own
// channel hints only inform parsing.
func (r *Registry) Dispatch(ctx context.Context, tc routing.TenantContext, w *model.Webhook) (*pipeline.Result, error) {
	h, ok := r.For(tc.ChannelType)
	if !ok {
		return nil, fmt.Errorf("%w: no handler for channel %q", ErrUnsupportedEvent, tc.ChannelType)
	}
	return h.HandleEvent(ctx, tc, w)
}

func supports(events []model.EventType, e model.EventType) bool {
	for _, s := range events {
		if s == e {
			return true
		}
	}
	return false
}
