package notify

import (
	"context"

	evbus "github.com/asaskevich/EventBus"

	"github.com/better-wallet/keybroker/pkg/types"
)

// Event bus topics
const (
	TopicSurfaceOpen  = "surface.open"
	TopicSurfaceClose = "surface.close"
	TopicSurfaceBadge = "surface.badge"
)

// PendingTopic is the topic a kind's pending view is published on
func PendingTopic(kind types.RequestKind) string {
	return "pending." + string(kind)
}

// EventSurface publishes surface changes on the event bus, where the UI
// connection picks them up and shows or hides its window
type EventSurface struct {
	bus evbus.Bus
}

// NewEventSurface creates a surface publishing on bus
func NewEventSurface(bus evbus.Bus) *EventSurface {
	return &EventSurface{bus: bus}
}

func (s *EventSurface) Open(ctx context.Context) error {
	s.bus.Publish(TopicSurfaceOpen, true)
	return nil
}

func (s *EventSurface) Close(ctx context.Context) error {
	s.bus.Publish(TopicSurfaceClose, false)
	return nil
}

func (s *EventSurface) SetBadge(ctx context.Context, text string) error {
	s.bus.Publish(TopicSurfaceBadge, text)
	return nil
}

var _ Surface = (*EventSurface)(nil)
