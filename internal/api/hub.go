package api

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"

	"github.com/better-wallet/keybroker/internal/notify"
	"github.com/better-wallet/keybroker/pkg/types"
)

// Hub fans pending views out to port subscriptions. It holds a single bus
// subscription per kind; bus handlers run under the bus lock, so listeners
// must return without blocking and must not touch the bus.
type Hub struct {
	bus      evbus.Bus
	handlers map[types.RequestKind]func(any)

	mu        sync.RWMutex
	listeners map[types.RequestKind]map[uint64]func(view any)
	next      uint64
}

// NewHub subscribes to every pending view topic on bus
func NewHub(bus evbus.Bus) (*Hub, error) {
	h := &Hub{
		bus:       bus,
		handlers:  make(map[types.RequestKind]func(any)),
		listeners: make(map[types.RequestKind]map[uint64]func(any)),
	}
	for _, kind := range types.AllKinds {
		handler := func(view any) { h.publish(kind, view) }
		if err := bus.Subscribe(notify.PendingTopic(kind), handler); err != nil {
			h.Close()
			return nil, err
		}
		h.handlers[kind] = handler
	}
	return h, nil
}

// Subscribe registers fn for views of kind and returns its cancel func
func (h *Hub) Subscribe(kind types.RequestKind, fn func(view any)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	id := h.next
	if h.listeners[kind] == nil {
		h.listeners[kind] = make(map[uint64]func(any))
	}
	h.listeners[kind][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners[kind], id)
	}
}

// Listeners counts the subscriptions on kind
func (h *Hub) Listeners(kind types.RequestKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[kind])
}

// Close drops the bus subscriptions
func (h *Hub) Close() {
	for kind, handler := range h.handlers {
		_ = h.bus.Unsubscribe(notify.PendingTopic(kind), handler)
		delete(h.handlers, kind)
	}
}

func (h *Hub) publish(kind types.RequestKind, view any) {
	h.mu.RLock()
	fns := make([]func(any), 0, len(h.listeners[kind]))
	for _, fn := range h.listeners[kind] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(view)
	}
}
