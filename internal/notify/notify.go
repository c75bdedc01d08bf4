// Package notify surfaces pending requests to the user: it opens the
// approval window while anything is pending, closes it once every queue
// drains and keeps the badge text current.
package notify

import (
	"context"
	"strconv"
	"sync"

	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/pkg/types"
)

// Surface is the user-facing approval window
type Surface interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	SetBadge(ctx context.Context, text string) error
}

// Counter reports how many requests of one kind are pending
type Counter interface {
	Kind() types.RequestKind
	Len() int
}

// Trigger recomputes the surface state from the pending counts
type Trigger struct {
	surface  Surface
	counters []Counter

	mu    sync.Mutex
	open  bool
	badge string
}

// NewTrigger creates a trigger over the given queues
func NewTrigger(surface Surface, counters ...Counter) *Trigger {
	return &Trigger{surface: surface, counters: counters}
}

// Refresh is called after any queue of kind changed
func (t *Trigger) Refresh(ctx context.Context, kind types.RequestKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[types.RequestKind]int, len(t.counters))
	total := 0
	for _, c := range t.counters {
		n := c.Len()
		counts[c.Kind()] += n
		total += n
	}

	if badge := Badge(counts); badge != t.badge {
		if err := t.surface.SetBadge(ctx, badge); err != nil {
			logger.Warn(ctx, "failed to update badge", "error", err)
		} else {
			t.badge = badge
		}
	}

	switch {
	case total > 0 && !t.open:
		if err := t.surface.Open(ctx); err != nil {
			logger.Error(ctx, "failed to open approval surface", "kind", kind, "error", err)
			return
		}
		t.open = true
	case total == 0 && t.open:
		if err := t.surface.Close(ctx); err != nil {
			logger.Error(ctx, "failed to close approval surface", "error", err)
			return
		}
		t.open = false
	}

	logger.Debug(ctx, "pending requests refreshed", "kind", kind, "total", total, "open", t.open)
}

// IsOpen reports whether the surface is currently shown
func (t *Trigger) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Badge returns "Auth" while an authorization is pending, else "Meta"
// while metadata is pending, else the number of pending signatures.
func Badge(counts map[types.RequestKind]int) string {
	if counts[types.KindAuthorize] > 0 {
		return "Auth"
	}
	if counts[types.KindMetadata] > 0 {
		return "Meta"
	}
	if n := counts[types.KindSign] + counts[types.KindDidSign]; n > 0 {
		return strconv.Itoa(n)
	}
	return ""
}
