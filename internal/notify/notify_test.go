package notify

import (
	"context"
	"errors"
	"testing"

	evbus "github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/keybroker/pkg/types"
)

type fakeCounter struct {
	kind types.RequestKind
	n    int
}

func (c *fakeCounter) Kind() types.RequestKind { return c.kind }
func (c *fakeCounter) Len() int                { return c.n }

type recordingSurface struct {
	calls   []string
	badges  []string
	openErr error
}

func (s *recordingSurface) Open(ctx context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.calls = append(s.calls, "open")
	return nil
}

func (s *recordingSurface) Close(ctx context.Context) error {
	s.calls = append(s.calls, "close")
	return nil
}

func (s *recordingSurface) SetBadge(ctx context.Context, text string) error {
	s.badges = append(s.badges, text)
	return nil
}

func TestBadge(t *testing.T) {
	tests := []struct {
		name   string
		counts map[types.RequestKind]int
		want   string
	}{
		{name: "nothing pending", counts: map[types.RequestKind]int{}, want: ""},
		{name: "auth wins", counts: map[types.RequestKind]int{types.KindAuthorize: 1, types.KindMetadata: 2, types.KindSign: 3}, want: "Auth"},
		{name: "meta before signatures", counts: map[types.RequestKind]int{types.KindMetadata: 1, types.KindSign: 3}, want: "Meta"},
		{name: "signatures are summed", counts: map[types.RequestKind]int{types.KindSign: 3, types.KindDidSign: 2}, want: "5"},
		{name: "did signatures alone", counts: map[types.RequestKind]int{types.KindDidSign: 1}, want: "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Badge(tt.counts))
		})
	}
}

func TestTrigger_OpenClose(t *testing.T) {
	ctx := context.Background()
	auth := &fakeCounter{kind: types.KindAuthorize}
	sign := &fakeCounter{kind: types.KindSign}
	surface := &recordingSurface{}
	trigger := NewTrigger(surface, auth, sign)

	trigger.Refresh(ctx, types.KindSign)
	assert.Empty(t, surface.calls)
	assert.False(t, trigger.IsOpen())

	sign.n = 1
	trigger.Refresh(ctx, types.KindSign)
	sign.n = 2
	trigger.Refresh(ctx, types.KindSign)
	auth.n = 1
	trigger.Refresh(ctx, types.KindAuthorize)
	assert.Equal(t, []string{"open"}, surface.calls)
	assert.True(t, trigger.IsOpen())

	auth.n, sign.n = 0, 0
	trigger.Refresh(ctx, types.KindAuthorize)
	trigger.Refresh(ctx, types.KindSign)
	assert.Equal(t, []string{"open", "close"}, surface.calls)
	assert.False(t, trigger.IsOpen())

	assert.Equal(t, []string{"1", "2", "Auth", ""}, surface.badges)
}

func TestTrigger_OpenFailureRetries(t *testing.T) {
	ctx := context.Background()
	sign := &fakeCounter{kind: types.KindSign, n: 1}
	surface := &recordingSurface{openErr: errors.New("no window")}
	trigger := NewTrigger(surface, sign)

	trigger.Refresh(ctx, types.KindSign)
	assert.False(t, trigger.IsOpen())

	surface.openErr = nil
	trigger.Refresh(ctx, types.KindSign)
	assert.True(t, trigger.IsOpen())
	assert.Equal(t, []string{"open"}, surface.calls)
}

func TestEventSurface(t *testing.T) {
	ctx := context.Background()
	bus := evbus.New()

	var events []string
	require.NoError(t, bus.Subscribe(TopicSurfaceOpen, func(bool) { events = append(events, "open") }))
	require.NoError(t, bus.Subscribe(TopicSurfaceClose, func(bool) { events = append(events, "close") }))
	require.NoError(t, bus.Subscribe(TopicSurfaceBadge, func(text string) { events = append(events, "badge:"+text) }))

	surface := NewEventSurface(bus)
	require.NoError(t, surface.Open(ctx))
	require.NoError(t, surface.SetBadge(ctx, "Auth"))
	require.NoError(t, surface.Close(ctx))

	assert.Equal(t, []string{"open", "badge:Auth", "close"}, events)
	assert.Equal(t, "pending.signing", PendingTopic(types.KindSign))
}
