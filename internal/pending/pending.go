// Package pending holds requests waiting for an explicit user decision.
// Each entry owns a one-shot completion handle; the entry is removed under
// the table lock before the handle fires, so a request resolves at most once.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

// Request is the public view of a pending entry
type Request[P any] struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Payload P      `json:"request"`
}

type outcome[R any] struct {
	value R
	err   error
}

// Future is the caller's side of a pending request
type Future[R any] struct {
	ch chan outcome[R]
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{ch: make(chan outcome[R], 1)}
}

// Resolved returns a future that is already settled with v
func Resolved[R any](v R) *Future[R] {
	f := newFuture[R]()
	f.ch <- outcome[R]{value: v}
	return f
}

// Wait blocks until the request is settled or ctx is done. Giving up on
// the wait does not withdraw the request.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case o := <-f.ch:
		return o.value, o.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// IDSource hands out request ids shared by every table in the process
type IDSource struct {
	counter atomic.Uint64
	now     func() time.Time
}

// NewIDSource creates an id source
func NewIDSource() *IDSource {
	return &IDSource{now: time.Now}
}

// Next returns "<unix-ms>.<counter>"; the counter never repeats
func (s *IDSource) Next() string {
	n := s.counter.Add(1)
	return fmt.Sprintf("%d.%d", s.now().UnixMilli(), n)
}

type entry[P, R any] struct {
	req     Request[P]
	done    chan outcome[R]
	claimed bool
}

// Table is one kind's pending queue, in arrival order
type Table[P, R any] struct {
	kind types.RequestKind
	ids  *IDSource

	mu       sync.Mutex
	entries  map[string]*entry[P, R]
	order    []string
	onChange func(types.RequestKind)
}

// NewTable creates an empty table drawing ids from ids
func NewTable[P, R any](kind types.RequestKind, ids *IDSource) *Table[P, R] {
	return &Table[P, R]{
		kind:    kind,
		ids:     ids,
		entries: make(map[string]*entry[P, R]),
	}
}

// Kind returns the request kind this table queues
func (t *Table[P, R]) Kind() types.RequestKind {
	return t.kind
}

// OnChange registers fn to run after every enqueue and settlement.
// fn is called without the table lock held.
func (t *Table[P, R]) OnChange(fn func(types.RequestKind)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Enqueue stores payload and returns its id and completion future
func (t *Table[P, R]) Enqueue(url string, payload P) (string, *Future[R]) {
	id, f, _ := t.EnqueueUnless(url, payload, nil)
	return id, f
}

// EnqueueUnless enqueues only when conflict reports false for every pending
// entry. The check and the insert happen under one lock.
func (t *Table[P, R]) EnqueueUnless(url string, payload P, conflict func(Request[P]) bool) (string, *Future[R], bool) {
	var admit func([]Request[P]) error
	if conflict != nil {
		admit = func(queued []Request[P]) error {
			for _, r := range queued {
				if conflict(r) {
					return errConflict
				}
			}
			return nil
		}
	}
	id, f, err := t.EnqueueIf(url, payload, admit)
	return id, f, err == nil
}

var errConflict = errors.New("conflicting request pending")

// EnqueueIf runs admit over the queued requests, claimed ones included, and
// enqueues only when it returns nil. admit runs under the table lock and
// must not call back into the table.
func (t *Table[P, R]) EnqueueIf(url string, payload P, admit func(queued []Request[P]) error) (string, *Future[R], error) {
	t.mu.Lock()
	if admit != nil {
		queued := make([]Request[P], 0, len(t.order))
		for _, id := range t.order {
			queued = append(queued, t.entries[id].req)
		}
		if err := admit(queued); err != nil {
			t.mu.Unlock()
			return "", nil, err
		}
	}

	f := newFuture[R]()
	id := t.ids.Next()
	t.entries[id] = &entry[P, R]{
		req:  Request[P]{ID: id, URL: url, Payload: payload},
		done: f.ch,
	}
	t.order = append(t.order, id)
	hook := t.onChange
	t.mu.Unlock()

	if hook != nil {
		hook(t.kind)
	}
	return id, f, nil
}

// Claim is the exclusive right to settle one pending entry. Exactly one of
// Resolve or Reject must be called on it.
type Claim[P, R any] struct {
	Request Request[P]
	table   *Table[P, R]
	once    sync.Once
}

// Take claims id before any side effect of the decision runs. The entry
// stays queued until the claim is settled, but Resolve, Reject and Take
// report NotFound for it meanwhile.
func (t *Table[P, R]) Take(id string) (*Claim[P, R], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.claimed {
		return nil, apperrors.NotFound("Request", id)
	}
	e.claimed = true
	return &Claim[P, R]{Request: e.req, table: t}, nil
}

// Kind returns the request kind of the claimed entry
func (c *Claim[P, R]) Kind() types.RequestKind {
	return c.table.kind
}

// Resolve settles the claimed entry with value
func (c *Claim[P, R]) Resolve(value R) {
	c.once.Do(func() { c.table.finish(c.Request.ID, outcome[R]{value: value}) })
}

// Reject settles the claimed entry with err
func (c *Claim[P, R]) Reject(err error) {
	if err == nil {
		err = apperrors.ErrRejected
	}
	c.once.Do(func() { c.table.finish(c.Request.ID, outcome[R]{err: err}) })
}

// Resolve settles id with value
func (t *Table[P, R]) Resolve(id string, value R) error {
	return t.settle(id, outcome[R]{value: value})
}

// Reject settles id with err
func (t *Table[P, R]) Reject(id string, err error) error {
	if err == nil {
		err = apperrors.ErrRejected
	}
	return t.settle(id, outcome[R]{err: err})
}

func (t *Table[P, R]) settle(id string, o outcome[R]) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.claimed {
		t.mu.Unlock()
		return apperrors.NotFound("Request", id)
	}
	t.removeLocked(id)
	hook := t.onChange
	t.mu.Unlock()

	t.fire(e, o, hook)
	return nil
}

// finish settles an entry held by a Claim
func (t *Table[P, R]) finish(id string, o outcome[R]) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.removeLocked(id)
	hook := t.onChange
	t.mu.Unlock()

	t.fire(e, o, hook)
}

func (t *Table[P, R]) removeLocked(id string) {
	delete(t.entries, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Table[P, R]) fire(e *entry[P, R], o outcome[R], hook func(types.RequestKind)) {
	// buffered and written once, never blocks
	e.done <- o

	if hook != nil {
		hook(t.kind)
	}
}

// Peek returns the pending request without settling it
func (t *Table[P, R]) Peek(id string) (Request[P], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Request[P]{}, false
	}
	return e.req, true
}

// Len returns the number of pending requests
func (t *Table[P, R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// All returns the pending requests in arrival order
func (t *Table[P, R]) All() []Request[P] {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Request[P], 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].req)
	}
	return out
}
