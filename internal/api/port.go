package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/middleware"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const (
	portWriteWait = 10 * time.Second
	portQueueSize = 64
)

// port is one websocket connection. Each message is dispatched on its own
// goroutine so a page request waiting for the user does not hold up the
// rest; all writes go through a single writer.
type port struct {
	conn       *websocket.Conn
	dispatcher *Dispatcher
	hub        *Hub
	caller     Caller

	ctx    context.Context
	cancel context.CancelFunc
	out    chan Reply

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
}

func newPort(ctx context.Context, conn *websocket.Conn, d *Dispatcher, hub *Hub, caller Caller) *port {
	ctx, cancel := context.WithCancel(ctx)
	return &port{
		conn:       conn,
		dispatcher: d,
		hub:        hub,
		caller:     caller,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan Reply, portQueueSize),
	}
}

// run serves the connection until either side closes it
func (p *port) run() {
	p.conn.SetReadLimit(middleware.MaxBodySize)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop()
	}()

	p.readLoop()

	p.cancel()
	p.mu.Lock()
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.mu.Unlock()

	p.wg.Wait()
	<-writerDone
}

func (p *port) readLoop() {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && p.ctx.Err() == nil {
				logger.Warn(p.ctx, "port closed unexpectedly", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.send(Reply{Error: apperrors.BadRequest("invalid message envelope")})
			continue
		}

		if kind, ok := SubscriptionKind(env.Message); ok {
			p.subscribe(env, kind)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.send(p.dispatcher.Dispatch(p.ctx, p.caller, env))
		}()
	}
}

// subscribe answers with the current view and pushes every later one
// under the same message id
func (p *port) subscribe(env Envelope, kind types.RequestKind) {
	var unsub func()
	if p.caller.UI {
		unsub = p.hub.Subscribe(kind, func(view any) {
			p.trySend(Reply{ID: env.ID, Subscription: view})
		})
	}

	reply := p.dispatcher.Dispatch(p.ctx, p.caller, env)
	if reply.Error != nil {
		if unsub != nil {
			unsub()
		}
		p.send(reply)
		return
	}

	p.mu.Lock()
	p.unsubs = append(p.unsubs, unsub)
	p.mu.Unlock()
	p.send(reply)
}

func (p *port) writeLoop() {
	defer p.conn.Close()

	for {
		select {
		case <-p.ctx.Done():
			deadline := time.Now().Add(portWriteWait)
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case reply := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(portWriteWait))
			if err := p.conn.WriteJSON(reply); err != nil {
				logger.Warn(p.ctx, "port write failed", "error", err)
				p.cancel()
				return
			}
		}
	}
}

// send queues a reply, giving up once the port is closing
func (p *port) send(reply Reply) {
	select {
	case p.out <- reply:
	case <-p.ctx.Done():
	}
}

// trySend queues a pushed view without blocking the bus. A port that
// cannot keep up is closed; the UI reconnects and resubscribes.
func (p *port) trySend(reply Reply) {
	select {
	case p.out <- reply:
	case <-p.ctx.Done():
	default:
		logger.Warn(p.ctx, "port queue full, closing")
		p.cancel()
	}
}
