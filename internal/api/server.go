package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/better-wallet/keybroker/internal/config"
	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/middleware"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
)

// Server exposes the dispatcher over HTTP and websocket.
//
// Page messages take their origin from the X-Origin header, else the
// browser's Origin header. Neither is authenticated: the server trusts
// whatever relays page traffic to it (the extension's content script) to
// set them, and must only listen where that relay is the sole page-side
// client. UI messages are authenticated by the bearer token.
type Server struct {
	config     *config.Config
	dispatcher *Dispatcher
	hub        *Hub
	uiAuth     *middleware.UIAuth
	limiter    *middleware.RateLimiter
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	httpServer *http.Server

	// ports outlive their request; closed on Shutdown
	ports       sync.WaitGroup
	portsCtx    context.Context
	closePorts  context.CancelFunc
	shutdownOne sync.Once
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, broker Broker, m *metrics.Metrics) (*Server, error) {
	hub, err := NewHub(broker.Bus())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pending views: %w", err)
	}
	limiter := middleware.NewRateLimiter(cfg.PageRateLimitRPS, cfg.PageRateLimitBurst)
	portsCtx, closePorts := context.WithCancel(context.Background())

	return &Server{
		config:     cfg,
		dispatcher: NewDispatcher(broker, limiter, m),
		hub:        hub,
		uiAuth:     middleware.NewUIAuth(cfg.UITokenHash),
		limiter:    limiter,
		metrics:    m,
		upgrader: websocket.Upgrader{
			// pages reach the port through the extension's content script,
			// which is not a web origin; page privilege is checked per message
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		portsCtx:   portsCtx,
		closePorts: closePorts,
	}, nil
}

// Handler returns the routed handler with the middleware chain applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/port", s.handlePort)

	// Chain: RequestID -> Logging -> Origin -> UI auth -> body limit -> routes
	return middleware.RequestID(
		middleware.Logging(
			middleware.Origin(
				s.uiAuth.Identify(
					middleware.LimitBody(mux)))))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: page messages wait for the user's decision
		IdleTimeout: 60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes open ports and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOne.Do(func() {
		s.closePorts()
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}

		done := make(chan struct{})
		go func() {
			s.ports.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}

		s.hub.Close()
		s.limiter.Close()
	})
	return err
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMessages answers one envelope. Subscriptions return the current
// view only; use the port to receive updates.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	reply := s.dispatcher.Dispatch(r.Context(), s.callerOf(r), env)
	status := http.StatusOK
	if reply.Error != nil {
		status = reply.Error.StatusCode
	}
	writeJSON(w, status, reply)
}

// handlePort upgrades to a websocket carrying envelopes both ways
func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	caller := s.callerOf(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		logger.Warn(r.Context(), "port upgrade failed", "error", err)
		return
	}

	s.ports.Add(1)
	defer s.ports.Done()

	// the port lives until the client or Shutdown closes it
	ctx, stop := context.WithCancel(logger.WithRequestID(s.portsCtx, logger.GetRequestID(r.Context())))
	defer stop()
	if o := logger.GetOrigin(r.Context()); o != "" {
		ctx = logger.WithOrigin(ctx, o)
	}

	logger.Info(ctx, "port opened", "ui", caller.UI)
	newPort(ctx, conn, s.dispatcher, s.hub, caller).run()
	logger.Info(ctx, "port closed")
}

func (s *Server) callerOf(r *http.Request) Caller {
	return Caller{
		UI:  middleware.IsUI(r.Context()),
		URL: middleware.PageOrigin(r),
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	writeJSON(w, err.StatusCode, Reply{Error: err})
}
