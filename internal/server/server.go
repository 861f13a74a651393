package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/internal/telemetry"
	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/logger"
	"github.com/turtacn/endura/pkg/protocol"
)

const maxCommandBytes = 4096

// Dispatcher applies one raw command message.
type Dispatcher interface {
	HandleRaw(ctx context.Context, raw []byte) protocol.Reply
}

// Options tune the HTTP command surface.
type Options struct {
	CommandRate  float64 // POST /api/commands per second
	CommandBurst int
}

// Server exposes the live view over websocket and a small JSON API.
type Server struct {
	dispatcher Dispatcher
	store      *rig.Store
	hub        *telemetry.Broadcaster
	limiter    *rate.Limiter
	log        logger.Logger

	// ctx ends websocket sessions on shutdown.
	ctx context.Context
}

func New(d Dispatcher, store *rig.Store, hub *telemetry.Broadcaster, opts Options) *Server {
	limit := rate.Inf
	if opts.CommandRate > 0 {
		limit = rate.Limit(opts.CommandRate)
	}
	burst := opts.CommandBurst
	if burst < 1 {
		burst = 1
	}
	return &Server{
		dispatcher: d,
		store:      store,
		hub:        hub,
		limiter:    rate.NewLimiter(limit, burst),
		log:        logger.Log.With("component", "server"),
		ctx:        context.Background(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/commands", s.handleCommand)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Serve runs the HTTP server on l until ctx ends, then shuts it down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.ctx = ctx
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", l.Addr().String())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"observers": s.hub.Sinks(),
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, protocol.Reply{Error: "rate limit exceeded"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.Reply{Error: "command too large", Code: int(errors.ErrCodeInvalidCommand)})
		return
	}

	reply := s.dispatcher.HandleRaw(r.Context(), raw)
	writeJSON(w, statusFor(reply), reply)
}

// statusFor maps a command reply onto an HTTP status code.
func statusFor(reply protocol.Reply) int {
	if reply.Error == "" {
		return http.StatusOK
	}
	switch errors.ErrorCode(reply.Code) {
	case errors.ErrCodeAlreadyRunning, errors.ErrCodeRunActive:
		return http.StatusConflict
	case errors.ErrCodeInvalidCommand, errors.ErrCodeUnknownAction:
		return http.StatusBadRequest
	case errors.ErrCodeDriverIO, errors.ErrCodeDriverProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Personal.AI order the ending
