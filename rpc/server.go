package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/tee-attested-services/interfaces"
	"go.uber.org/atomic"
)

const (
	// RPCPath is where requests are posted.
	RPCPath = "/rpc"

	maxRequestSize = 4 << 20
)

// Server runs the attested endpoint of a service. Each connection is served
// independently: a failing handshake or connection is logged and dropped
// without affecting the accept loop.
type Server struct {
	cfg     *ServerConfig
	isReady atomic.Bool
	log     *slog.Logger
	handler Handler

	srv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(cfg *ServerConfig, handler Handler) (*Server, error) {
	if cfg.TLSConfig == nil || len(cfg.TLSConfig.Certificates) == 0 {
		return nil, fmt.Errorf("%w: server requires an attested certificate", interfaces.ErrChannelConfig)
	}
	if handler == nil {
		return nil, errors.New("no rpc handler")
	}

	cfg = cfg.withDefaults()
	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: handler,
	}

	srv.srv = &http.Server{
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(cfg.Log.Handler(), slog.LevelWarn),
		ConnState:    srv.connState,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.With(srv.httpLogger).Post(RPCPath, srv.handleRPC)

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) connState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		srv.log.Debug("connection accepted", "remote", conn.RemoteAddr().String())
	case http.StateClosed, http.StateHijacked:
		srv.log.Debug("connection closed", "remote", conn.RemoteAddr().String())
	}
}

func (srv *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Errorf(http.StatusBadRequest, "reading request: %v", err))
		return
	}

	resp, err := srv.handler.ServeRPC(r.Context(), body)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			writeJSON(w, rpcErr.Code, rpcErr)
			return
		}
		srv.log.Error("rpc handler failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, Errorf(http.StatusInternalServerError, "internal error"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Listen binds the listen address. It is separate from Serve so that bind
// failures are reported before the caller commits to serving.
func (srv *Server) Listen() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.listener != nil {
		return errors.New("already listening")
	}

	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %w", interfaces.ErrServiceFailed, srv.cfg.ListenAddr, err)
	}

	srv.listener = tls.NewListener(ln, srv.cfg.TLSConfig)
	return nil
}

// Addr is the bound address, nil before Listen.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// Serve runs the accept loop until Shutdown. It returns nil after a shutdown
// and an ErrServiceFailed error if the loop died on its own.
func (srv *Server) Serve() error {
	srv.mu.Lock()
	ln := srv.listener
	srv.mu.Unlock()

	if ln == nil {
		return fmt.Errorf("%w: Serve called before Listen", interfaces.ErrServiceFailed)
	}

	srv.isReady.Store(true)
	srv.log.Info("Starting RPC server", "listenAddress", ln.Addr().String())

	if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.isReady.Store(false)
		return fmt.Errorf("%w: %w", interfaces.ErrServiceFailed, err)
	}
	return nil
}

// Shutdown marks the server not ready, waits DrainDuration, then stops
// accepting and waits for in-flight requests.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.isReady.Store(false)

	if srv.cfg.DrainDuration > 0 {
		select {
		case <-time.After(srv.cfg.DrainDuration):
		case <-ctx.Done():
		}
	}

	ctx, cancel := context.WithTimeout(ctx, srv.cfg.GracefulShutdownDuration)
	defer cancel()

	err := srv.srv.Shutdown(ctx)

	// Serve closes the listener itself; this covers a server shut down before serving.
	srv.mu.Lock()
	if srv.listener != nil {
		_ = srv.listener.Close()
	}
	srv.mu.Unlock()

	if err != nil {
		srv.log.Error("Graceful RPC server shutdown failed", "err", err)
		return err
	}

	srv.log.Info("RPC server gracefully stopped")
	return nil
}
