// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/config"
)

// Controller is the part of the session controller the HTTP surface drives.
type Controller interface {
	Start(ctx context.Context, rawURL string, headless bool, duration time.Duration) error
	Stop(ctx context.Context)
	Clear()
	Status() schemas.SessionStatus
	Snapshot() []schemas.LogEntry
	ExportReport(prefix string) (string, error)
}

// Subscriber is the source of live notifications fanned out over /ws.
type Subscriber interface {
	Subscribe(types ...schemas.NotificationType) (<-chan schemas.Notification, func())
}

// Server hosts the control API and the live-update WebSocket.
type Server struct {
	cfg      config.Interface
	logger   *zap.Logger
	ctrl     Controller
	handlers *Handlers
	ws       *WSManager
	router   chi.Router
}

// NewServer wires the router. Nothing is served until Run is called.
func NewServer(cfg config.Interface, ctrl Controller, hub Subscriber, logger *zap.Logger) *Server {
	logger = logger.Named("server")
	s := &Server{
		cfg:    cfg,
		logger: logger,
		ctrl:   ctrl,
		ws:     NewWSManager(hub, cfg.Server().WSSendBuffer, logger),
	}
	s.handlers = NewHandlers(cfg, ctrl, logger)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// The socket stays out of the timeout and request logging group.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(2 * time.Minute))
		s.handlers.RegisterRoutes(r)
	})
	return r
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// WS returns the live-update manager.
func (s *Server) WS() *WSManager {
	return s.ws
}

// Run serves on server.addr until ctx is cancelled, then shuts down within
// server.shutdown_timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server().Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server().Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srvCfg := s.cfg.Server()
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ws.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Info("Control server listening.", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down control server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Control server did not shut down cleanly. Closing.", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("Control server stopped.")
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	status := s.ctrl.Status()
	greeting := schemas.Notification{
		Type:      schemas.NotifySession,
		Timestamp: time.Now().UTC(),
		Session:   &status,
	}
	s.ws.HandleWS(w, r, &greeting)
}

// corsMiddleware allows the dashboard to be served from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
