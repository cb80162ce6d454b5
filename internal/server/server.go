// Package server hosts the relay's WebSocket endpoint and the admin HTTP
// surface (metrics, health). Wire frames are JSON; routing is delegated to
// the relay manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tetherd/tetherd/internal/config"
	"github.com/tetherd/tetherd/internal/relay"
)

// ConnectPath is the WebSocket endpoint devices dial.
const ConnectPath = "/v1/connect"

// RelayServer wires the relay manager to its network surfaces.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	auth      relay.Authenticator
	trust     relay.TrustChecker
	manager   *relay.Manager
	httpSrv   *http.Server
	adminHTTP *http.Server
	upgrader  websocket.Upgrader
	ready     atomic.Bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewRelayServer constructs a server with its dependencies. The relay manager
// itself is built during Start so it shares the server's metrics registry.
func NewRelayServer(cfg config.Config, logger *zap.Logger, auth relay.Authenticator, trust relay.TrustChecker) *RelayServer {
	return &RelayServer{
		cfg:   cfg,
		log:   logger,
		auth:  auth,
		trust: trust,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *RelayServer) initManager(reg prometheus.Registerer) {
	s.manager = relay.NewManager(s.log, relay.Options{
		Metrics:            relay.NewMetrics(reg),
		Authenticator:      s.auth,
		Trust:              s.trust,
		SendBuffer:         s.cfg.Relay.SendBuffer,
		SessionIdleTimeout: s.cfg.Relay.SessionIdleTimeout,
	})
}

// Handler exposes the WebSocket endpoint mux, mainly for tests.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ConnectPath, s.handleConnect)
	return mux
}

// Start boots the listeners and blocks until the context is cancelled.
func (s *RelayServer) Start(ctx context.Context) error {
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.initManager(reg)
	s.startAdminServer(reg)

	s.manager.StartHousekeeping(s.baseCtx)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

func (s *RelayServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ws.SetReadLimit(s.cfg.Relay.MaxFrameBytes)

	conn, err := s.manager.AddConnection(s.baseContext())
	if err != nil {
		s.log.Error("register connection", zap.Error(err))
		return
	}
	defer s.manager.RemoveConnection(conn)

	go s.writer(ws, conn)

	// The first frame must authenticate within the configured window.
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.Relay.AuthTimeout))
	first, err := s.readFrame(ws, conn)
	if err != nil || first == nil {
		return
	}
	if first.Type != relay.FrameAuth {
		_ = s.manager.Push(conn, relay.ErrorFrame(relay.CodeNotAuthenticated, "first frame must be AUTH"))
		// Give the writer a moment to flush before teardown.
		time.Sleep(50 * time.Millisecond)
		return
	}
	if !s.dispatch(conn, first) {
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	for {
		frame, err := s.readFrame(ws, conn)
		if err != nil {
			return
		}
		if frame == nil {
			continue
		}
		if !s.dispatch(conn, frame) {
			return
		}
	}
}

// dispatch hands a frame to the manager and reports routing failures back to
// the sender. Returns false when the connection must be torn down.
func (s *RelayServer) dispatch(conn *relay.Conn, frame *relay.Frame) bool {
	err := s.manager.HandleFrame(conn, frame)
	if err == nil {
		return true
	}

	var rerr *relay.RouteError
	if errors.As(err, &rerr) {
		_ = s.manager.Push(conn, relay.ErrorFrame(rerr.Code, rerr.Msg))
		if rerr.Fatal {
			// Give the writer a moment to flush the error frame.
			time.Sleep(50 * time.Millisecond)
			return false
		}
		return true
	}

	s.log.Warn("frame handling failed", zap.Error(err))
	return false
}

// readFrame pulls the next wire frame. A nil frame with nil error means the
// payload was malformed; the sender was told and the connection stays up.
func (s *RelayServer) readFrame(ws *websocket.Conn, conn *relay.Conn) (*relay.Frame, error) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.log.Debug("websocket read", zap.Error(err))
		}
		return nil, err
	}
	frame, err := relay.DecodeFrame(raw)
	if err != nil {
		_ = s.manager.Push(conn, relay.ErrorFrame(relay.CodeInvalidFrame, err.Error()))
		return nil, nil
	}
	return frame, nil
}

// writer drains the connection's send channel onto the socket. It owns all
// writes; nothing else may touch the websocket connection for writing.
func (s *RelayServer) writer(ws *websocket.Conn, conn *relay.Conn) {
	for {
		select {
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
			return
		case frame := <-conn.Send():
			if err := ws.WriteJSON(frame); err != nil {
				s.log.Debug("websocket write failed",
					zap.String("conn_id", conn.ID()), zap.Error(err))
				s.manager.RemoveConnection(conn)
				return
			}
		}
	}
}

func (s *RelayServer) baseContext() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.cancelBase != nil {
		s.cancelBase()
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("relay shutdown timed out; forcing close", zap.Error(err))
		_ = s.httpSrv.Close()
	}
	s.log.Info("relay server stopped")
}
