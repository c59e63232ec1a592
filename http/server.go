package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kychandar/pollsub/config"
	"github.com/kychandar/pollsub/services"
	websocketbridge "github.com/kychandar/pollsub/services/websocketBridge"
	slogctx "github.com/veqryn/slog-context"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type server struct {
	wsWriteChanManager services.WsWriteChanManager
	centSubscriber     services.CentralisedSubscriber
	wsBridgeFactory    websocketbridge.Factory
	logger             *slog.Logger
	metricsRegistry    services.MetricsRegistry
	config             *config.Config
	healthChecker      *HealthChecker
	shutdownWg         sync.WaitGroup

	mu          sync.Mutex
	httpServers []*http.Server
}

func New(
	centSubscriber services.CentralisedSubscriber,
	wsBridgeFactory websocketbridge.Factory,
	wsWriteChanManager services.WsWriteChanManager,
	metricsRegistry services.MetricsRegistry,
	healthChecker *HealthChecker,
	logger *slog.Logger,
	cfg *config.Config) *server {

	return &server{
		centSubscriber:     centSubscriber,
		wsBridgeFactory:    wsBridgeFactory,
		wsWriteChanManager: wsWriteChanManager,
		logger:             logger.With("component", "http"),
		metricsRegistry:    metricsRegistry,
		config:             cfg,
		healthChecker:      healthChecker,
	}
}

// Handler is the websocket endpoint. When the health port equals the
// server port the probes and /metrics are mounted here too.
func (server *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeHTTP)
	if server.config.Health.Enabled && server.config.Health.Port == server.config.Server.Port {
		server.mountHealth(mux)
	}
	return mux
}

// HealthHandler serves the probes and /metrics.
func (server *server) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	server.mountHealth(mux)
	return mux
}

func (server *server) mountHealth(mux *http.ServeMux) {
	mux.HandleFunc(server.config.Health.ReadinessPath, server.healthChecker.ReadinessHandler())
	mux.HandleFunc(server.config.Health.LivenessPath, server.healthChecker.LivenessHandler())
	mux.Handle("/metrics", server.metricsRegistry.GetHandler())
}

// Start serves until ctx is done, then shuts down within the configured
// timeout.
func (server *server) Start(ctx context.Context) error {
	listeners := map[string]http.Handler{
		net.JoinHostPort(server.config.Server.Host, fmt.Sprint(server.config.Server.Port)): server.Handler(),
	}
	if server.config.Health.Enabled && server.config.Health.Port != server.config.Server.Port {
		listeners[net.JoinHostPort(server.config.Server.Host, fmt.Sprint(server.config.Health.Port))] = server.HealthHandler()
	}

	errCh := make(chan error, len(listeners))
	for addr, handler := range listeners {
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		server.mu.Lock()
		server.httpServers = append(server.httpServers, srv)
		server.mu.Unlock()

		server.shutdownWg.Add(1)
		go func() {
			defer server.shutdownWg.Done()
			server.logger.Info("starting HTTP server", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server %s: %w", addr, err)
			}
		}()
	}
	server.healthChecker.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = server.Shutdown(context.Background())
		return err
	}
	return server.Shutdown(context.Background())
}

// Shutdown gracefully shuts down every listener.
func (server *server) Shutdown(ctx context.Context) error {
	server.logger.Info("initiating graceful shutdown")
	server.healthChecker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(server.config.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	server.mu.Lock()
	servers := server.httpServers
	server.httpServers = nil
	server.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		server.shutdownWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		server.logger.Warn("shutdown timeout exceeded, forcing shutdown")
		errs = append(errs, shutdownCtx.Err())
	}
	return errors.Join(errs...)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (server *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.logger.Warn("upgrade error", "err", err)
		return
	}

	server.metricsRegistry.IncWsConnectionCount()
	wsConnID := uuid.New().String()
	logger := server.logger.With("ws-conn-id", wsConnID)

	server.wsWriteChanManager.SetConnectionForClientID(wsConnID, conn)
	ctx, cancel := context.WithCancel(r.Context())
	ctx = slogctx.NewCtx(ctx, logger)
	defer func() {
		cancel()
		server.wsWriteChanManager.DeleteClientID(wsConnID)
		conn.Close()
		server.metricsRegistry.DecWsConnectionCount()
		logger.Debug("websocket closed")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go server.keepAlive(ctx, conn)

	bridge := server.wsBridgeFactory(server.centSubscriber, server.wsWriteChanManager, wsConnID, conn)
	bridge.ProcessMessagesFromClient(ctx)
}

func (server *server) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
