package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/internal/engine"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/internal/router"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/internal/server/middleware"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/access"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/config"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state/statemanager"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/transport"
)

var (
	errCycled   = errors.New("connection cycled by new connection")
	errShutdown = errors.New("graceful shutdown")
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

// NewApp wires the session store, the event pipelines and the HTTP routes.
// Store options are passed through, mainly for tests.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, opts ...statemanager.Option) (*App, error) {
	registry := engine.New(logger)
	registry.RegisterCore()
	if err := config.CompilePipelines(cfg, registry); err != nil {
		return nil, fmt.Errorf("compile event pipelines: %w", err)
	}

	stateManager := statemanager.NewInMemoryManager(logger, opts...)
	resolver := access.NewResolver(stateManager, logger)
	eventRouter := router.NewEventRouter(logger, stateManager, resolver, cfg.Pipelines)

	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		stateManager: stateManager,
		eventRouter:  eventRouter,
		config:       cfg,
		ctx:          rootCtx,
	}

	connCycler := func(ip string) {
		oldest, found := stateManager.FindOldestConnectionByIP(ip)
		if found {
			app.logger.Info("Cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errCycled)
		}
	}

	wsMiddlewares := []middleware.Middleware{
		middleware.NewConnectionLimiter(logger, stateManager.GetConnectionCountByIP, connCycler, cfg.Server.ConnectionLimit),
	}
	if cfg.Server.Auth.Enabled {
		wsMiddlewares = append(wsMiddlewares, middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret))
	}

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.RequestMetadataMiddleware()))
	r.Use(mux.MiddlewareFunc(middleware.NewRequestLogger(app.logger)))
	r.Methods(http.MethodGet).Path("/ws").Handler(middleware.Chain(http.HandlerFunc(app.upgradeHandler), wsMiddlewares...))
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(app.healthHandler)

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

// Handler exposes the routes without a listener.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.logger.Error("HTTP server failed", slog.Any("error", err))
		return err
	case <-a.ctx.Done():
	}
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))
	if reqMeta.Subject != "" {
		connLogger = connLogger.With(slog.String("subject", reqMeta.Subject))
	}

	opts := &websocket.AcceptOptions{OriginPatterns: a.config.Server.OriginPatterns}
	if len(opts.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	tc := a.config.Transport
	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:     tc.ReadTimeout,
			PingInterval:    tc.PingInterval,
			SendBuffer:      tc.SendBuffer,
			MaxMessageBytes: tc.MaxMessageBytes,
		},
		a.eventRouter.HandleMessage,
		nil,
		connLogger,
	)
	if _, err := a.stateManager.RegisterConnection(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
	})

	connLogger.Info("Connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Sessions:    a.stateManager.SessionCount(),
		Connections: len(a.stateManager.GetAllConnections()),
	})
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.CloseConnections()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

// CloseConnections closes every live websocket and waits for their pumps to
// finish.
func (a *App) CloseConnections() {
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.GetAllConnections() {
		conn.Transport.Close(errShutdown)
	}
	a.wg.Wait()
}
