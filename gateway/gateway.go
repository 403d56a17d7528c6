package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/collab"
	"collab.evalgo.org/config"
	"collab.evalgo.org/store"
	"collab.evalgo.org/version"
)

// Gateway is the HTTP and websocket front end. It owns the echo server,
// the live session table and the upgrade path into the collaboration
// registry.
type Gateway struct {
	cfg      config.Config
	registry *collab.Registry
	docs     store.DocumentStore
	cache    *store.MetadataCache
	tokens   *auth.TokenService
	creds    auth.CredentialVerifier
	logger   *logrus.Logger

	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
}

// New builds the gateway and wires all routes.
func New(cfg config.Config, registry *collab.Registry, docs store.DocumentStore, cache *store.MetadataCache, tokens *auth.TokenService, creds auth.CredentialVerifier, logger *logrus.Logger) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		docs:     docs,
		cache:    cache,
		tokens:   tokens,
		creds:    creds,
		logger:   logger,
		sessions: make(map[string]*Session),
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/ws" || c.Path() == "/healthz"
		},
	}))
	if len(cfg.Server.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.Server.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	e.GET("/healthz", g.handleHealth)
	e.GET("/ws", g.handleWebsocket)
	e.POST("/auth/token", g.handleIssueToken)
	g.registerAPI(e)

	g.echo = e
	return g
}

// Start runs the HTTP server until it fails or is shut down.
func (g *Gateway) Start() error {
	s := &http.Server{
		Addr:        g.cfg.Server.Address(),
		ReadTimeout: g.cfg.Server.ReadTimeout,
		// WriteTimeout stays unset: websocket connections are long-lived.
	}
	g.logger.WithField("addr", s.Addr).Info("gateway listening")
	err := g.echo.StartServer(s)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the gateway: new connections are refused, every live
// session gets a shutting-down frame, rooms flush dirty state and the
// HTTP server stops. Everything is bounded by the configured shutdown
// timeout.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
	defer cancel()

	g.mu.Lock()
	g.draining = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	g.logger.WithField("sessions", len(sessions)).Info("draining sessions")
	for _, s := range sessions {
		s.shutdown()
	}

	g.registry.Shutdown(ctx)

	return g.echo.Shutdown(ctx)
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "collabd",
		"version": version.Version,
	})
}

// handleWebsocket upgrades the connection and runs the session in the
// request goroutine until the connection ends.
func (g *Gateway) handleWebsocket(c echo.Context) error {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.WithError(err).Debug("upgrade failed")
		return nil
	}

	session := newSession(conn, g.registry, g.tokens, g.cfg.Collab, g.logger)
	// A token query parameter authenticates the connection up front; an
	// explicit authenticate frame remains authoritative.
	session.queryToken = c.QueryParam("token")

	g.mu.Lock()
	g.sessions[session.id] = session
	g.mu.Unlock()

	session.run()

	g.mu.Lock()
	delete(g.sessions, session.id)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
