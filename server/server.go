package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Digital-Creators-Team/points-engine/auth"
	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/metrics"
	"github.com/Digital-Creators-Team/points-engine/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const shutdownTimeout = 30 * time.Second

// App represents the points engine HTTP application
type App struct {
	engine     *gin.Engine
	config     *config.Config
	logger     zerolog.Logger
	services   Services
	httpServer *http.Server
	onShutdown []func()

	completionHandler *CompletionHandler
	accountHandler    *AccountHandler
	jackpotHandler    *JackpotHandler
	winnerHandler     *WinnerHandler
}

// Options holds server configuration options
type Options struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Services Services
}

// New creates a new application
func New(opts Options) *App {
	// Payout values go out as JSON numbers; they carry at most two decimals.
	decimal.MarshalJSONWithoutQuotes = true

	if opts.Config.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		engine:   gin.New(),
		config:   opts.Config,
		logger:   opts.Logger,
		services: opts.Services,
	}

	app.completionHandler = NewCompletionHandler(app, opts.Services.Completions)
	app.accountHandler = NewAccountHandler(app, opts.Services.Accounts)
	app.jackpotHandler = NewJackpotHandler(app, opts.Services.Pools, opts.Services.Feed)
	app.winnerHandler = NewWinnerHandler(app, opts.Services.Pools, opts.Services.Winners)

	return app
}

// UseCommonMiddlewares adds common middlewares to the application
func (a *App) UseCommonMiddlewares() {
	// Recovery middleware (must be first)
	a.engine.Use(middleware.Recovery(a.logger))
	a.engine.Use(middleware.TraceID())
	a.engine.Use(middleware.Logging(a.logger))
	a.engine.Use(metrics.Middleware())

	if a.config.Server.EnableCORS {
		a.engine.Use(middleware.CORS(a.config.Server.AllowOrigins))
	}
}

// UseMiddleware adds a custom middleware
func (a *App) UseMiddleware(m gin.HandlerFunc) {
	a.engine.Use(m)
}

// RegisterHealthCheck adds health check and metrics endpoints
func (a *App) RegisterHealthCheck() {
	a.engine.GET("/health", a.healthCheck)
	a.engine.GET("/api/health", a.healthCheck)
	a.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (a *App) healthCheck(c *gin.Context) {
	status, health, storeStatus := http.StatusOK, "healthy", "ok"
	if a.services.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.services.Health.Ping(ctx); err != nil {
			reqLogger := middleware.GetLogger(c, a.logger)
			reqLogger.Warn().Err(err).Msg("Health check: store unreachable")
			status, health, storeStatus = http.StatusServiceUnavailable, "degraded", "unreachable"
		}
	}

	c.JSON(status, gin.H{
		"status":      health,
		"store":       storeStatus,
		"timestamp":   time.Now(),
		"environment": a.config.Environment,
	})
}

// RegisterRoutes registers the API routes.
//
//   - POST /api/completions                      -> CompletionHandler.Process (service)
//   - POST /api/accounts                         -> AccountHandler.Open (service, admin)
//   - GET  /api/accounts/:account_id/balance      -> AccountHandler.Balance (self, service, admin)
//   - GET  /api/accounts/:account_id/transactions -> AccountHandler.Transactions (self, admin)
//   - POST /api/accounts/:account_id/debit        -> AccountHandler.Debit (service, admin)
//   - GET  /api/jackpot/pools                     -> JackpotHandler.Pools
//   - GET  /api/jackpot/updates                   -> JackpotHandler.StreamUpdates (SSE)
//   - GET  /api/jackpot/updates/ws                -> JackpotHandler.StreamUpdatesWebSocket
//   - GET  /api/winners                           -> WinnerHandler.List
//   - POST /api/winners                           -> WinnerHandler.Record (admin)
//   - POST /api/winners/:win_id/delivered         -> WinnerHandler.MarkDelivered (service, admin)
func (a *App) RegisterRoutes() {
	api := a.AuthGroup("/api")

	// Streams are long-lived and stay outside the request timeout.
	api.GET("/jackpot/updates", a.jackpotHandler.StreamUpdates)
	api.GET("/jackpot/updates/ws", a.jackpotHandler.StreamUpdatesWebSocket)

	timed := api.Group("", middleware.Timeout(a.config.Server.RequestTimeout))
	{
		timed.POST("/completions", auth.RequireRoles(auth.RoleService), a.completionHandler.Process)

		timed.POST("/accounts", auth.RequireRoles(auth.RoleService, auth.RoleAdmin), a.accountHandler.Open)
		accounts := timed.Group("/accounts/:account_id")
		{
			accounts.GET("/balance", auth.RequireSelfOrRoles(auth.RoleService, auth.RoleAdmin), a.accountHandler.Balance)
			accounts.GET("/transactions", auth.RequireSelfOrRoles(auth.RoleAdmin), a.accountHandler.Transactions)
			accounts.POST("/debit", auth.RequireRoles(auth.RoleService, auth.RoleAdmin), a.accountHandler.Debit)
		}

		timed.GET("/jackpot/pools", a.jackpotHandler.Pools)

		timed.GET("/winners", a.winnerHandler.List)
		timed.POST("/winners", auth.RequireRoles(auth.RoleAdmin), a.winnerHandler.Record)
		timed.POST("/winners/:win_id/delivered", auth.RequireRoles(auth.RoleService, auth.RoleAdmin), a.winnerHandler.MarkDelivered)
	}

	a.engine.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, errors.New(errors.ErrNotFound, "route not found"))
	})

	a.logger.Info().Msg("API routes registered under /api")
}

// Router returns the Gin engine for custom route registration
func (a *App) Router() *gin.Engine {
	return a.engine
}

// AuthGroup creates a route group with JWT authentication
func (a *App) AuthGroup(path string) *gin.RouterGroup {
	return a.engine.Group(path, auth.JWTMiddleware(a.config.JWT.Secret, a.logger))
}

// OnShutdown registers a function to be called on shutdown, in order
func (a *App) OnShutdown(fn func()) {
	a.onShutdown = append(a.onShutdown, fn)
}

func (a *App) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.engine,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunWithContext(ctx)
}

// RunWithContext starts the HTTP server and shuts it down when ctx is done
func (a *App) RunWithContext(ctx context.Context) error {
	a.httpServer = a.newHTTPServer()

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info().
			Int("port", a.config.Server.Port).
			Str("environment", a.config.Environment).
			Msg("Starting HTTP server")

		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errChan:
		return err
	}
}

func (a *App) shutdown() error {
	a.logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests first so in-flight completions can finish.
	err := a.httpServer.Shutdown(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Error during server shutdown")
	}

	for _, fn := range a.onShutdown {
		fn()
	}

	a.logger.Info().Msg("Server shutdown complete")
	return err
}

// Config returns the application configuration
func (a *App) Config() *config.Config {
	return a.config
}

// Logger returns the application logger
func (a *App) Logger() zerolog.Logger {
	return a.logger
}
