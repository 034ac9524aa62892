package vimcord

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck      = "/healthz"
	apiPathDefinitions  = "/api/definitions"
	apiPathRateLimits   = "/api/ratelimits"
	apiPathStats        = "/api/stats"
	apiPathCommandUsage = "/api/usage"
)

// API is the optional read-only status server: health, registered
// definitions, rate limiter state, and dispatch counters. It exposes no
// mutating endpoints, so it carries no authentication.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	client     *Vimcord
}

func newAPI(v *Vimcord, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		client: v,
		logger: slog.New(
			tint.NewHandler(
				os.Stdout, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "api"),
	}

	api.httpServer = &http.Server{
		Addr:         config.Listen,
		Handler:      r,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ReadTimeout:  config.ReadTimeout,
	}

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}

	r.Use(
		gin.Recovery(),
		api.loggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathDefinitions, api.getDefinitions)
	r.GET(apiPathRateLimits, api.getRateLimits)
	r.GET(apiPathStats, api.getStats)
	r.GET(apiPathCommandUsage, api.getCommandUsage)

	return api
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", a.config.Listen)
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("error shutting down api server", tint.Err(err))
	}
}

// loggingMiddleware logs each request's method, path, status and
// duration.
func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.Request.RemoteAddr,
		)
	}
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":    "ok",
			"connected": a.client.discord.connected.Load(),
			"uptime":    time.Since(a.client.startedAt).String(),
		},
	)
}

func (a *API) getDefinitions(c *gin.Context) {
	defs := a.client.registry.Definitions()
	payload := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		payload = append(
			payload, gin.H{
				"id":       def.ID(),
				"kind":     def.Kind,
				"name":     def.Name,
				"trigger":  def.Trigger,
				"disabled": def.Disabled,
				"priority": def.Priority,
				"once":     def.Once,
			},
		)
	}
	c.JSON(http.StatusOK, payload)
}

func (a *API) getRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, a.client.limiter.Snapshot())
}

func (a *API) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.client.dispatcher.Stats())
}

func (a *API) getCommandUsage(c *gin.Context) {
	rows, err := a.client.Usage.Aggregate(
		c.Request.Context(),
		Sort("count", true),
		Limit(100),
		Project("definition_id", "guild_id", "count", "last_user_id"),
	)
	if err != nil {
		a.logger.Error("error fetching command usage", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, rows)
}
