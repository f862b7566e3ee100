package pixie

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPrefix          = "/api"
	apiHealthCheck     = "/health"
	apiPathStatus      = "/status"
	apiPathGuilds      = "/guilds"
	apiPathGuildDetail = "/guilds/:guild_id"
	apiPathGuildConfig = "/guilds/:guild_id/settings"
	apiPathUserBan     = "/users/:discord_id/ban"
	apiPathGuildBan    = "/guilds/:guild_id/ban"
	apiPathLogs        = "/logs"
	apiPathGrant       = "/permissions/grant"
	apiPathRevoke      = "/permissions/revoke"
	apiPathQuit        = "/quit"
)

// API is the backend admin server: health, guild settings, bans,
// permission management, and operational logs.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	handlers   *APIHandlers
	logger     *slog.Logger
	p          *Pixie
}

func newAPI(p *Pixie, config *APIConfig) (*API, error) {
	if config.Token == "" {
		return nil, errors.New("api token is not configured")
	}

	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		handlers: newAPIHandlers(p),
		logger:   setupLogger.With(loggerNameKey, "api"),
		p:        p,
	}

	tlsCfg, err := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	if config.Development {
		pprof.Register(r)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Token))

	protected.GET(apiPathStatus, api.handlers.getStatus)
	protected.GET(apiPathGuilds, api.handlers.getGuilds)
	protected.GET(apiPathGuildConfig, api.handlers.getGuildSettings)
	protected.PATCH(apiPathGuildConfig, api.handlers.updateGuildSettings)
	protected.POST(apiPathUserBan, api.handlers.banUser)
	protected.DELETE(apiPathUserBan, api.handlers.unbanUser)
	protected.POST(apiPathGuildBan, api.handlers.banGuild)
	protected.DELETE(apiPathGuildBan, api.handlers.unbanGuild)
	protected.GET(apiPathLogs, api.handlers.getLogs)
	protected.POST(apiPathGrant, api.handlers.grantPermission)
	protected.POST(apiPathRevoke, api.handlers.revokePermission)
	protected.POST(apiPathQuit, api.handlers.botQuit)

	return api, nil
}

// Serve runs the HTTP server until it's shut down, using TLS when
// certs are configured.
func (a *API) Serve() error {
	a.logger.Info("starting api server", slog.String("listen", a.config.Listen))
	var err error
	if a.config.SSL.Cert != "" {
		err = a.httpServer.ListenAndServeTLS(a.config.SSL.Cert, a.config.SSL.Key)
	} else {
		err = a.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, waiting for in-flight requests up
// to the context deadline.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// tlsConfig builds a TLS config from the given cert paths, nil when
// no cert is configured.
func tlsConfig(cert, key string, minVersion uint16) (*tls.Config, error) {
	if cert == "" || key == "" {
		return nil, nil
	}
	certificate, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   minVersion,
	}, nil
}

// authMiddleware requires a constant-time-compared bearer token on
// every request.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request and echoes it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns a request-scoped logger, creating and
// caching one in the gin context on first use.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its latency and status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c)
		c.Next()
		requestLogger.Info(
			"request complete",
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// APIHandlers holds the route handlers.
type APIHandlers struct {
	p *Pixie
}

func newAPIHandlers(p *Pixie) *APIHandlers {
	return &APIHandlers{p: p}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandlers) getStatus(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"database":          h.p.db.Status().String(),
			"discord_connected": h.p.discord.connected.Load(),
			"messages_handled":  h.p.discord.metricMessagesHandled.Load(),
		},
	)
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	var guilds []Guild
	err := h.p.db.DB().WithContext(c.Request.Context()).
		Preload("Settings").
		Find(&guilds).Error
	if err != nil {
		ginContextLogger(c).Error("error loading guilds", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, guilds)
}

// findGuildParam resolves the :guild_id path parameter as a Discord
// snowflake.
func (h *APIHandlers) findGuildParam(c *gin.Context) *Guild {
	guildID := c.Param("guild_id")
	guild, err := h.p.FindGuild(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error loading guild", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil
	}
	if guild == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "guild not found"})
		return nil
	}
	return guild
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	guild := h.findGuildParam(c)
	if guild == nil {
		return
	}
	settings, err := h.p.ai.GetOrCreateGuildSettings(c.Request.Context(), guild)
	if err != nil {
		ginContextLogger(c).Error("error loading settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// guildSettingsUpdate is the PATCH payload for guild settings. All
// fields are optional; only provided fields are applied.
type guildSettingsUpdate struct {
	AIEnabled             *bool    `json:"ai_enabled"`
	AIProvider            *string  `json:"ai_provider" binding:"omitempty,oneof=openai groq"`
	AIModel               *string  `json:"ai_model"`
	Temperature           *float32 `json:"temperature"`
	MaxTokens             *int     `json:"max_tokens"`
	MaxConversationLength *int     `json:"max_conversation_length"`
	AllowedChannels       *string  `json:"allowed_channels"`
	EnableReasoning       *bool    `json:"enable_reasoning"`
	EnableWebSearch       *bool    `json:"enable_web_search"`
	EnableWeather         *bool    `json:"enable_weather"`
}

func (h *APIHandlers) updateGuildSettings(c *gin.Context) {
	guild := h.findGuildParam(c)
	if guild == nil {
		return
	}
	var payload guildSettingsUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	settings, err := h.p.ai.GetOrCreateGuildSettings(ctx, guild)
	if err != nil {
		ginContextLogger(c).Error("error loading settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	updated := *settings
	if payload.AIEnabled != nil {
		updated.AIEnabled = *payload.AIEnabled
	}
	if payload.AIProvider != nil {
		updated.AIProvider = *payload.AIProvider
	}
	if payload.AIModel != nil {
		updated.AIModel = *payload.AIModel
	}
	if payload.Temperature != nil {
		updated.Temperature = *payload.Temperature
	}
	if payload.MaxTokens != nil {
		updated.MaxTokens = *payload.MaxTokens
	}
	if payload.MaxConversationLength != nil {
		updated.MaxConversationLength = *payload.MaxConversationLength
	}
	if payload.AllowedChannels != nil {
		updated.AllowedChannels = *payload.AllowedChannels
	}
	if payload.EnableReasoning != nil {
		updated.EnableReasoning = *payload.EnableReasoning
	}
	if payload.EnableWebSearch != nil {
		updated.EnableWebSearch = *payload.EnableWebSearch
	}
	if payload.EnableWeather != nil {
		updated.EnableWeather = *payload.EnableWeather
	}

	if err = ValidateGuildSettings(&updated); err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": validationErr.Reasons})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err = h.p.db.Save(ctx, &updated); err != nil {
		ginContextLogger(c).Error("error saving settings", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.p.notifier.GuildSettingsUpdated(ctx, guild.DiscordID)
	c.JSON(http.StatusOK, updated)
}

// banRequest is the POST payload for ban endpoints.
type banRequest struct {
	Reason    string `json:"reason"`
	ExpiresAt *int64 `json:"expires_at"`
}

func (h *APIHandlers) banUser(c *gin.Context) {
	discordID := c.Param("discord_id")
	var payload banRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	user, _, err := h.p.db.GetOrCreateUser(ctx, discordID, UserProfile{})
	if err != nil {
		ginContextLogger(c).Error("error loading user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	user.IsBanned = true
	user.BanReason = payload.Reason
	user.BanExpiresAt = payload.ExpiresAt
	if _, err = h.p.db.Save(ctx, user); err != nil {
		ginContextLogger(c).Error("error saving user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.p.db.ReloadUser(discordID)
	c.JSON(http.StatusOK, user)
}

func (h *APIHandlers) unbanUser(c *gin.Context) {
	discordID := c.Param("discord_id")
	ctx := c.Request.Context()
	user, _, err := h.p.db.GetOrCreateUser(ctx, discordID, UserProfile{})
	if err != nil {
		ginContextLogger(c).Error("error loading user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	user.IsBanned = false
	user.BanReason = ""
	user.BanExpiresAt = nil
	if _, err = h.p.db.Save(ctx, user); err != nil {
		ginContextLogger(c).Error("error saving user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.p.db.ReloadUser(discordID)
	c.JSON(http.StatusOK, user)
}

func (h *APIHandlers) banGuild(c *gin.Context) {
	guild := h.findGuildParam(c)
	if guild == nil {
		return
	}
	var payload banRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	guild.IsBanned = true
	guild.BanReason = payload.Reason
	guild.BanExpiresAt = payload.ExpiresAt
	if _, err := h.p.db.Save(c.Request.Context(), guild); err != nil {
		ginContextLogger(c).Error("error saving guild", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (h *APIHandlers) unbanGuild(c *gin.Context) {
	guild := h.findGuildParam(c)
	if guild == nil {
		return
	}
	guild.IsBanned = false
	guild.BanReason = ""
	guild.BanExpiresAt = nil
	if _, err := h.p.db.Save(c.Request.Context(), guild); err != nil {
		ginContextLogger(c).Error("error saving guild", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (h *APIHandlers) getLogs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := parseInternalID(v); err == nil && parsed > 0 {
			limit = int(parsed)
		}
	}
	entries, err := h.p.botLog.Recent(c.Request.Context(), limit)
	if err != nil {
		ginContextLogger(c).Error("error loading logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// permissionRequest names a permission assignment: a scope, the
// scoped target IDs, and the permission name.
type permissionRequest struct {
	Scope      string `json:"scope" binding:"required,oneof=user guild guild_member"`
	UserID     string `json:"user_id"`
	GuildID    string `json:"guild_id"`
	Permission string `json:"permission" binding:"required"`
}

func (h *APIHandlers) grantPermission(c *gin.Context) {
	h.applyPermissionChange(c, true)
}

func (h *APIHandlers) revokePermission(c *gin.Context) {
	h.applyPermissionChange(c, false)
}

func (h *APIHandlers) applyPermissionChange(c *gin.Context, grant bool) {
	var payload permissionRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	resolver := h.p.permissions

	var err error
	switch permissionScope(payload.Scope) {
	case scopeUser:
		var user *User
		user, _, err = h.p.db.GetOrCreateUser(ctx, payload.UserID, UserProfile{})
		if err == nil {
			if grant {
				err = resolver.GrantUserPermission(ctx, user, payload.Permission)
			} else {
				err = resolver.RevokeUserPermission(ctx, user, payload.Permission)
			}
		}
	case scopeGuild:
		var guild *Guild
		guild, err = h.p.GetOrCreateGuild(ctx, payload.GuildID)
		if err == nil {
			if grant {
				err = resolver.GrantGuildPermission(ctx, guild, payload.Permission)
			} else {
				err = resolver.RevokeGuildPermission(ctx, guild, payload.Permission)
			}
		}
	case scopeGuildMember:
		err = h.memberPermissionChange(c, payload, grant)
	}

	if err != nil {
		ginContextLogger(c).Error("permission change failed", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandlers) memberPermissionChange(
	c *gin.Context,
	payload permissionRequest,
	grant bool,
) error {
	ctx := c.Request.Context()
	user, _, err := h.p.db.GetOrCreateUser(ctx, payload.UserID, UserProfile{})
	if err != nil {
		return err
	}
	guild, err := h.p.GetOrCreateGuild(ctx, payload.GuildID)
	if err != nil {
		return err
	}
	member, err := h.p.permissions.GetMember(ctx, user.ID, guild.ID)
	if err != nil {
		return err
	}
	if member == nil {
		return fmt.Errorf("user %s is not a member of guild %s", payload.UserID, payload.GuildID)
	}
	if grant {
		return h.p.permissions.GrantMemberPermission(ctx, member, payload.Permission)
	}
	return h.p.permissions.RevokeMemberPermission(ctx, member, payload.Permission)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	h.p.notifier.Stop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}
