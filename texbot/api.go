package texbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathQuit             = "/quit"
	apiPathGuildCache       = "/guild_cache"
	apiPathReloadGuildCache = "/guild_cache/reload"
	apiPathReminders        = "/reminders"
	apiPathReminder         = "/reminders/:id"
	apiPathStrikes          = "/strikes"
	apiPathMemberStrikes    = "/strikes/:user_id"
	apiPathGroupMembers     = "/group_members"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathMetrics          = "/metrics"
)

const (
	xRequestIDHeader   = "X-Request-ID"
	bearerPrefix       = "Bearer "
	defaultPageLimit   = 25
	apiShutdownTimeout = 10 * time.Second
)

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API serves the admin HTTP API. Every endpoint under /api requires
// the configured secret as a bearer token.
type API struct {
	config       *APIConfig
	httpServer   *http.Server
	listener     net.Listener
	engine       *gin.Engine
	writeLimiter *rate.Limiter
	logger       *slog.Logger

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	handlers *APIHandlers
}

func newAPI(b *TeXBot, config *APIConfig) (*API, error) {
	logger := slog.New(
		newConsoleHandler(defaultLogWriter, levelOrDefault(config.LogLevel, DefaultAPILogLevel)),
	).With(loggerNameKey, "api")

	r := gin.New()

	writeLimit := rate.Inf
	if config.WriteRateLimit > 0 {
		writeLimit = rate.Limit(config.WriteRateLimit)
	}

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		writeLimiter:   rate.NewLimiter(writeLimit, 1),
		logger:         logger,
	}
	handlers := &APIHandlers{b: b, logger: logger}
	api.handlers = handlers

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
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

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, logger))

	protected.GET(apiPathGuildCache, handlers.getGuildCache)
	protected.GET(apiPathReminders, handlers.getReminders)
	protected.GET(apiPathStrikes, handlers.getStrikes)
	protected.GET(apiPathMemberStrikes, handlers.getMemberStrikes)
	protected.GET(apiPathGroupMembers, handlers.getGroupMembers)
	protected.GET(apiPathMetrics, handlers.getMetrics)

	write := protected.Group("")
	write.Use(rateLimitMiddleware(api.writeLimiter))
	write.POST(apiPathReloadGuildCache, handlers.reloadGuildCache)
	write.DELETE(apiPathReminder, handlers.deleteReminder)
	write.DELETE(apiPathMemberStrikes, handlers.deleteMemberStrikes)
	write.POST(apiPathGroupMembers, handlers.importGroupMembers)
	write.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	write.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address until ctx is done, then shuts
// the server down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api", tint.Err(err))
		}
	}()
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the API's endpoints
type APIHandlers struct {
	b      *TeXBot
	logger *slog.Logger
}

// Sort is the direction results are returned in
type Sort string

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// apply pages db, ordered by column with the ID as a tiebreak
func (p *Pagination) apply(db *gorm.DB, column string) *gorm.DB {
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
	direction := "asc"
	if p.Order == Descending {
		direction = "desc"
	}
	db = db.Limit(p.Limit).Offset(p.Offset)
	if column != "id" {
		db = db.Order(column + " " + direction)
	}
	return db.Order("id " + direction)
}

type getRemindersQuery struct {
	Pagination
	UserID string `form:"user_id" binding:"omitempty,numeric"`

	// Pending limits results to reminders that haven't been sent yet
	Pending bool `form:"pending"`
}

type importGroupMembersPayload struct {
	GroupMemberIDs []string `json:"ids" binding:"required,min=1,dive,required,numeric"`
}

type importGroupMembersResponse struct {
	Received int   `json:"received"`
	Added    int64 `json:"added"`
}

type groupMembersResponse struct {
	Total   int64 `json:"total"`
	Claimed int64 `json:"claimed"`
}

type memberStrikesResponse struct {
	UserID  string `json:"user_id"`
	Strikes int    `json:"strikes"`
}

type metricsResponse struct {
	Requests           map[string]int `json:"requests"`
	DiscordConnects    int64          `json:"discord_connects"`
	DiscordDisconnects int64          `json:"discord_disconnects"`
	LogMessagesSent    int64          `json:"log_messages_sent"`
	LogMessagesDropped int64          `json:"log_messages_dropped"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	GuildAvailable          bool   `json:"guild_available"`
	Version                 string `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	_, guildErr := h.b.guildCache.Guild()
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			GuildAvailable:          guildErr == nil,
			Version:                 Version,
		},
	)
}

func (h *APIHandlers) getMetrics(c *gin.Context) {
	resp := metricsResponse{
		Requests:           h.b.api.requestCounts(),
		DiscordConnects:    h.b.discord.metricConnects.Load(),
		DiscordDisconnects: h.b.discord.metricDisconnects.Load(),
	}
	if lh := h.b.discordLogHandler; lh != nil {
		resp.LogMessagesSent = lh.Sent()
		resp.LogMessagesDropped = lh.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getGuildCache(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.guildCache.Status())
}

// reloadGuildCache drops cached roles and channels on every bot
// instance sharing the database.
func (h *APIHandlers) reloadGuildCache(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.dbNotifier == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "bot is not running"})
		return
	}
	log.Info("sending guild cache reload notification")
	ctx, cancel := context.WithTimeout(c.Request.Context(), dbNotifierSendTimeout)
	defer cancel()
	if h.b.dbNotifier.ReloadGuildCache(ctx) {
		c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
		return
	}
	c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
}

func (h *APIHandlers) getReminders(c *gin.Context) {
	var query getRemindersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}

	db := query.apply(h.b.db.WithContext(c.Request.Context()), "send_at")
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.Pending {
		db = db.Where("sent = ?", false)
	}

	reminders := []DiscordReminder{}
	if err := db.Find(&reminders).Error; err != nil {
		ginContextLogger(c).Error("error getting reminders", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting reminders"})
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func (h *APIHandlers) deleteReminder(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid reminder ID"})
		return
	}
	rows, err := h.b.writeDB.Delete(c.Request.Context(), &DiscordReminder{}, id)
	if err != nil {
		ginContextLogger(c).Error("error deleting reminder", tint.Err(err), "reminder_id", id)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error deleting reminder"})
		return
	}
	if rows == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "reminder deleted"})
}

func (h *APIHandlers) getStrikes(c *gin.Context) {
	var query Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	strikes := []DiscordMemberStrikes{}
	if err := query.apply(h.b.db.WithContext(c.Request.Context()), "id").Find(&strikes).Error; err != nil {
		ginContextLogger(c).Error("error getting strikes", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting strikes"})
		return
	}
	c.JSON(http.StatusOK, strikes)
}

func (h *APIHandlers) getMemberStrikes(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := parseSnowflake(userID); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid user ID"})
		return
	}
	strikes, err := memberStrikes(c.Request.Context(), h.b.db, userID)
	if err != nil {
		ginContextLogger(c).Error("error getting strikes", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting strikes"})
		return
	}
	c.JSON(http.StatusOK, memberStrikesResponse{UserID: userID, Strikes: strikes})
}

// deleteMemberStrikes resets a member's strike count
func (h *APIHandlers) deleteMemberStrikes(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := parseSnowflake(userID); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid user ID"})
		return
	}
	rows, err := resetStrikes(c.Request.Context(), h.b.writeDB, userID)
	if err != nil {
		ginContextLogger(c).Error("error deleting strikes", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error deleting strikes"})
		return
	}
	if rows == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "member has no strikes"})
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "strikes reset"})
}

func (h *APIHandlers) getGroupMembers(c *gin.Context) {
	var resp groupMembersResponse
	db := h.b.db.WithContext(c.Request.Context()).Model(&GroupMadeMember{})
	if err := db.Count(&resp.Total).Error; err != nil {
		ginContextLogger(c).Error("error counting group members", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error counting group members"})
		return
	}
	err := h.b.db.WithContext(c.Request.Context()).
		Model(&GroupMadeMember{}).
		Where("claimed_at != ?", 0).
		Count(&resp.Claimed).Error
	if err != nil {
		ginContextLogger(c).Error("error counting group members", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error counting group members"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// importGroupMembers adds society member IDs that can be exchanged for
// the member role with /make_member
func (h *APIHandlers) importGroupMembers(c *gin.Context) {
	var payload importGroupMembersPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid payload"})
		return
	}
	idLength := h.b.config.Guild.GroupIDLength
	if err := ValidateGroupMemberIDs(payload.GroupMemberIDs, idLength); err != nil {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: fmt.Sprintf("group member IDs must be %d digits", idLength)},
		)
		return
	}

	added, err := importGroupMembers(c.Request.Context(), h.b.writeDB, payload.GroupMemberIDs)
	if err != nil {
		ginContextLogger(c).Error("error importing group members", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error importing group members"})
		return
	}
	ginContextLogger(c).Info("imported group members", "received", len(payload.GroupMemberIDs), "added", added)
	c.JSON(
		http.StatusCreated,
		importGroupMembersResponse{Received: len(payload.GroupMemberIDs), Added: added},
	)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.b.RegisterCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// botQuit stops every bot instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	if h.b.dbNotifier == nil {
		h.b.Stop()
		ginReplyMessage(c, "quitting")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbNotifierSendTimeout)
	defer cancel()
	if !h.b.dbNotifier.Stop(ctx) {
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "error sending stop signal"})
		return
	}
	// postgres instances ignore their own notifications
	h.b.Stop()
	ginReplyMessage(c, "quitting")
}

// authMiddleware rejects requests that don't carry secret as a
// bearer token. Every request is rejected if secret is empty.
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn("unauthorized request", "path", c.Request.URL.Path, "remote_ip", c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "rate limited"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, returned in
// the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
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
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route. Requests that
// don't match a route aren't counted.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			c.Next()
			return
		}
		key := c.Request.Method + " " + route
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func (a *API) requestCount(method, route string) int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	return a.requestMetrics[method+" "+route]
}

func (a *API) requestCounts() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	return maps.Clone(a.requestMetrics)
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateDiscordConfig, DiscordConfig{})
}

var errAPINotListening = errors.New("api is not listening")

// Addr returns the address the API is listening on
func (a *API) Addr() (net.Addr, error) {
	if a.listener == nil {
		return nil, errAPINotListening
	}
	return a.listener.Addr(), nil
}
