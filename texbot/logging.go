package texbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// LevelCritical is logged when the bot can no longer operate safely,
// immediately before it shuts itself down.
const LevelCritical = slog.Level(12)

const levelCriticalName = "CRIT"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// replaceLevelAttr renders LevelCritical as "CRIT" rather than "ERROR+4"
func replaceLevelAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		return slog.String(slog.LevelKey, levelCriticalName)
	}
	return a
}

func levelName(l slog.Level) string {
	if l >= LevelCritical {
		return levelCriticalName
	}
	return l.String()
}

func newConsoleHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		w, &tint.Options{
			Level:       level,
			AddSource:   true,
			ReplaceAttr: replaceLevelAttr,
		},
	)
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the handler's LevelVar
func (g *gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()

	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"sql", s,
	}
	if rowsAffected == -1 {
		attrs = append(attrs, "rows", "-")
	} else {
		attrs = append(attrs, "rows", rowsAffected)
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.logger.ErrorContext(ctx, "sql error", append(attrs, tint.Err(err))...)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(ctx, "slow sql", attrs...)
	default:
		g.logger.DebugContext(ctx, "sql completed", attrs...)
	}
}

// ChannelMessageSender sends a plain text message to a channel
type ChannelMessageSender interface {
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordLogHandler is a [slog.Handler] that forwards records to a
// discord channel. Records are queued and sent from a background
// goroutine, at most [DiscordConfig.LogChannelRate] per second. When the
// queue is full, records are dropped and counted.
//
// Handlers returned by WithAttrs and WithGroup share the queue of the
// handler they were derived from. Close must be called to stop the
// background sender.
type DiscordLogHandler struct {
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
	state  *discordLogState
}

type discordLogState struct {
	channelID string
	sender    ChannelMessageSender
	limiter   *rate.Limiter
	records   chan string
	// errLogger reports failed sends. It must not write back to
	// this handler.
	errLogger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	sent    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscordLogHandler starts a handler sending records at or above
// level to channelID. A perSecond of zero disables rate limiting.
func NewDiscordLogHandler(
	sender ChannelMessageSender,
	channelID string,
	level slog.Leveler,
	perSecond float64,
	buffer int,
	errLogger *slog.Logger,
) *DiscordLogHandler {
	if errLogger == nil {
		errLogger = slog.New(newConsoleHandler(defaultLogWriter, slog.LevelWarn))
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	state := &discordLogState{
		channelID: channelID,
		sender:    sender,
		limiter:   rate.NewLimiter(limit, 1),
		records:   make(chan string, buffer),
		errLogger: errLogger.With(loggerNameKey, "discord_log_handler"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go state.run()

	return &DiscordLogHandler{level: level, state: state}
}

func (s *discordLogState) run() {
	defer close(s.done)
	for msg := range s.records {
		if err := s.limiter.Wait(s.ctx); err != nil {
			s.dropped.Add(1)
			continue
		}
		if _, err := s.sender.ChannelMessageSend(s.channelID, msg); err != nil {
			s.errLogger.Error(
				"error sending log record to channel",
				tint.Err(err),
				"channel_id", s.channelID,
			)
			continue
		}
		s.sent.Add(1)
	}
}

func (h *DiscordLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.level != nil {
		minLevel = h.level.Level()
	}
	return level >= minLevel
}

func (h *DiscordLogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := h.format(r)

	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if h.state.closed {
		return nil
	}

	select {
	case h.state.records <- msg:
	default:
		h.state.dropped.Add(1)
	}
	return nil
}

func (h *DiscordLogHandler) format(r slog.Record) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(levelName(r.Level))
	b.WriteString("** ")
	b.WriteString(r.Message)

	var attrs []string
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		attrs = appendAttr(attrs, "", a)
	}
	r.Attrs(
		func(a slog.Attr) bool {
			attrs = appendAttr(attrs, prefix, a)
			return true
		},
	)
	if len(attrs) > 0 {
		b.WriteString("\n`")
		b.WriteString(strings.Join(attrs, " "))
		b.WriteString("`")
	}
	return truncate(b.String(), discordMaxMessageLength)
}

func appendAttr(attrs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return attrs
	}
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			attrs = appendAttr(attrs, groupPrefix, ga)
		}
		return attrs
	}
	return append(attrs, fmt.Sprintf("%s%s=%s", prefix, a.Key, a.Value.String()))
}

func (h *DiscordLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &DiscordLogHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
		state:  h.state,
	}
}

func (h *DiscordLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &DiscordLogHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: groups,
		state:  h.state,
	}
}

// Dropped returns the number of records that were discarded, either
// because the queue was full or because the handler was closed before
// they could be sent.
func (h *DiscordLogHandler) Dropped() int64 {
	return h.state.dropped.Load()
}

// Sent returns the number of records successfully sent
func (h *DiscordLogHandler) Sent() int64 {
	return h.state.sent.Load()
}

// Close stops accepting records and waits for queued records to be sent.
// If ctx is done first, remaining records are dropped.
func (h *DiscordLogHandler) Close(ctx context.Context) error {
	h.state.mu.Lock()
	if !h.state.closed {
		h.state.closed = true
		close(h.state.records)
	}
	h.state.mu.Unlock()

	select {
	case <-h.state.done:
		h.state.cancel()
		return nil
	case <-ctx.Done():
		h.state.cancel()
		<-h.state.done
		return ctx.Err()
	}
}

// fanoutHandler sends each record to every handler that's enabled for it
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}
