package texbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/edwinchan129/texbot/texbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

var errShutdownTimeout = errors.New("shutdown timed out")

// TeXBot runs the community bot: it holds the discord session, the
// database, the guild cache and the cogs whose commands it dispatches.
type TeXBot struct {
	config *Config

	// read connection
	db *gorm.DB

	// write wrapper around db, serialized for SQLite
	writeDB DBI

	dbNotifier DBNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	// set when Discord.LogChannelID is configured
	discordLogHandler *DiscordLogHandler

	discord    *Discord
	guildCache *GuildCache
	api        *API

	cogs     []Cog
	commands map[string]*Command

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to a received interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalStop stops a running bot, from [TeXBot.Stop] or a
	// notification from another instance
	signalStop chan struct{}

	// signalReady receives a value once Run has connected to discord
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown has finished
	eventShutdown chan struct{}

	// guildCacheReloadCh drops cached roles and channels when received on
	guildCacheReloadCh chan struct{}

	reminders *ReminderWorker

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New creates a bot from config. Nothing is opened or connected until
// [TeXBot.Run] is called.
func New(config *Config) (*TeXBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil {
		return nil, &ImproperlyConfiguredError{Setting: "discord", Message: "discord configuration is required"}
	}
	if config.Guild == nil {
		return nil, &ImproperlyConfiguredError{Setting: "guild", Message: "guild configuration is required"}
	}
	defaults := DefaultConfig()
	if config.API == nil {
		config.API = defaults.API
	}
	if config.Reminders == nil {
		config.Reminders = defaults.Reminders
	}
	if config.Moderation == nil {
		config.Moderation = defaults.Moderation
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &TeXBot{
		config:             config,
		commands:           map[string]*Command{},
		signalStop:         make(chan struct{}, 1),
		signalReady:        make(chan struct{}, 1),
		eventShutdown:      make(chan struct{}, 1),
		guildCacheReloadCh: make(chan struct{}, 1),
	}

	consoleHandler := newConsoleHandler(
		defaultLogWriter,
		levelOrDefault(config.LogLevel, DefaultLogLevel),
	)
	b.logHandler = consoleHandler

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)
	disc.bot = b
	disc.logger = slog.New(
		newConsoleHandler(
			defaultLogWriter,
			levelOrDefault(config.Discord.LogLevel, DefaultDiscordLogLevel),
		),
	).With(loggerNameKey, "discord")
	b.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newConsoleHandler(
			defaultLogWriter,
			levelOrDefault(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	session, err := disc.newSession()
	if err != nil {
		errs = append(errs, err)
	} else {
		disc.session = session
	}

	if config.Discord.LogChannelID != "" && disc.session != nil {
		b.discordLogHandler = NewDiscordLogHandler(
			disc.session,
			config.Discord.LogChannelID,
			levelOrDefault(config.Discord.LogChannelLevel, DefaultLogChannelLevel),
			config.Discord.LogChannelRate,
			config.Discord.LogChannelBuffer,
			slog.New(consoleHandler),
		)
		b.logHandler = newFanoutHandler(consoleHandler, b.discordLogHandler)
	}

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	var state GuildState
	if disc.session != nil {
		state = disc.session.State()
	}
	b.guildCache = NewGuildCache(config.Discord.GuildID, state, config.Guild)

	b.reminders = newReminderWorker(b, config.Reminders.PollInterval)

	for _, cog := range defaultCogs(b) {
		if e := b.AddCog(cog); e != nil {
			errs = append(errs, e)
		}
	}

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func levelOrDefault(lv *slog.LevelVar, def slog.Level) slog.Leveler {
	if lv == nil {
		return def
	}
	return lv
}

// ValidateConfig checks the bot's configuration against its binding tags
func (b *TeXBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// AddCog registers every command of cog. Command names must be unique
// across all cogs.
func (b *TeXBot) AddCog(cog Cog) error {
	for _, cmd := range cog.Commands() {
		name := cmd.Name()
		if _, exists := b.commands[name]; exists {
			return fmt.Errorf("cog %q: duplicate command %q", cog.Name(), name)
		}
		b.commands[name] = cmd
	}
	b.cogs = append(b.cogs, cog)
	return nil
}

// ApplicationCommands returns the definition of every registered command
func (b *TeXBot) ApplicationCommands() []*discordgo.ApplicationCommand {
	var defs []*discordgo.ApplicationCommand
	for _, cog := range b.cogs {
		for _, cmd := range cog.Commands() {
			defs = append(defs, cmd.Definition)
		}
	}
	return defs
}

// RegisterCommands overwrites the application's commands in the
// community guild with [TeXBot.ApplicationCommands].
func (b *TeXBot) RegisterCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(b.ApplicationCommands(), options...)
}

// GuildCache returns the bot's cache of community guild resources
func (b *TeXBot) GuildCache() *GuildCache {
	return b.guildCache
}

// Stop asks a running bot to shut down. It doesn't block, and repeated
// calls before the bot stops have no further effect.
func (b *TeXBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
		b.logger.Warn("stop requested")
	default:
	}
}

// triggerGuildCacheReload queues a reload of the guild cache. It returns
// true if a reload was queued or is already pending.
func (b *TeXBot) triggerGuildCacheReload(ctx context.Context) bool {
	select {
	case b.guildCacheReloadCh <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

func (b *TeXBot) runGuildCacheReloader(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.guildCacheReloadCh:
			b.guildCache.Invalidate()
			b.logger.InfoContext(ctx, "reloaded guild cache")
		}
	}
}

// Run opens the database, connects to discord and handles commands
// until ctx is canceled or [TeXBot.Stop] is called.
func (b *TeXBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err = b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	runtimeWG := &sync.WaitGroup{}
	g, gctx := errgroup.WithContext(ctx)

	if b.config.API.Enabled {
		g.Go(
			func() error {
				if e := b.api.Serve(gctx); e != nil && !errors.Is(e, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", e)
				}
				return nil
			},
		)
	}

	b.initDiscordSession(gctx, runtimeWG)

	openErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "connecting to discord")
		openErr <- b.discord.session.Open()
	}()
	select {
	case <-startCtx.Done():
		cancel()
		_ = g.Wait()
		return errors.New("startup cancelled or timed out")
	case e := <-openErr:
		if e != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(e))
			cancel()
			_ = g.Wait()
			return fmt.Errorf("error connecting to discord: %w", e)
		}
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := b.discord.session.UpdateCustomStatus(status); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}

	g.Go(func() error { return b.reminders.Run(gctx) })
	g.Go(func() error { return b.runGuildCacheReloader(gctx) })
	for _, channel := range []string{
		b.dbNotifier.GuildCacheChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		g.Go(
			func() error {
				if e := b.dbNotifier.Listen(gctx, channel); e != nil {
					logger.ErrorContext(gctx, "error listening for notifications", tint.Err(e), "channel", channel)
				}
				return nil
			},
		)
	}

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	<-gctx.Done()
	return b.shutdown(ctx, runtimeWG, g)
}

func (b *TeXBot) initDB(ctx context.Context) error {
	logger := contextLoggerOrDefault(ctx, b.logger)

	handler := newConsoleHandler(
		defaultLogWriter,
		levelOrDefault(b.config.DatabaseLogLevel, DefaultDatabaseLogLevel),
	)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

// initDiscordSession sets the gateway identity and adds the bot's event
// handlers, replacing any added by a previous run.
func (b *TeXBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) {
	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerGuildCreate()),
		b.discord.session.AddHandler(b.discord.handlerGuildDelete()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
	}
}

func (b *TeXBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	g *errgroup.Group,
) error {
	b.logger.WarnContext(ctx, "shutting down", "shutdown_timeout", b.config.ShutdownTimeout)
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer closeCancel()

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil
	if err := b.discord.session.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}

	done := make(chan error, 1)
	go func() {
		runtimeWG.Wait()
		done <- g.Wait()
	}()

	var runErr error
	select {
	case runErr = <-done:
		b.logger.InfoContext(ctx, "finished handling in-flight requests")
	case <-closeCtx.Done():
		b.logger.ErrorContext(ctx, "timed out waiting for in-flight requests")
		runErr = errShutdownTimeout
	}

	if b.discordLogHandler != nil {
		if err := b.discordLogHandler.Close(closeCtx); err != nil {
			b.logger.ErrorContext(ctx, "error closing log channel handler", tint.Err(err))
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				b.logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
			}
		}
	}

	b.logger.WarnContext(ctx, "shutdown complete", "uptime", time.Since(b.startedAt))
	return runErr
}

// handleInteraction routes an interaction to the command it names.
// Commands that fail are logged, and the user is shown a generic error
// if the command hadn't responded yet.
func (b *TeXBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", user.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.handleAutocomplete(ctx, handler)
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, handler, user)
	default:
		logger.DebugContext(ctx, "ignoring interaction")
	}
}

func (b *TeXBot) handleCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	logger.InfoContext(ctx, "received command", "user_id", user.ID, "username", user.Username)

	interactionLog, logErr := newInteractionLog(i, user)
	if logErr != nil {
		logger.ErrorContext(ctx, "error creating interaction log", tint.Err(logErr))
	}
	if interactionLog != nil && b.writeDB != nil {
		if _, err := b.writeDB.Create(ctx, interactionLog); err != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(err))
			interactionLog = nil
		}
	}

	name := i.ApplicationCommandData().Name
	cmd, ok := b.commands[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", name)
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "Unknown command.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	c := newCommandContext(b, handler)
	c.CommandName = cmd.activityKey()
	c.Logger = logger.With("command", c.CommandName)
	ctx = WithLogger(ctx, c.Logger)

	err := cmd.handlerFunc()(ctx, c)
	if err == nil {
		return
	}

	if interactionLog != nil {
		if _, updateErr := b.writeDB.Updates(
			ctx,
			interactionLog,
			map[string]any{"error": err.Error()},
		); updateErr != nil {
			logger.ErrorContext(ctx, "error updating interaction log", tint.Err(updateErr))
		}
	}
	BaseCog{bot: b}.SendError(ctx, c, "", "", fmt.Sprintf("unhandled error: %v", err))
}

func (b *TeXBot) handleAutocomplete(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	cmd, ok := b.commands[i.ApplicationCommandData().Name]
	if !ok || cmd.Autocomplete == nil {
		return
	}
	c := newCommandContext(b, handler)
	c.CommandName = cmd.activityKey()

	choices, err := cmd.Autocomplete(ctx, c)
	if err != nil {
		c.Logger.ErrorContext(ctx, "error getting autocomplete choices", tint.Err(err))
	}
	if choices == nil {
		choices = []*discordgo.ApplicationCommandOptionChoice{}
	}
	if len(choices) > discordMaxChoices {
		choices = choices[:discordMaxChoices]
	}
	_ = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
}

func (*TeXBot) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOrDefault(ctx, nil)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// fetchMember returns the community guild member with the given user
// ID, falling back to the REST API for members the gateway hasn't sent.
// [ErrNoGuildMember] is returned if the user isn't in the guild.
func (b *TeXBot) fetchMember(userID string) (*discordgo.Member, error) {
	m, err := b.guildCache.Member(userID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNoGuildMember) {
		return nil, err
	}
	m, err = b.discord.session.GuildMember(b.guildCache.GuildID(), userID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNoGuildMember
		}
		return nil, err
	}
	return m, nil
}

// userHasCommitteeRole reports whether the user holds the committee
// role. Nobody does if the guild has no committee role.
func (b *TeXBot) userHasCommitteeRole(userID string) (bool, error) {
	role, err := b.guildCache.CommitteeRole()
	if err != nil {
		return false, err
	}
	if role == nil {
		return false, nil
	}
	m, err := b.fetchMember(userID)
	if err != nil {
		return false, err
	}
	return memberHasRole(m, role.ID), nil
}

// botUserID returns the bot's own user ID, once the gateway has sent it
func (b *TeXBot) botUserID() string {
	if b.discord.session == nil {
		return ""
	}
	state := b.discord.session.State()
	if state == nil || state.User == nil {
		return ""
	}
	return state.User.ID
}
