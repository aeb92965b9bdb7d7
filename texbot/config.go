//nolint:lll // struct tags can't be split
package texbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "TEXBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "TEXBOT"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "texbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentsGuildMembers
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "/induct new members"
	DefaultDiscordStartupMessage = ""
	DefaultLogChannelLevel       = slog.LevelWarn
	DefaultLogChannelRate        = 1.0
	DefaultLogChannelBuffer      = 50

	DefaultCommitteeRoleName  = "Committee"
	DefaultGuestRoleName      = "Guest"
	DefaultMemberRoleName     = "Member"
	DefaultArchivistRoleName  = "Archivist"
	DefaultRolesChannelName   = "roles"
	DefaultGeneralChannelName = "general"
	DefaultWelcomeChannelName = "welcome"

	DefaultReminderPollInterval = 30 * time.Second
	DefaultReminderMaxDelay     = 365 * 24 * time.Hour

	DefaultStrikeTimeout = 24 * time.Hour
	DefaultGroupIDLength = 7
	DefaultMembershipURL = ""

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPIWriteRateLimit       = 5.0
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	defaultListenNetwork         = "tcp"

	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour

	DefaultWelcomeMessages = []string{
		"Welcome <User>! Make sure to grab some roles from <#roles>.",
		"<User> just joined the party, say hello!",
		"Everyone welcome <User> to the server!",
	}
	DefaultRolesMessages = []string{
		"**Pick your roles below!**",
	}
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the bot's connection to discord
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Guild names the roles and channels the bot looks for in the
	// community guild, and the messages it sends there
	Guild *GuildConfig `yaml:"guild" mapstructure:"guild" json:"guild"`

	Reminders *RemindersConfig `yaml:"reminders" mapstructure:"reminders" json:"reminders"`

	Moderation *ModerationConfig `yaml:"moderation" mapstructure:"moderation" json:"moderation"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the ID of the community guild. Commands are registered
	// to this guild only, and every cached role and channel belongs to it.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, this message is sent to LogChannelID each time the bot
	// connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is shown as the bot's status once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// LogChannelID, if set, is a channel that log records at or above
	// LogChannelLevel are forwarded to.
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id"`

	LogChannelLevel *slog.LevelVar `yaml:"log_channel_level" mapstructure:"log_channel_level" json:"log_channel_level"`

	// LogChannelRate is the maximum number of messages per second sent
	// to LogChannelID
	LogChannelRate float64 `yaml:"log_channel_rate" mapstructure:"log_channel_rate" json:"log_channel_rate" binding:"gte=0"`

	// LogChannelBuffer is the number of records queued for LogChannelID
	// before new records are dropped
	LogChannelBuffer int `yaml:"log_channel_buffer" mapstructure:"log_channel_buffer" json:"log_channel_buffer" binding:"gte=0"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GuildConfig holds the names used to find roles and channels in the
// community guild. Resources are cached by ID once found, so renaming a
// role doesn't break the cache, but a role that's deleted and recreated
// must use the configured name to be found again.
type GuildConfig struct {
	CommitteeRoleName  string `yaml:"committee_role_name" mapstructure:"committee_role_name" json:"committee_role_name" binding:"required"`
	GuestRoleName      string `yaml:"guest_role_name" mapstructure:"guest_role_name" json:"guest_role_name" binding:"required"`
	MemberRoleName     string `yaml:"member_role_name" mapstructure:"member_role_name" json:"member_role_name" binding:"required"`
	ArchivistRoleName  string `yaml:"archivist_role_name" mapstructure:"archivist_role_name" json:"archivist_role_name" binding:"required"`
	RolesChannelName   string `yaml:"roles_channel_name" mapstructure:"roles_channel_name" json:"roles_channel_name" binding:"required"`
	GeneralChannelName string `yaml:"general_channel_name" mapstructure:"general_channel_name" json:"general_channel_name" binding:"required"`
	WelcomeChannelName string `yaml:"welcome_channel_name" mapstructure:"welcome_channel_name" json:"welcome_channel_name" binding:"required"`

	// WelcomeMessages are picked at random when a user is inducted.
	// "<User>" is replaced with a mention of the inducted user, and
	// "<#roles>" with a mention of the roles channel.
	WelcomeMessages []string `yaml:"welcome_messages" mapstructure:"welcome_messages" json:"welcome_messages" binding:"min=1"`

	// RolesMessages are sent, in order, by /write_roles
	RolesMessages []string `yaml:"roles_messages" mapstructure:"roles_messages" json:"roles_messages" binding:"min=1"`

	// MembershipURL is linked when /make_member can't find the given ID
	MembershipURL string `yaml:"membership_url" mapstructure:"membership_url" json:"membership_url"`

	// GroupIDLength is the number of digits in a society member ID
	GroupIDLength int `yaml:"group_id_length" mapstructure:"group_id_length" json:"group_id_length" binding:"min=1"`
}

// RemindersConfig configures /remind_me
type RemindersConfig struct {
	// PollInterval is how often due reminders are checked for
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// MaxDelay is the furthest in the future a reminder can be set
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay" json:"max_delay" binding:"min=1m"`
}

// ModerationConfig configures /strike
type ModerationConfig struct {
	// StrikeTimeout is how long a member is timed out for on their
	// second strike
	StrikeTimeout time.Duration `yaml:"strike_timeout" mapstructure:"strike_timeout" json:"strike_timeout" binding:"min=1m,max=672h"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the API server alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required by every /api endpoint
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// WriteRateLimit is the number of requests per second allowed
	// for endpoints that change state
	WriteRateLimit float64 `yaml:"write_rate_limit" mapstructure:"write_rate_limit" json:"write_rate_limit" binding:"gte=0"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Development enables pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateDiscordConfig checks that configured IDs are well-formed
// snowflakes, so a typo in the guild ID fails at startup rather than
// surfacing as a missing guild later.
func validateDiscordConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(DiscordConfig)
	if !ok {
		return
	}
	if value.GuildID != "" {
		if _, err := snowflake.Parse(value.GuildID); err != nil {
			sl.ReportError(value.GuildID, "GuildID", "guild_id", "snowflake", "")
		}
	}
	if value.LogChannelID != "" {
		if _, err := snowflake.Parse(value.LogChannelID); err != nil {
			sl.ReportError(value.LogChannelID, "LogChannelID", "log_channel_id", "snowflake", "")
		}
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	logChannelLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	logChannelLevel.Set(DefaultLogChannelLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			LogChannelLevel:   logChannelLevel,
			LogChannelRate:    DefaultLogChannelRate,
			LogChannelBuffer:  DefaultLogChannelBuffer,
		},
		Guild: &GuildConfig{
			CommitteeRoleName:  DefaultCommitteeRoleName,
			GuestRoleName:      DefaultGuestRoleName,
			MemberRoleName:     DefaultMemberRoleName,
			ArchivistRoleName:  DefaultArchivistRoleName,
			RolesChannelName:   DefaultRolesChannelName,
			GeneralChannelName: DefaultGeneralChannelName,
			WelcomeChannelName: DefaultWelcomeChannelName,
			WelcomeMessages:    append([]string(nil), DefaultWelcomeMessages...),
			RolesMessages:      append([]string(nil), DefaultRolesMessages...),
			MembershipURL:      DefaultMembershipURL,
			GroupIDLength:      DefaultGroupIDLength,
		},
		Reminders: &RemindersConfig{
			PollInterval: DefaultReminderPollInterval,
			MaxDelay:     DefaultReminderMaxDelay,
		},
		Moderation: &ModerationConfig{
			StrikeTimeout: DefaultStrikeTimeout,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			WriteRateLimit:    DefaultAPIWriteRateLimit,
			CORS:              DefaultCORSConfig(),
		},
	}
}
