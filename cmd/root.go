package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/edwinchan129/texbot/texbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// messageSeparator splits list settings given as a single string, ex:
// TEXBOT_GUILD_WELCOME_MESSAGES="Hi <User>!|Welcome <User>!"
const messageSeparator = "|"

var (
	cfg        = texbot.DefaultConfig()
	configFile string
	envPrefix  = texbot.DefaultEnvPrefix
)

// messageListFlags are list settings that can also be given as flags,
// separated by messageSeparator
var messageListFlags = map[string]string{
	"welcome-messages": "guild.welcome_messages",
	"roles-messages":   "guild.roles_messages",
}

var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.log_channel_level",
}

var rootCmd = &cobra.Command{
	Use:   "texbot [flags]",
	Short: "Discord bot for the CSS community server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := loadConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func loadConfig(c *texbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	case "CRIT", "CRITICAL":
		return texbot.LevelCritical, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", texbot.DefaultDatabase)
	viper.SetDefault("database_type", texbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", texbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", texbot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", texbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", texbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", texbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", texbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", texbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", texbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", texbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", texbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.log_channel_id", "")
	viper.SetDefault("discord.log_channel_level", texbot.DefaultLogChannelLevel.String())
	viper.SetDefault("discord.log_channel_rate", texbot.DefaultLogChannelRate)
	viper.SetDefault("discord.log_channel_buffer", texbot.DefaultLogChannelBuffer)

	// Guild config
	viper.SetDefault("guild.committee_role_name", texbot.DefaultCommitteeRoleName)
	viper.SetDefault("guild.guest_role_name", texbot.DefaultGuestRoleName)
	viper.SetDefault("guild.member_role_name", texbot.DefaultMemberRoleName)
	viper.SetDefault("guild.archivist_role_name", texbot.DefaultArchivistRoleName)
	viper.SetDefault("guild.roles_channel_name", texbot.DefaultRolesChannelName)
	viper.SetDefault("guild.general_channel_name", texbot.DefaultGeneralChannelName)
	viper.SetDefault("guild.welcome_channel_name", texbot.DefaultWelcomeChannelName)
	viper.SetDefault("guild.welcome_messages", texbot.DefaultWelcomeMessages)
	viper.SetDefault("guild.roles_messages", texbot.DefaultRolesMessages)
	viper.SetDefault("guild.membership_url", texbot.DefaultMembershipURL)
	viper.SetDefault("guild.group_id_length", texbot.DefaultGroupIDLength)

	viper.SetDefault("reminders.poll_interval", texbot.DefaultReminderPollInterval)
	viper.SetDefault("reminders.max_delay", texbot.DefaultReminderMaxDelay)
	viper.SetDefault("moderation.strike_timeout", texbot.DefaultStrikeTimeout)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", texbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", texbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", texbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", texbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", texbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", texbot.DefaultIdleTimeout)
	viper.SetDefault("api.write_rate_limit", texbot.DefaultAPIWriteRateLimit)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", texbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", texbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", texbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", texbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", texbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", texbot.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix = os.Getenv(texbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = texbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	for name, key := range messageListFlags {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			log.Fatalf("error binding flag %s: %v", name, err)
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range []string{"guild.welcome_messages", "guild.roles_messages"} {
		viper.Set(key, messageList(viper.Get(key)))
	}

	for _, key := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// messageList returns v as a list of messages. Strings, as set from
// the environment, are split on messageSeparator.
func messageList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case string:
		var messages []string
		for _, m := range strings.Split(val, messageSeparator) {
			if m = strings.TrimSpace(m); m != "" {
				messages = append(messages, m)
			}
		}
		return messages
	case []any:
		messages := make([]string, 0, len(val))
		for _, m := range val {
			messages = append(messages, fmt.Sprint(m))
		}
		return messages
	default:
		return nil
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config (.env) file to use",
	)
	rootCmd.PersistentFlags().String(
		"welcome-messages",
		"",
		"Welcome messages, separated by '"+messageSeparator+"'. <User> is replaced with a mention",
	)
	rootCmd.PersistentFlags().String(
		"roles-messages",
		"",
		"Role selection messages for /write_roles, separated by '"+messageSeparator+"'",
	)
}
