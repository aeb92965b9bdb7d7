package texbot

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var (
	// mentionPattern matches user, role and channel mention tokens
	mentionPattern = regexp.MustCompile(`<([@&#]?|(@[&#])?)\d+>`)

	delayPattern = regexp.MustCompile(`^(?:(\d+)w)?(?:(\d+)d)?(.*)$`)
)

// discordInteractionOptions extracts the interaction options from a
// Discord interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// focusedOption returns the autocomplete option currently being typed
func focusedOption(i *discordgo.InteractionCreate) *discordgo.ApplicationCommandInteractionDataOption {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused {
			return opt
		}
	}
	return nil
}

// getDiscordUser returns the user that triggered the interaction. In
// guilds this is only set on the member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.User != nil {
		return i.User
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return nil
}

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			continue
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip values that are nil or empty
		switch fv.Kind() {
		case reflect.Ptr, reflect.Interface:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		default:
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}

	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func contextLoggerOrDefault(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if i.AppID != "" {
		logAttrs = append(logAttrs, "app_id", i.AppID)
	}
	if i.Type == discordgo.InteractionApplicationCommand ||
		i.Type == discordgo.InteractionApplicationCommandAutocomplete {
		logAttrs = append(logAttrs, "command", i.ApplicationCommandData().Name)
	}
	return logAttrs
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// escapeMentions wraps every mention token in backticks, so it's shown
// as text instead of pinging whoever it refers to.
func escapeMentions(s string) string {
	return mentionPattern.ReplaceAllStringFunc(
		s, func(m string) string {
			return "`" + m + "`"
		},
	)
}

// AmountOfTimeFormatter renders a quantity of some unit of time, ex:
// (1, "day") => "day", (3, "day") => "3 days", (1.5, "hour") => "1.5 hours"
func AmountOfTimeFormatter(value float64, scale string) string {
	if value == 1 {
		return scale
	}
	if value == math.Trunc(value) {
		return fmt.Sprintf("%d %ss", int64(value), scale)
	}
	return fmt.Sprintf("%s %ss", strconv.FormatFloat(value, 'g', 3, 64), scale)
}

// parseSnowflake validates that s is a discord ID
func parseSnowflake(s string) (snowflake.ID, error) {
	id, err := snowflake.Parse(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid discord ID: %w", s, err)
	}
	return id, nil
}

// parseDelay parses a reminder delay. In addition to [time.ParseDuration]
// units, leading week and day components are accepted, ex: "1w2d3h".
func parseDelay(s string) (time.Duration, error) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDelay)
	}
	m := delayPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDelay, s)
	}

	var d time.Duration
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) {
			return 0, fmt.Errorf("%w: %q is too long", ErrInvalidDelay, s)
		}
		if d, err = addDelay(d, time.Duration(n)*unit); err != nil {
			return 0, fmt.Errorf("%w: %q", err, s)
		}
	}
	if m[3] != "" {
		rest, err := time.ParseDuration(m[3])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDelay, s)
		}
		if d, err = addDelay(d, rest); err != nil {
			return 0, fmt.Errorf("%w: %q", err, s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: must be in the future", ErrInvalidDelay)
	}
	return d, nil
}

func addDelay(d, part time.Duration) (time.Duration, error) {
	if part > 0 && d > math.MaxInt64-part {
		return 0, fmt.Errorf("%w: too long", ErrInvalidDelay)
	}
	return d + part, nil
}

// formatDelay renders d using the largest whole units, ex: "2 days 3 hours"
func formatDelay(d time.Duration) string {
	units := []struct {
		name string
		size time.Duration
	}{
		{"week", 7 * 24 * time.Hour},
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
		{"second", time.Second},
	}
	var parts []string
	for _, u := range units {
		if d < u.size {
			continue
		}
		n := d / u.size
		d -= n * u.size
		if n == 1 {
			parts = append(parts, "1 "+u.name)
			continue
		}
		parts = append(parts, AmountOfTimeFormatter(float64(n), u.name))
	}
	if len(parts) == 0 {
		return "now"
	}
	return strings.Join(parts, " ")
}

// hashID returns the hex SHA-256 digest of an ID, used wherever member
// IDs are persisted.
func hashID(id string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(id)))
	return hex.EncodeToString(sum[:])
}
