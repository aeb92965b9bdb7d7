package texbot

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

// CommandFunc executes a command for the given context. Returned errors
// are logged by the dispatcher, after any middleware has had a chance
// to handle them.
type CommandFunc func(ctx context.Context, c *CommandContext) error

// AutocompleteFunc returns the choices for the option being typed
type AutocompleteFunc func(
	ctx context.Context,
	c *CommandContext,
) ([]*discordgo.ApplicationCommandOptionChoice, error)

// Middleware wraps a CommandFunc
type Middleware func(next CommandFunc) CommandFunc

// Command pairs an application command definition with its handler.
// Middleware is applied in order, so the first middleware is the
// outermost.
type Command struct {
	Definition   *discordgo.ApplicationCommand
	Handler      CommandFunc
	Autocomplete AutocompleteFunc
	Middleware   []Middleware

	// ActivityKey identifies the command in logs and [ErrorActivities].
	// Defaults to the command's name, which context menu commands can't
	// use since their names are shown to users.
	ActivityKey string
}

func (c *Command) Name() string {
	return c.Definition.Name
}

func (c *Command) activityKey() string {
	if c.ActivityKey != "" {
		return c.ActivityKey
	}
	return c.Definition.Name
}

func (c *Command) handlerFunc() CommandFunc {
	return chain(c.Handler, c.Middleware...)
}

func chain(f CommandFunc, middleware ...Middleware) CommandFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		f = middleware[i](f)
	}
	return f
}

// CommandContext carries the interaction being handled, and the bot
// handling it, through a command's middleware and handler.
type CommandContext struct {
	Bot         *TeXBot
	Interaction *discordgo.InteractionCreate
	Handler     InteractionHandler
	Logger      *slog.Logger
	CommandName string

	// acknowledged is set once an initial response has been sent, after
	// which responses edit the original response instead
	acknowledged atomic.Bool
}

func newCommandContext(
	bot *TeXBot,
	handler InteractionHandler,
) *CommandContext {
	i := handler.GetInteraction()
	c := &CommandContext{
		Bot:         bot,
		Interaction: i,
		Handler:     handler,
		Logger:      handler.Logger(),
	}
	if i.Type == discordgo.InteractionApplicationCommand ||
		i.Type == discordgo.InteractionApplicationCommandAutocomplete {
		c.CommandName = i.ApplicationCommandData().Name
	}
	return c
}

// User returns the user that invoked the command
func (c *CommandContext) User() *discordgo.User {
	return getDiscordUser(c.Interaction)
}

// Options returns the top-level command options, keyed by name
func (c *CommandContext) Options() map[string]*discordgo.ApplicationCommandInteractionDataOption {
	return discordInteractionOptions(c.Interaction)
}

// StringOption returns the value of a string option, or "" if it
// wasn't given
func (c *CommandContext) StringOption(name string) string {
	if opt, ok := c.Options()[name]; ok && opt.Type == discordgo.ApplicationCommandOptionString {
		return opt.StringValue()
	}
	return ""
}

// BoolOption returns the value of a boolean option, or def if it wasn't
// given
func (c *CommandContext) BoolOption(name string, def bool) bool {
	if opt, ok := c.Options()[name]; ok && opt.Type == discordgo.ApplicationCommandOptionBoolean {
		return opt.BoolValue()
	}
	return def
}

// UserOption returns the user ID given for a user option, or "" if
// it wasn't given
func (c *CommandContext) UserOption(name string) string {
	opt, ok := c.Options()[name]
	if !ok {
		return ""
	}
	switch opt.Type {
	case discordgo.ApplicationCommandOptionUser, discordgo.ApplicationCommandOptionMentionable:
		if v, isString := opt.Value.(string); isString {
			return v
		}
	default:
	}
	return ""
}

// TargetID returns the target of a user or message context menu command
func (c *CommandContext) TargetID() string {
	return c.Interaction.ApplicationCommandData().TargetID
}

// Defer acknowledges the interaction, showing a loading state until
// the response is edited.
func (c *CommandContext) Defer(ctx context.Context, ephemeral bool) error {
	if c.acknowledged.Load() {
		return nil
	}
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := c.Handler.Respond(ctx, resp); err != nil {
		return err
	}
	c.acknowledged.Store(true)
	return nil
}

// Respond sends content as the response to the interaction. If the
// interaction has already been acknowledged, the existing response is
// edited instead.
func (c *CommandContext) Respond(ctx context.Context, content string, ephemeral bool) error {
	content = truncate(content, discordMaxMessageLength)
	if c.acknowledged.Load() {
		_, err := c.Handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return err
	}
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := c.Handler.Respond(ctx, resp); err != nil {
		return err
	}
	c.acknowledged.Store(true)
	return nil
}
