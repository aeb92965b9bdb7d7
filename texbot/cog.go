package texbot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// discordMaxChoices is the most autocomplete choices discord accepts
const discordMaxChoices = 25

const readWritePermissions = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages

// Cog groups related commands
type Cog interface {
	Name() string
	Commands() []*Command
}

// ErrorActivities describes what each command was trying to do, for
// error messages shown to users. Keys match [Command.ActivityKey].
var ErrorActivities = map[string]string{
	"ping":                    "reply to ping",
	"write_roles":             "send messages",
	"edit_message":            "edit the message",
	"induct":                  "induct user",
	"silent_induct":           "silently induct user",
	"non_silent_induct":       "induct user and send welcome message",
	"make_member":             "make you a member",
	"remind_me":               "remind you",
	"channel_stats":           "display channel statistics",
	"server_stats":            "display whole server statistics",
	"user_stats":              "display your statistics",
	"left_member_stats":       "display statistics about the members that have left the server",
	"archive":                 "archive the selected category",
	"ensure_members_inducted": "ensure all members are inducted",
	"strike":                  "add a strike to the user",
}

// BaseCog is embedded in every cog, and holds the bot the cog's
// commands run against
type BaseCog struct {
	bot *TeXBot
}

func (b BaseCog) Bot() *TeXBot {
	return b.bot
}

// SendError responds to the command with an ephemeral error message.
//
// If errorCode is set, the message asks the user to contact the
// committee with that code. message, if set, is shown to the user with
// any mentions escaped. loggingMessage, if set, is logged at ERROR,
// prefixed by the error code and command.
func (b BaseCog) SendError(
	ctx context.Context,
	c *CommandContext,
	errorCode string,
	message string,
	loggingMessage string,
) {
	committeeMention := ""
	if errorCode != "" {
		committeeMention = "committee"
		if role, err := b.bot.guildCache.CommitteeRole(); err == nil && role != nil {
			committeeMention = role.Mention()
		}
	}

	content, logPrefix := errorMessage(committeeMention, errorCode, c.CommandName, message)

	if err := c.Respond(ctx, content, true); err != nil {
		c.Logger.ErrorContext(ctx, "error sending error response", tint.Err(err))
	}

	if loggingMessage != "" {
		c.Logger.ErrorContext(ctx, logPrefix+" "+loggingMessage)
	}
}

// errorMessage builds the user-facing error message, and the prefix
// used when the error is logged.
func errorMessage(
	committeeMention string,
	errorCode string,
	commandName string,
	message string,
) (content string, logPrefix string) {
	var b strings.Builder
	if errorCode != "" {
		fmt.Fprintf(
			&b,
			"**Contact a %s member, referencing error code: %s**\n",
			committeeMention,
			errorCode,
		)
		logPrefix = errorCode
	}
	b.WriteString(":warning:There was an error")

	if activity, ok := ErrorActivities[commandName]; ok {
		b.WriteString(" when trying to ")
		b.WriteString(activity)
	}

	if logPrefix != "" {
		logPrefix += " "
	}
	logPrefix += "(" + commandName + ")"

	if message != "" {
		b.WriteString(":")
	} else {
		b.WriteString(".")
	}
	b.WriteString(":warning:")

	if message != "" {
		b.WriteString("\n`")
		b.WriteString(escapeMentions(strings.TrimSpace(message)))
		b.WriteString("`")
	}
	return b.String(), logPrefix
}

// AutocompleteTextChannels lists the guild's text channels the invoking
// user can both view and send messages in. Users who aren't members of
// the guild see the channels available to the guest role.
//
// Choices are named "#channel" when nothing has been typed yet, or
// the typed value starts with '#', otherwise "channel".
func AutocompleteTextChannels(
	_ context.Context,
	c *CommandContext,
) ([]*discordgo.ApplicationCommandOptionChoice, error) {
	choices := []*discordgo.ApplicationCommandOptionChoice{}

	user := c.User()
	if user == nil {
		return choices, nil
	}
	cache := c.Bot.guildCache
	guild, err := cache.Guild()
	if err != nil {
		return choices, nil
	}
	guestRole, err := cache.GuestRole()
	if err != nil || guestRole == nil {
		return choices, nil
	}

	member, _ := cache.Member(user.ID)

	value := ""
	if opt := focusedOption(c.Interaction); opt != nil {
		value, _ = opt.Value.(string)
	}
	withHash := value == "" || strings.HasPrefix(value, "#")
	filter := strings.ToLower(strings.TrimPrefix(value, "#"))

	channels := make([]*discordgo.Channel, 0, len(guild.Channels))
	for _, ch := range guild.Channels {
		if ch.Type == discordgo.ChannelTypeGuildText {
			channels = append(channels, ch)
		}
	}
	sort.SliceStable(
		channels, func(i, j int) bool {
			return channels[i].Position < channels[j].Position
		},
	)

	for _, ch := range channels {
		if filter != "" && !strings.Contains(strings.ToLower(ch.Name), filter) {
			continue
		}

		var perms int64
		if member != nil {
			perms, err = cache.state.UserChannelPermissions(user.ID, ch.ID)
			if err != nil {
				perms = roleChannelPermissions(guild, ch, guestRole)
			}
		} else {
			perms = roleChannelPermissions(guild, ch, guestRole)
		}
		if perms&readWritePermissions != readWritePermissions {
			continue
		}

		name := ch.Name
		if withHash {
			name = "#" + ch.Name
		}
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: name, Value: ch.ID},
		)
		if len(choices) == discordMaxChoices {
			break
		}
	}
	return choices, nil
}

// defaultCogs returns every cog the bot runs
func defaultCogs(b *TeXBot) []Cog {
	base := BaseCog{bot: b}
	return []Cog{
		PingCog{BaseCog: base},
		InductCog{BaseCog: base},
		MakeMemberCog{BaseCog: base},
		WriteRolesCog{BaseCog: base},
		EditMessageCog{BaseCog: base},
		RemindMeCog{BaseCog: base},
		ArchiveCog{BaseCog: base},
		StrikeCog{BaseCog: base},
	}
}
