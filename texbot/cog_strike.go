package texbot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

const strikeAuditReason = `TeX Bot slash-command: "Strike"`

type strikeAction string

const (
	strikeActionWarning strikeAction = "warning"
	strikeActionTimeout strikeAction = "timeout"
	strikeActionKick    strikeAction = "kick"
)

// strikeActionFor maps a member's strike count to the moderation
// action applied
func strikeActionFor(strikes int) strikeAction {
	switch {
	case strikes <= 1:
		return strikeActionWarning
	case strikes == 2:
		return strikeActionTimeout
	default:
		return strikeActionKick
	}
}

// StrikeCog escalates moderation actions against a member each time
// they're given a strike
type StrikeCog struct {
	BaseCog
}

func (StrikeCog) Name() string {
	return "strike"
}

func (cog StrikeCog) Commands() []*Command {
	dmPermission := false
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:         "strike",
				Description:  "Increases the user's strike count and performs the appropriate moderation action.",
				DMPermission: &dmPermission,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "The user to give a strike to.",
						Required:    true,
					},
				},
			},
			Handler: cog.strike,
			Middleware: []Middleware{
				CaptureGuildDoesNotExistError,
				CaptureStrikeTrackingError,
				RequireCommittee,
			},
		},
	}
}

func (cog StrikeCog) strike(ctx context.Context, c *CommandContext) error {
	userID := c.UserOption("user")
	guild, err := c.Bot.guildCache.Guild()
	if err != nil {
		return err
	}

	member, err := c.Bot.fetchMember(userID)
	if errors.Is(err, ErrNoGuildMember) {
		cog.SendError(ctx, c, "", "Member could not be found in the server.", "")
		return nil
	}
	if err != nil {
		return err
	}
	if member.User != nil && member.User.Bot {
		return c.Respond(ctx, "Bots can't be given strikes.", true)
	}
	if invoker := c.User(); invoker != nil && invoker.ID == userID {
		return c.Respond(ctx, "You can't give yourself a strike.", true)
	}

	if err = c.Defer(ctx, true); err != nil {
		return err
	}

	strikes, err := addStrike(ctx, c.Bot.writeDB, userID)
	if err != nil {
		return &StrikeTrackingError{Message: "Failed to record strike", Err: err}
	}

	action := strikeActionFor(strikes)
	if err = cog.applyStrikeAction(guild, userID, action); err != nil {
		return &StrikeTrackingError{
			Message: fmt.Sprintf("Strike %d recorded, but the %s couldn't be applied", strikes, action),
			Err:     err,
		}
	}

	c.Logger.InfoContext(
		ctx,
		"gave member a strike",
		"struck_user_id", userID,
		"strikes", strikes,
		"action", action,
	)
	return c.Respond(
		ctx,
		fmt.Sprintf(
			"Successfully increased <@%s>'s strike count to %d and applied a %s.",
			userID,
			strikes,
			action,
		),
		true,
	)
}

func (cog StrikeCog) applyStrikeAction(
	guild *discordgo.Guild,
	userID string,
	action strikeAction,
) error {
	session := cog.bot.discord.session
	switch action {
	case strikeActionWarning:
		dm, err := session.UserChannelCreate(userID)
		if err != nil {
			return fmt.Errorf("error creating DM channel: %w", err)
		}
		_, err = session.ChannelMessageSend(dm.ID, strikeWarningMessage(guild.Name))
		return err
	case strikeActionTimeout:
		until := time.Now().Add(cog.bot.config.Moderation.StrikeTimeout)
		return session.GuildMemberTimeout(
			guild.ID,
			userID,
			&until,
			discordgo.WithAuditLogReason(strikeAuditReason),
		)
	case strikeActionKick:
		return session.GuildMemberDeleteWithReason(guild.ID, userID, strikeAuditReason)
	default:
		return fmt.Errorf("unknown strike action %q", action)
	}
}

func strikeWarningMessage(guildName string) string {
	return fmt.Sprintf(
		"Hi, you recently received a warning from the %s committee for breaking the "+
			"server rules. Please make sure you follow them: a second strike will "+
			"time you out, and a third will remove you from the server.",
		guildName,
	)
}
