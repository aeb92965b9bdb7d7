package texbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// EditMessageCog lets the committee edit messages the bot has sent
type EditMessageCog struct {
	BaseCog
}

func (EditMessageCog) Name() string {
	return "edit_message"
}

func (cog EditMessageCog) Commands() []*Command {
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "edit_message",
				Description: "Edits a message sent by TeX-Bot to the value supplied.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionString,
						Name:         "channel",
						Description:  "The channel that the message to edit is in.",
						Required:     true,
						Autocomplete: true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "message_id",
						Description: "The ID of the message to edit.",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "The new text of the message.",
						Required:    true,
					},
				},
			},
			Handler:      cog.editMessage,
			Autocomplete: AutocompleteTextChannels,
			Middleware:   []Middleware{CaptureGuildDoesNotExistError, RequireCommittee},
		},
	}
}

func (cog EditMessageCog) editMessage(ctx context.Context, c *CommandContext) error {
	channelValue := strings.TrimPrefix(strings.TrimSpace(c.StringOption("channel")), "#")
	messageValue := c.StringOption("message_id")
	text := c.StringOption("text")

	guild, err := c.Bot.guildCache.Guild()
	if err != nil {
		return err
	}

	if _, err = parseSnowflake(channelValue); err != nil {
		cog.SendError(ctx, c, "", fmt.Sprintf("%q is not a valid channel ID.", channelValue), "")
		return nil
	}
	channel := channelByID(guild, channelValue)
	if channel == nil || channel.Type != discordgo.ChannelTypeGuildText {
		cog.SendError(
			ctx, c, "",
			fmt.Sprintf("Text channel with ID %q does not exist.", channelValue),
			"",
		)
		return nil
	}

	messageID, err := parseSnowflake(messageValue)
	if err != nil {
		cog.SendError(ctx, c, "", fmt.Sprintf("%q is not a valid message ID.", messageValue), "")
		return nil
	}

	session := c.Bot.discord.session
	msg, err := session.ChannelMessage(channel.ID, messageID.String())
	if err != nil {
		if isNotFound(err) {
			cog.SendError(
				ctx, c, "",
				fmt.Sprintf("Message with ID %q does not exist.", messageID),
				"",
			)
			return nil
		}
		return fmt.Errorf("error fetching message: %w", err)
	}

	if msg.Author == nil || msg.Author.ID != c.Bot.botUserID() {
		cog.SendError(
			ctx, c, "",
			fmt.Sprintf("Message with ID %q cannot be edited because it belongs to another user.", messageID),
			"",
		)
		return nil
	}

	if _, err = session.ChannelMessageEdit(channel.ID, msg.ID, text); err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusForbidden {
			cog.SendError(ctx, c, "", "TeX-Bot doesn't have permission to edit that message.", "")
			return nil
		}
		return fmt.Errorf("error editing message: %w", err)
	}
	return c.Respond(ctx, "Message edited successfully.", true)
}
