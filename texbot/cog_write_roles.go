package texbot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// WriteRolesCog posts the role-selection messages to the roles channel
type WriteRolesCog struct {
	BaseCog
}

func (WriteRolesCog) Name() string {
	return "write_roles"
}

func (cog WriteRolesCog) Commands() []*Command {
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "write_roles",
				Description: "Populates the roles channel with the configured role-selection messages.",
			},
			Handler:    cog.writeRoles,
			Middleware: []Middleware{CaptureGuildDoesNotExistError, RequireCommittee},
		},
	}
}

func (cog WriteRolesCog) writeRoles(ctx context.Context, c *CommandContext) error {
	rolesChannel, err := c.Bot.guildCache.RolesChannel()
	if err != nil {
		return err
	}
	if rolesChannel == nil {
		cog.SendError(ctx, c, "E1031", "", `"roles" channel does not exist.`)
		return nil
	}

	if err = c.Defer(ctx, true); err != nil {
		return err
	}
	for i, msg := range c.Bot.config.Guild.RolesMessages {
		if _, err = c.Bot.discord.session.ChannelMessageSend(rolesChannel.ID, msg); err != nil {
			cog.SendError(
				ctx,
				c,
				"",
				"",
				fmt.Sprintf("error sending roles message %d: %s", i+1, err),
			)
			return nil
		}
	}
	return c.Respond(ctx, "All messages sent successfully.", true)
}
