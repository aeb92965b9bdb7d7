package texbot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	inductAuditReason       = `TeX Bot slash-command: "Induct"`
	ensureInductAuditReason = `TeX Bot slash-command: "Ensure Members Inducted"`

	// guildMembersPageSize is the most members discord returns per request
	guildMembersPageSize = 1000
)

// InductCog gives new users the guest role, optionally welcoming them in
// the general channel.
type InductCog struct {
	BaseCog
}

func (InductCog) Name() string {
	return "induct"
}

func (cog InductCog) Commands() []*Command {
	committeeOnly := []Middleware{CaptureGuildDoesNotExistError, RequireCommittee}
	dmPermission := false
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:         "induct",
				Description:  "Gives a user the Guest role, then sends a message in the general channel.",
				DMPermission: &dmPermission,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "The user to induct.",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "silent",
						Description: "Don't send a welcome message in the general channel.",
					},
				},
			},
			Handler:    cog.induct,
			Middleware: committeeOnly,
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Type:         discordgo.UserApplicationCommand,
				Name:         "Induct User",
				DMPermission: &dmPermission,
			},
			Handler:     cog.nonSilentInduct,
			Middleware:  committeeOnly,
			ActivityKey: "non_silent_induct",
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Type:         discordgo.UserApplicationCommand,
				Name:         "Silently Induct User",
				DMPermission: &dmPermission,
			},
			Handler:     cog.silentInduct,
			Middleware:  committeeOnly,
			ActivityKey: "silent_induct",
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:         "ensure_members_inducted",
				Description:  "Ensures all users with the Member role also have the Guest role.",
				DMPermission: &dmPermission,
			},
			Handler:    cog.ensureMembersInducted,
			Middleware: committeeOnly,
		},
	}
}

func (cog InductCog) induct(ctx context.Context, c *CommandContext) error {
	return cog.inductUser(ctx, c, c.UserOption("user"), c.BoolOption("silent", false))
}

func (cog InductCog) nonSilentInduct(ctx context.Context, c *CommandContext) error {
	return cog.inductUser(ctx, c, c.TargetID(), false)
}

func (cog InductCog) silentInduct(ctx context.Context, c *CommandContext) error {
	return cog.inductUser(ctx, c, c.TargetID(), true)
}

func (cog InductCog) inductUser(
	ctx context.Context,
	c *CommandContext,
	userID string,
	silent bool,
) error {
	cache := c.Bot.guildCache
	guild, err := cache.Guild()
	if err != nil {
		return err
	}
	guestRole, err := cache.GuestRole()
	if err != nil {
		return err
	}
	if guestRole == nil {
		cog.SendError(ctx, c, "E1021", "", `"Guest" role does not exist.`)
		return nil
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
		return c.Respond(ctx, "Member cannot be inducted because they are a bot.", true)
	}
	if memberHasRole(member, guestRole.ID) {
		return c.Respond(ctx, "User is already inducted.", true)
	}

	var general *discordgo.Channel
	if !silent {
		general, err = cache.GeneralChannel()
		if err != nil {
			return err
		}
		if general == nil {
			cog.SendError(ctx, c, "E1032", "", `"general" channel does not exist.`)
			return nil
		}
	}

	if err = c.Defer(ctx, true); err != nil {
		return err
	}

	session := c.Bot.discord.session
	err = session.GuildMemberRoleAdd(
		guild.ID,
		userID,
		guestRole.ID,
		discordgo.WithAuditLogReason(inductAuditReason),
	)
	if err != nil {
		return fmt.Errorf("error adding guest role: %w", err)
	}
	c.Logger.InfoContext(ctx, "inducted user", "inducted_user_id", userID, "silent", silent)

	if general != nil {
		rolesMention := "#" + c.Bot.config.Guild.RolesChannelName
		if rolesChannel, _ := cache.RolesChannel(); rolesChannel != nil {
			rolesMention = rolesChannel.Mention()
		}
		message := welcomeMessage(
			pickWelcomeMessage(c.Bot.config.Guild.WelcomeMessages),
			"<@"+userID+">",
			rolesMention,
		)
		if _, err = session.ChannelMessageSend(general.ID, message); err != nil {
			c.Logger.ErrorContext(ctx, "error sending welcome message", tint.Err(err))
			return c.Respond(ctx, "User inducted, but the welcome message couldn't be sent.", true)
		}
	}
	return c.Respond(ctx, "User inducted successfully.", true)
}

// ensureMembersInducted gives the guest role to every member holding the
// member role without it.
func (cog InductCog) ensureMembersInducted(ctx context.Context, c *CommandContext) error {
	cache := c.Bot.guildCache
	guild, err := cache.Guild()
	if err != nil {
		return err
	}
	guestRole, err := cache.GuestRole()
	if err != nil {
		return err
	}
	if guestRole == nil {
		cog.SendError(ctx, c, "E1021", "", `"Guest" role does not exist.`)
		return nil
	}
	memberRole, err := cache.MemberRole()
	if err != nil {
		return err
	}
	if memberRole == nil {
		cog.SendError(ctx, c, "E1023", "", `"Member" role does not exist.`)
		return nil
	}

	if err = c.Defer(ctx, true); err != nil {
		return err
	}

	session := c.Bot.discord.session
	inducted := 0
	after := ""
	for {
		members, listErr := session.GuildMembers(guild.ID, after, guildMembersPageSize)
		if listErr != nil {
			return fmt.Errorf("error listing guild members: %w", listErr)
		}
		for _, m := range members {
			if m.User == nil || m.User.Bot {
				continue
			}
			if !memberHasRole(m, memberRole.ID) || memberHasRole(m, guestRole.ID) {
				continue
			}
			err = session.GuildMemberRoleAdd(
				guild.ID,
				m.User.ID,
				guestRole.ID,
				discordgo.WithAuditLogReason(ensureInductAuditReason),
			)
			if err != nil {
				return fmt.Errorf("error adding guest role to %s: %w", m.User.ID, err)
			}
			inducted++
		}
		if len(members) < guildMembersPageSize {
			break
		}
		after = members[len(members)-1].User.ID
	}

	c.Logger.InfoContext(ctx, "ensured members inducted", "inducted", inducted)
	return c.Respond(
		ctx,
		fmt.Sprintf("All members successfully inducted (%d updated).", inducted),
		true,
	)
}

func pickWelcomeMessage(messages []string) string {
	if len(messages) == 0 {
		return "Welcome <User>!"
	}
	return messages[randIntN(len(messages))]
}

// welcomeMessage fills in the "<User>" and "<#roles>" placeholders of
// a welcome message
func welcomeMessage(template string, userMention string, rolesMention string) string {
	return strings.NewReplacer(
		"<User>", userMention,
		"<#roles>", rolesMention,
	).Replace(strings.TrimSpace(template))
}
