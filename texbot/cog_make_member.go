package texbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const makeMemberAuditReason = `TeX Bot slash-command: "Make Member"`

// MakeMemberCog exchanges a society member ID for the member role
type MakeMemberCog struct {
	BaseCog
}

func (MakeMemberCog) Name() string {
	return "make_member"
}

func (cog MakeMemberCog) Commands() []*Command {
	idLength := cog.bot.config.Guild.GroupIDLength
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "make_member",
				Description: "Gives you the Member role when supplied with an appropriate Student Union member ID.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "group_member_id",
						Description: "Your Student Union member ID.",
						Required:    true,
						MinLength:   &idLength,
						MaxLength:   idLength,
					},
				},
			},
			Handler:    cog.makeMember,
			Middleware: []Middleware{CaptureGuildDoesNotExistError, RequireGuildMember},
		},
	}
}

func validGroupMemberID(id string, length int) bool {
	if id == "" || (length > 0 && len(id) != length) {
		return false
	}
	for _, r := range id {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (cog MakeMemberCog) makeMember(ctx context.Context, c *CommandContext) error {
	groupID := strings.TrimSpace(c.StringOption("group_member_id"))
	guildCfg := c.Bot.config.Guild
	if !validGroupMemberID(groupID, guildCfg.GroupIDLength) {
		return c.Respond(
			ctx,
			fmt.Sprintf("%q is not a valid %d-digit Student Union member ID.", groupID, guildCfg.GroupIDLength),
			true,
		)
	}

	cache := c.Bot.guildCache
	guild, err := cache.Guild()
	if err != nil {
		return err
	}
	memberRole, err := cache.MemberRole()
	if err != nil {
		return err
	}
	if memberRole == nil {
		cog.SendError(ctx, c, "E1023", "", `"Member" role does not exist.`)
		return nil
	}

	user := c.User()
	member, err := c.Bot.fetchMember(user.ID)
	if err != nil {
		return err
	}
	if memberHasRole(member, memberRole.ID) {
		return c.Respond(ctx, "You're already a member - why are you trying this again?", true)
	}

	if err = c.Defer(ctx, true); err != nil {
		return err
	}

	err = claimGroupMember(ctx, c.Bot.writeDB, groupID, user.ID, time.Now().Unix())
	switch {
	case errors.Is(err, ErrGroupIDUnknown):
		msg := "You must be a member of the society to get the member role."
		if guildCfg.MembershipURL != "" {
			msg += " Purchase a membership at " + guildCfg.MembershipURL
		}
		return c.Respond(ctx, msg, true)
	case errors.Is(err, ErrGroupIDUsed):
		cog.SendError(ctx, c, "", "Student Union member ID has already been used.", "")
		return nil
	case err != nil:
		return fmt.Errorf("error claiming group member ID: %w", err)
	}

	err = c.Bot.discord.session.GuildMemberRoleAdd(
		guild.ID,
		user.ID,
		memberRole.ID,
		discordgo.WithAuditLogReason(makeMemberAuditReason),
	)
	if err != nil {
		if unclaimErr := unclaimGroupMember(ctx, c.Bot.writeDB, groupID); unclaimErr != nil {
			c.Logger.ErrorContext(ctx, "error releasing group member ID", tint.Err(unclaimErr))
		}
		return fmt.Errorf("error adding member role: %w", err)
	}

	c.Logger.InfoContext(ctx, "made user a member")
	return c.Respond(ctx, "Successfully made you a member!", true)
}
