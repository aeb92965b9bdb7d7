package texbot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const archiveAuditReason = `TeX Bot slash-command: "Archive"`

// ArchiveCog hides a category's channels from everyone except the
// committee and archivists
type ArchiveCog struct {
	BaseCog
}

func (ArchiveCog) Name() string {
	return "archive"
}

func (cog ArchiveCog) Commands() []*Command {
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "archive",
				Description: "Archives the selected category.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionString,
						Name:         "category",
						Description:  "The category to archive.",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			Handler:      cog.archive,
			Autocomplete: AutocompleteCategories,
			Middleware:   []Middleware{CaptureGuildDoesNotExistError, RequireCommittee},
		},
	}
}

// AutocompleteCategories lists the guild's channel categories whose
// names contain the typed value
func AutocompleteCategories(
	_ context.Context,
	c *CommandContext,
) ([]*discordgo.ApplicationCommandOptionChoice, error) {
	choices := []*discordgo.ApplicationCommandOptionChoice{}
	guild, err := c.Bot.guildCache.Guild()
	if err != nil {
		return choices, nil
	}

	filter := ""
	if opt := focusedOption(c.Interaction); opt != nil {
		v, _ := opt.Value.(string)
		filter = strings.ToLower(strings.TrimSpace(v))
	}

	categories := make([]*discordgo.Channel, 0)
	for _, ch := range guild.Channels {
		if ch.Type != discordgo.ChannelTypeGuildCategory {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(ch.Name), filter) {
			continue
		}
		categories = append(categories, ch)
	}
	sort.SliceStable(
		categories, func(i, j int) bool {
			return categories[i].Position < categories[j].Position
		},
	)
	for _, ch := range categories {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: ch.Name, Value: ch.ID},
		)
		if len(choices) == discordMaxChoices {
			break
		}
	}
	return choices, nil
}

type archiveOverwrite struct {
	roleID string
	allow  int64
	deny   int64
}

func (cog ArchiveCog) archive(ctx context.Context, c *CommandContext) error {
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
		cog.SendError(ctx, c, "E1042", "", `"Guest" role does not exist.`)
		return nil
	}
	memberRole, err := cache.MemberRole()
	if err != nil {
		return err
	}
	if memberRole == nil {
		cog.SendError(ctx, c, "E1043", "", `"Member" role does not exist.`)
		return nil
	}
	archivistRole, err := cache.ArchivistRole()
	if err != nil {
		return err
	}
	if archivistRole == nil {
		cog.SendError(ctx, c, "E1044", "", `"Archivist" role does not exist.`)
		return nil
	}
	committeeRole, err := cache.CommitteeRole()
	if err != nil {
		return err
	}

	categoryID := strings.TrimSpace(c.StringOption("category"))
	category := channelByID(guild, categoryID)
	if category == nil || category.Type != discordgo.ChannelTypeGuildCategory {
		cog.SendError(ctx, c, "", fmt.Sprintf("Category with ID %q does not exist.", categoryID), "")
		return nil
	}

	overwrites := archiveOverwrites(guild.ID, guestRole, memberRole, archivistRole, committeeRole)
	targets := []*discordgo.Channel{category}
	for _, ch := range guild.Channels {
		if ch.ParentID == category.ID {
			targets = append(targets, ch)
		}
	}

	if err = c.Defer(ctx, true); err != nil {
		return err
	}

	session := c.Bot.discord.session
	for _, ch := range targets {
		for _, o := range overwrites {
			err = session.ChannelPermissionSet(
				ch.ID,
				o.roleID,
				discordgo.PermissionOverwriteTypeRole,
				o.allow,
				o.deny,
				discordgo.WithAuditLogReason(archiveAuditReason),
			)
			if err != nil {
				return fmt.Errorf("error setting permissions on channel %s: %w", ch.ID, err)
			}
		}
	}

	c.Logger.InfoContext(
		ctx,
		"archived category",
		"category_id", category.ID,
		"channels", len(targets)-1,
	)
	return c.Respond(ctx, fmt.Sprintf("Category %q successfully archived.", category.Name), true)
}

// archiveOverwrites hides channels from @everyone and the guest and
// member roles, and lets archivists read but not send. The committee
// keeps view access.
func archiveOverwrites(
	everyoneRoleID string,
	guest, member, archivist, committee *discordgo.Role,
) []archiveOverwrite {
	overwrites := []archiveOverwrite{
		{roleID: everyoneRoleID, deny: discordgo.PermissionViewChannel},
		{roleID: guest.ID, deny: discordgo.PermissionViewChannel},
		{roleID: member.ID, deny: discordgo.PermissionViewChannel},
		{
			roleID: archivist.ID,
			allow:  discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory,
			deny:   discordgo.PermissionSendMessages,
		},
	}
	if committee != nil {
		overwrites = append(
			overwrites,
			archiveOverwrite{roleID: committee.ID, allow: discordgo.PermissionViewChannel},
		)
	}
	return overwrites
}
