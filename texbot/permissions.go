package texbot

import "github.com/bwmarrin/discordgo"

// roleChannelPermissions computes the permissions in channel of a member
// holding only the @everyone role and role.
func roleChannelPermissions(
	guild *discordgo.Guild,
	channel *discordgo.Channel,
	role *discordgo.Role,
) int64 {
	var perms int64
	if everyone := roleByID(guild, guild.ID); everyone != nil {
		perms |= everyone.Permissions
	}
	if role != nil {
		perms |= role.Permissions
	}
	if perms&discordgo.PermissionAdministrator == discordgo.PermissionAdministrator {
		return discordgo.PermissionAll
	}

	// @everyone overwrites apply before role overwrites
	for _, o := range channel.PermissionOverwrites {
		if o.Type == discordgo.PermissionOverwriteTypeRole && o.ID == guild.ID {
			perms &^= o.Deny
			perms |= o.Allow
		}
	}
	if role == nil || role.ID == guild.ID {
		return perms
	}
	for _, o := range channel.PermissionOverwrites {
		if o.Type == discordgo.PermissionOverwriteTypeRole && o.ID == role.ID {
			perms &^= o.Deny
			perms |= o.Allow
		}
	}
	return perms
}
