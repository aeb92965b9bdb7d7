package texbot

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/bwmarrin/discordgo"
)

const (
	checkFailedNotInGuild   = "You must be a member of the community server to use this command."
	checkFailedNotCommittee = "Only committee members can run this command."
)

// RequireGuildMember allows the command to run only when the invoking
// user is a member of the community guild.
func RequireGuildMember(next CommandFunc) CommandFunc {
	return func(ctx context.Context, c *CommandContext) error {
		user := c.User()
		if user == nil {
			return c.Respond(ctx, checkFailedNotInGuild, true)
		}
		if _, err := c.Bot.fetchMember(user.ID); err != nil {
			if errors.Is(err, ErrNoGuildMember) {
				return c.Respond(ctx, checkFailedNotInGuild, true)
			}
			return err
		}
		return next(ctx, c)
	}
}

// RequireCommittee allows the command to run only when the invoking
// user holds the committee role.
func RequireCommittee(next CommandFunc) CommandFunc {
	return func(ctx context.Context, c *CommandContext) error {
		user := c.User()
		if user == nil {
			return c.Respond(ctx, checkFailedNotCommittee, true)
		}
		ok, err := c.Bot.userHasCommitteeRole(user.ID)
		if err != nil {
			if errors.Is(err, ErrNoGuildMember) {
				return c.Respond(ctx, checkFailedNotInGuild, true)
			}
			return err
		}
		if !ok {
			c.Logger.WarnContext(ctx, "non-committee user tried to run a committee command", "user_id", user.ID)
			return c.Respond(ctx, checkFailedNotCommittee, true)
		}
		return next(ctx, c)
	}
}

func memberHasRole(m *discordgo.Member, roleID string) bool {
	if m == nil || roleID == "" {
		return false
	}
	return slices.Contains(m.Roles, roleID)
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) &&
		restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound
}

func isForbiddenOrNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	switch restErr.Response.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
