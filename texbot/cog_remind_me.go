package texbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// RemindMeCog stores reminders, which [ReminderWorker] posts once due
type RemindMeCog struct {
	BaseCog
}

func (RemindMeCog) Name() string {
	return "remind_me"
}

func (cog RemindMeCog) Commands() []*Command {
	return []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "remind_me",
				Description: "Responds with the given message after the specified time.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "delay",
						Description: "The amount of time to wait before reminding you, ex: 2h30m, 1d, 1w.",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "message",
						Description: "The message you want to be reminded with.",
						MaxLength:   1500,
					},
				},
			},
			Handler:    cog.remindMe,
			Middleware: []Middleware{CaptureGuildDoesNotExistError},
		},
	}
}

func (cog RemindMeCog) remindMe(ctx context.Context, c *CommandContext) error {
	delay, err := parseDelay(c.StringOption("delay"))
	if err != nil {
		return c.Respond(
			ctx,
			"The value provided in the delay field was not a time in the future, ex: 2h30m or 1d.",
			true,
		)
	}
	maxDelay := c.Bot.config.Reminders.MaxDelay
	if maxDelay > 0 && delay > maxDelay {
		return c.Respond(
			ctx,
			fmt.Sprintf("Reminders can be set at most %s in the future.", formatDelay(maxDelay)),
			true,
		)
	}

	user := c.User()
	reminder := &DiscordReminder{
		UserID:    user.ID,
		ChannelID: c.Interaction.ChannelID,
		Message:   strings.TrimSpace(c.StringOption("message")),
		SendAt:    time.Now().Add(delay).UnixMilli(),
	}
	err = createReminder(ctx, c.Bot.writeDB, reminder)
	if errors.Is(err, ErrReminderExists) {
		cog.SendError(ctx, c, "", "You already have a pending reminder with that message in this channel!", "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("error saving reminder: %w", err)
	}

	c.Logger.InfoContext(ctx, "created reminder", "reminder_id", reminder.ID, "delay", delay)
	return c.Respond(ctx, fmt.Sprintf("I will remind you in %s!", formatDelay(delay)), true)
}
