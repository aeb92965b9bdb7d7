package texbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	reminderBatchSize = 50

	// reminderMaxAttempts is how many failed sends a reminder gets before
	// it's marked failed
	reminderMaxAttempts = 5
	reminderMaxBackoff  = 6 * time.Hour
)

// DiscordReminder is a message to send to a user in a channel once
// SendAt has passed
//
//nolint:lll // struct tags can't be split
type DiscordReminder struct {
	ModelUintID
	UserID    string `json:"user_id" gorm:"not null;index:idx_reminder_pending"`
	ChannelID string `json:"channel_id" gorm:"not null;index:idx_reminder_pending"`
	Message   string `json:"message" gorm:"type:string;index:idx_reminder_pending"`
	SendAt    int64  `json:"send_at" gorm:"not null;index"`
	Sent      bool   `json:"sent" gorm:"not null;default:false"`
	Failed    bool   `json:"failed" gorm:"not null;default:false"`
	Attempts  int    `json:"attempts" gorm:"not null;default:0"`
	RetryAt   int64  `json:"retry_at,omitempty" gorm:"not null;default:0"`
	ModelUnixTime
}

func (r DiscordReminder) sendTime() time.Time {
	return time.UnixMilli(r.SendAt)
}

// content is the message posted when the reminder is due. Mentions in
// the reminder text are escaped, so only the user is pinged.
func (r DiscordReminder) content() string {
	msg := fmt.Sprintf("<@%s>, here's your reminder", r.UserID)
	if r.Message == "" {
		return msg + "."
	}
	return truncate(msg+":\n> "+escapeMentions(r.Message), discordMaxMessageLength)
}

// createReminder saves r, unless the user already has a pending
// reminder with the same message in the same channel, in which case
// [ErrReminderExists] is returned.
func createReminder(ctx context.Context, db DBI, r *DiscordReminder) error {
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing int64
			err := tx.Model(&DiscordReminder{}).Where(
				"user_id = ? AND channel_id = ? AND message = ? AND sent = ?",
				r.UserID, r.ChannelID, r.Message, false,
			).Count(&existing).Error
			if err != nil {
				return err
			}
			if existing > 0 {
				return ErrReminderExists
			}
			return tx.Create(r).Error
		},
	)
}

func dueReminders(ctx context.Context, db *gorm.DB, now time.Time) ([]DiscordReminder, error) {
	var reminders []DiscordReminder
	err := db.WithContext(ctx).Where(
		"sent = ? AND failed = ? AND send_at <= ? AND retry_at <= ?",
		false,
		false,
		now.UnixMilli(),
		now.UnixMilli(),
	).Order("send_at asc").Limit(reminderBatchSize).Find(&reminders).Error
	return reminders, err
}

// ReminderWorker polls for due reminders and posts them
type ReminderWorker struct {
	bot      *TeXBot
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func newReminderWorker(bot *TeXBot, interval time.Duration) *ReminderWorker {
	if interval <= 0 {
		interval = DefaultReminderPollInterval
	}
	return &ReminderWorker{
		bot:      bot,
		interval: interval,
		logger:   bot.logger.With(loggerNameKey, "reminder_worker"),
		now:      time.Now,
	}
}

// Run sends due reminders every interval until ctx is done
func (w *ReminderWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "starting reminder worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.sendDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "error sending reminders", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "reminder worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// sendDue posts every reminder that's due, marking each one sent. A
// reminder that can't be posted is retried after a backoff, and marked
// failed once it runs out of attempts or discord says the channel is
// gone or off limits.
func (w *ReminderWorker) sendDue(ctx context.Context) (int, error) {
	now := w.now()
	reminders, err := dueReminders(ctx, w.bot.db, now)
	if err != nil {
		return 0, err
	}

	var sent int
	var errs []error
	for i := range reminders {
		r := &reminders[i]
		logger := w.logger.With("reminder_id", r.ID, "user_id", r.UserID)
		_, sendErr := w.bot.discord.session.ChannelMessageSend(r.ChannelID, r.content())
		if sendErr != nil {
			logger.ErrorContext(ctx, "error sending reminder", tint.Err(sendErr))
			errs = append(errs, sendErr)
			if retryErr := w.recordFailure(ctx, r, sendErr, now); retryErr != nil {
				logger.ErrorContext(ctx, "error recording reminder failure", tint.Err(retryErr))
				errs = append(errs, retryErr)
			}
			continue
		}
		if _, updateErr := w.bot.writeDB.Updates(ctx, r, map[string]any{"sent": true}); updateErr != nil {
			logger.ErrorContext(ctx, "error marking reminder sent", tint.Err(updateErr))
			errs = append(errs, updateErr)
			continue
		}
		logger.InfoContext(ctx, "sent reminder")
		sent++
	}
	return sent, errors.Join(errs...)
}

// recordFailure counts a failed send of r, pushing its next attempt
// back exponentially from the poll interval
func (w *ReminderWorker) recordFailure(
	ctx context.Context,
	r *DiscordReminder,
	sendErr error,
	now time.Time,
) error {
	attempts := r.Attempts + 1
	failed := attempts >= reminderMaxAttempts || isForbiddenOrNotFound(sendErr)
	_, err := w.bot.writeDB.Updates(
		ctx, r, map[string]any{
			"attempts": attempts,
			"failed":   failed,
			"retry_at": now.Add(reminderBackoff(w.interval, attempts)).UnixMilli(),
		},
	)
	if err == nil && failed {
		w.logger.WarnContext(ctx, "giving up on reminder", "reminder_id", r.ID, "attempts", attempts)
	}
	return err
}

func reminderBackoff(interval time.Duration, attempts int) time.Duration {
	backoff := interval
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= reminderMaxBackoff {
			return reminderMaxBackoff
		}
	}
	return min(backoff, reminderMaxBackoff)
}
