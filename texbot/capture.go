package texbot

import (
	"context"
	"log/slog"
	"strings"
)

// CloseFunc reports an error that's about to stop the bot
type CloseFunc func(ctx context.Context, logger *slog.Logger, err error)

// CaptureError returns middleware that aborts a command when it fails
// with an error accepted by matches. closeFunc is called with the error,
// the bot is told to stop, and the command returns nil. Other errors are
// passed through unchanged.
func CaptureError(matches func(error) bool, closeFunc CloseFunc) Middleware {
	return func(next CommandFunc) CommandFunc {
		return func(ctx context.Context, c *CommandContext) error {
			err := next(ctx, c)
			if err == nil || !matches(err) {
				return err
			}
			logger := c.Logger
			if logger == nil {
				logger = contextLoggerOrDefault(ctx, nil)
			}
			closeFunc(ctx, logger, err)
			c.Bot.Stop()
			return nil
		}
	}
}

func guildDoesNotExistCloseFunc(ctx context.Context, logger *slog.Logger, err error) {
	logger.Log(ctx, LevelCritical, strings.TrimRight(err.Error(), ".:"))
}

func strikeTrackingCloseFunc(ctx context.Context, logger *slog.Logger, err error) {
	guildDoesNotExistCloseFunc(ctx, logger, err)
	logger.WarnContext(ctx, "Critical errors are likely to lead to untracked moderation actions")
}

var (
	// CaptureGuildDoesNotExistError stops the bot when a command finds the
	// community guild missing
	CaptureGuildDoesNotExistError = CaptureError(
		isGuildDoesNotExist,
		guildDoesNotExistCloseFunc,
	)

	// CaptureStrikeTrackingError stops the bot when a moderation action
	// couldn't be tracked
	CaptureStrikeTrackingError = CaptureError(
		isStrikeTrackingError,
		strikeTrackingCloseFunc,
	)
)
