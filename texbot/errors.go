package texbot

import (
	"errors"
	"fmt"
)

var (
	ErrNoGuildMember  = errors.New("user is not a member of the guild")
	ErrReminderExists = errors.New("a pending reminder with that message already exists in this channel")
	ErrInvalidDelay   = errors.New("invalid delay")
	ErrGroupIDUsed    = errors.New("group member ID has already been used")
	ErrGroupIDUnknown = errors.New("group member ID not found")
	ErrGroupIDInvalid = errors.New("invalid group member ID")
)

// GuildDoesNotExistError is returned when the community guild can't be
// found in the session state. Commands that receive it can't do anything
// useful, so it's captured by [CaptureGuildDoesNotExistError], which
// shuts the bot down.
type GuildDoesNotExistError struct {
	GuildID string
}

func (e *GuildDoesNotExistError) Error() string {
	if e.GuildID == "" {
		return "Server with given ID does not exist or is not accessible to the bot."
	}
	return fmt.Sprintf("Server with ID %q does not exist.", e.GuildID)
}

// StrikeTrackingError is returned when a moderation action couldn't be
// recorded or applied, leaving the stored strike count out of step with
// what actually happened to the member.
type StrikeTrackingError struct {
	Message string
	Err     error
}

func (e *StrikeTrackingError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "An error occurred while trying to track manually applied moderation actions."
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *StrikeTrackingError) Unwrap() error {
	return e.Err
}

// ImproperlyConfiguredError is returned when a required setting is
// missing or invalid.
type ImproperlyConfiguredError struct {
	Setting string
	Message string
}

func (e *ImproperlyConfiguredError) Error() string {
	if e.Setting == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Setting, e.Message)
}

func isGuildDoesNotExist(err error) bool {
	var target *GuildDoesNotExistError
	return errors.As(err, &target)
}

func isStrikeTrackingError(err error) bool {
	var target *StrikeTrackingError
	return errors.As(err, &target)
}
