package texbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptureContext(t *testing.T) (*CommandContext, *bytes.Buffer) {
	t.Helper()
	bot, session := newTestBot(t)
	buf := &bytes.Buffer{}
	i := newCommandInteraction(testCommitteeUserID, "strike")
	c := &CommandContext{
		Bot:         bot,
		Interaction: i,
		Handler:     GatewayHandler{session: session, interaction: i, logger: bot.logger},
		Logger:      slog.New(newConsoleHandler(buf, slog.LevelDebug)),
		CommandName: "strike",
	}
	return c, buf
}

func failWith(err error) CommandFunc {
	return func(context.Context, *CommandContext) error {
		return err
	}
}

func TestCaptureGuildDoesNotExistError(t *testing.T) {
	c, buf := newCaptureContext(t)

	f := CaptureGuildDoesNotExistError(failWith(&GuildDoesNotExistError{GuildID: testGuildID}))
	require.NoError(t, f(context.Background(), c))

	assert.True(t, stopRequested(c.Bot))
	logged := buf.String()
	assert.Contains(t, logged, levelCriticalName)
	assert.Contains(t, logged, fmt.Sprintf("Server with ID %q does not exist", testGuildID))
}

func TestCaptureGuildDoesNotExistError_Wrapped(t *testing.T) {
	c, _ := newCaptureContext(t)

	err := fmt.Errorf("error getting role: %w", &GuildDoesNotExistError{GuildID: testGuildID})
	f := CaptureGuildDoesNotExistError(failWith(err))
	require.NoError(t, f(context.Background(), c))
	assert.True(t, stopRequested(c.Bot))
}

func TestCaptureGuildDoesNotExistError_OtherErrors(t *testing.T) {
	c, buf := newCaptureContext(t)

	expected := errors.New("something else")
	f := CaptureGuildDoesNotExistError(failWith(expected))
	assert.ErrorIs(t, f(context.Background(), c), expected)
	assert.False(t, stopRequested(c.Bot))
	assert.NotContains(t, buf.String(), levelCriticalName)

	f = CaptureGuildDoesNotExistError(failWith(nil))
	assert.NoError(t, f(context.Background(), c))
	assert.False(t, stopRequested(c.Bot))
}

func TestCaptureStrikeTrackingError(t *testing.T) {
	c, buf := newCaptureContext(t)

	f := CaptureStrikeTrackingError(
		failWith(&StrikeTrackingError{Message: "Failed to record strike", Err: errors.New("disk full")}),
	)
	require.NoError(t, f(context.Background(), c))

	assert.True(t, stopRequested(c.Bot))
	logged := buf.String()
	assert.Contains(t, logged, levelCriticalName)
	assert.Contains(t, logged, "Failed to record strike: disk full")
	assert.Contains(t, logged, "untracked moderation actions")
}

func TestCaptureStrikeTrackingError_IgnoresGuildDoesNotExist(t *testing.T) {
	c, _ := newCaptureContext(t)

	err := &GuildDoesNotExistError{GuildID: testGuildID}
	f := CaptureStrikeTrackingError(failWith(err))
	assert.ErrorIs(t, f(context.Background(), c), err)
	assert.False(t, stopRequested(c.Bot))

	// stacked, the inner capture handles it
	f = CaptureStrikeTrackingError(CaptureGuildDoesNotExistError(failWith(err)))
	require.NoError(t, f(context.Background(), c))
	assert.True(t, stopRequested(c.Bot))
}

func TestStrikeCommand_CapturesStrikeTrackingFirst(t *testing.T) {
	c, buf := newCaptureContext(t)

	var strike *Command
	for _, cmd := range (StrikeCog{}).Commands() {
		if cmd.Name() == "strike" {
			strike = cmd
		}
	}
	require.NotNil(t, strike)

	err := &StrikeTrackingError{
		Message: "Failed to record strike",
		Err:     &GuildDoesNotExistError{GuildID: testGuildID},
	}
	f := chain(failWith(err), strike.Middleware[:2]...)
	require.NoError(t, f(context.Background(), c))

	assert.True(t, stopRequested(c.Bot))
	assert.Contains(t, buf.String(), "untracked moderation actions")
}

func TestCaptureError_CustomMatcher(t *testing.T) {
	c, _ := newCaptureContext(t)

	target := errors.New("fatal")
	var closed []error
	capture := CaptureError(
		func(err error) bool { return errors.Is(err, target) },
		func(_ context.Context, _ *slog.Logger, err error) { closed = append(closed, err) },
	)

	require.NoError(t, capture(failWith(target))(context.Background(), c))
	assert.Equal(t, []error{target}, closed)
	assert.True(t, stopRequested(c.Bot))
}

func TestCaptureError_StopsRealCommand(t *testing.T) {
	bot, session := newTestBot(t)
	require.NoError(t, session.state.GuildRemove(testGuild(t, session)))

	runInteraction(
		t, bot, session,
		newCommandInteraction(testCommitteeUserID, "induct", userOption("user", testNewUserID)),
	)

	assert.True(t, stopRequested(bot))
	assert.Empty(t, session.getRoleAdds())
	assert.Empty(t, session.lastReply())
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(
		t,
		"Server with given ID does not exist or is not accessible to the bot.",
		(&GuildDoesNotExistError{}).Error(),
	)
	assert.Equal(
		t,
		"An error occurred while trying to track manually applied moderation actions.",
		(&StrikeTrackingError{}).Error(),
	)
	cause := errors.New("boom")
	err := &StrikeTrackingError{Message: "failed", Err: cause}
	assert.Equal(t, "failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "guild.guild_id: missing", (&ImproperlyConfiguredError{Setting: "guild.guild_id", Message: "missing"}).Error())
	assert.Equal(t, "missing", (&ImproperlyConfiguredError{Message: "missing"}).Error())
}
