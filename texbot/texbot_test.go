package texbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testGuildID       = "900000000000000001"
	testApplicationID = "900000000000000002"
	testBotUserID     = "900000000000000003"
	testOwnerID       = "900000000000000004"

	testCommitteeRoleID = "900000000000000101"
	testGuestRoleID     = "900000000000000102"
	testMemberRoleID    = "900000000000000103"
	testArchivistRoleID = "900000000000000104"

	testGeneralChannelID  = "900000000000000201"
	testRolesChannelID    = "900000000000000202"
	testWelcomeChannelID  = "900000000000000203"
	testCategoryID        = "900000000000000204"
	testArchivedChannelID = "900000000000000205"
	testPrivateChannelID  = "900000000000000206"

	testCommitteeUserID = "900000000000000301"
	testGuestUserID     = "900000000000000302"
	testNewUserID       = "900000000000000303"
	testMemberUserID    = "900000000000000304"
	testBotMemberID     = "900000000000000305"
	testUnknownUserID   = "900000000000000399"

	testBotMessageID   = "900000000000000501"
	testOtherMessageID = "900000000000000502"

	testWelcomeTemplate = "Welcome <User>! Grab some roles in <#roles>."
	testMembershipURL   = "https://example.com/membership"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type roleAdd struct {
	UserID string
	RoleID string
}

type permissionSet struct {
	ChannelID string
	TargetID  string
	Allow     int64
	Deny      int64
}

// mockDiscordSession implements DiscordSessionHandler, recording every
// call that would change something on discord. Errors set in failures
// are returned by the method with that name. ChannelMessageSend also
// checks "ChannelMessageSend:<channel ID>".
type mockDiscordSession struct {
	t     testing.TB
	state *discordgo.State

	mu sync.Mutex

	failures map[string]error

	messages        []sentMessage
	edits           []sentMessage
	channelMessages map[string]*discordgo.Message
	roleAdds        []roleAdd
	timeouts        map[string]time.Time
	kicks           []string
	permissions     []permissionSet
	responses       []*discordgo.InteractionResponse
	replies         []string
	registered      []*discordgo.ApplicationCommand
	handlers        []any
	customStatus    string
	messageSeq      int
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	state := discordgo.NewState()
	state.User = &discordgo.User{ID: testBotUserID, Username: "TeX-Bot", Bot: true}
	return &mockDiscordSession{
		t:               t,
		state:           state,
		failures:        map[string]error{},
		channelMessages: map[string]*discordgo.Message{},
		timeouts:        map[string]time.Time{},
	}
}

func (m *mockDiscordSession) fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *mockDiscordSession) failure(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[method]
}

// lastReply returns the content of the most recent response or
// response edit
func (m *mockDiscordSession) lastReply() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return ""
	}
	return m.replies[len(m.replies)-1]
}

func (m *mockDiscordSession) sentTo(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sent []string
	for _, msg := range m.messages {
		if msg.ChannelID == channelID {
			sent = append(sent, msg.Content)
		}
	}
	return sent
}

func (m *mockDiscordSession) getRoleAdds() []roleAdd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]roleAdd(nil), m.roleAdds...)
}

func (m *mockDiscordSession) Open() error {
	return m.failure("Open")
}

func (m *mockDiscordSession) Close() error {
	return m.failure("Close")
}

func (m *mockDiscordSession) State() *discordgo.State {
	return m.state
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.failure("ChannelMessageSend"); err != nil {
		return nil, err
	}
	if err := m.failure("ChannelMessageSend:" + channelID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageSeq++
	m.messages = append(m.messages, sentMessage{ChannelID: channelID, Content: message})
	return &discordgo.Message{
		ID:        fmt.Sprintf("9100000000%08d", m.messageSeq),
		ChannelID: channelID,
		Content:   message,
		Author:    m.state.User,
	}, nil
}

func (m *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.channelMessages[messageID]
	if !ok || msg.ChannelID != channelID {
		return nil, restError(http.StatusNotFound)
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.failure("ChannelMessageEdit"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, sentMessage{ChannelID: channelID, Content: content})
	msg := m.channelMessages[messageID]
	if msg != nil {
		msg.Content = content
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	_ discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	if err := m.failure("ChannelPermissionSet"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions = append(
		m.permissions,
		permissionSet{ChannelID: channelID, TargetID: targetID, Allow: allow, Deny: deny},
	)
	return nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if err := m.failure("UserChannelCreate"); err != nil {
		return nil, err
	}
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if err := m.failure("GuildMember"); err != nil {
		return nil, err
	}
	member, err := m.state.Member(guildID, userID)
	if err != nil {
		return nil, restError(http.StatusNotFound)
	}
	return member, nil
}

func (m *mockDiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	if err := m.failure("GuildMembers"); err != nil {
		return nil, err
	}
	guild, err := m.state.Guild(guildID)
	if err != nil {
		return nil, restError(http.StatusNotFound)
	}
	var members []*discordgo.Member
	for _, member := range guild.Members {
		if after != "" && member.User.ID <= after {
			continue
		}
		members = append(members, member)
		if len(members) == limit {
			break
		}
	}
	return members, nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	if err := m.failure("GuildMemberRoleAdd"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleAdds = append(m.roleAdds, roleAdd{UserID: userID, RoleID: roleID})
	if member, err := m.state.Member(guildID, userID); err == nil {
		member.Roles = append(member.Roles, roleID)
	}
	return nil
}

func (m *mockDiscordSession) GuildMemberTimeout(
	_ string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	if err := m.failure("GuildMemberTimeout"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[userID] = *until
	return nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	_ string,
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) error {
	if err := m.failure("GuildMemberDeleteWithReason"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicks = append(m.kicks, userID)
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	if err := m.failure("ApplicationCommandBulkOverwrite"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for i, cmd := range commands {
		registered := *cmd
		registered.ID = fmt.Sprintf("9200000000%08d", i+1)
		created = append(created, &registered)
	}
	m.registered = created
	return created, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	if err := m.failure("InteractionRespond"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	if resp.Data != nil && resp.Data.Content != "" {
		m.replies = append(m.replies, resp.Data.Content)
	}
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content := ""
	if newresp.Content != nil {
		content = *newresp.Content
	}
	m.replies = append(m.replies, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func restError(status int) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		},
	}
}

func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "texbot_test.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testApplicationID
	cfg.Discord.GuildID = testGuildID
	cfg.Guild.WelcomeMessages = []string{testWelcomeTemplate}
	cfg.Guild.RolesMessages = []string{"**Pick your roles!**", "React below for pronouns."}
	cfg.Guild.MembershipURL = testMembershipURL
	cfg.API.Secret = "test-secret"
	return cfg
}

func testMember(userID string, username string, roles ...string) *discordgo.Member {
	return &discordgo.Member{
		GuildID: testGuildID,
		User:    &discordgo.User{ID: userID, Username: username},
		Roles:   roles,
	}
}

// newTestGuild returns a guild with every role and channel the bot
// looks for, plus an archivable category and a private channel
func newTestGuild() *discordgo.Guild {
	textChannel := func(id, name string, position int) *discordgo.Channel {
		return &discordgo.Channel{
			ID:       id,
			GuildID:  testGuildID,
			Name:     name,
			Type:     discordgo.ChannelTypeGuildText,
			Position: position,
		}
	}
	archived := textChannel(testArchivedChannelID, "event-chat", 3)
	archived.ParentID = testCategoryID

	private := textChannel(testPrivateChannelID, "committee-chat", 4)
	private.PermissionOverwrites = []*discordgo.PermissionOverwrite{
		{
			ID:   testGuildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    testCommitteeRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel,
		},
	}

	botMember := testMember(testBotMemberID, "another-bot")
	botMember.User.Bot = true

	return &discordgo.Guild{
		ID:      testGuildID,
		Name:    "CSS",
		OwnerID: testOwnerID,
		Roles: []*discordgo.Role{
			{
				ID:          testGuildID,
				Name:        "@everyone",
				Permissions: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
			},
			{ID: testCommitteeRoleID, Name: DefaultCommitteeRoleName},
			{ID: testGuestRoleID, Name: DefaultGuestRoleName},
			{ID: testMemberRoleID, Name: DefaultMemberRoleName},
			{ID: testArchivistRoleID, Name: DefaultArchivistRoleName},
		},
		Channels: []*discordgo.Channel{
			textChannel(testGeneralChannelID, DefaultGeneralChannelName, 0),
			textChannel(testRolesChannelID, DefaultRolesChannelName, 1),
			textChannel(testWelcomeChannelID, DefaultWelcomeChannelName, 2),
			{
				ID:       testCategoryID,
				GuildID:  testGuildID,
				Name:     "Old Events",
				Type:     discordgo.ChannelTypeGuildCategory,
				Position: 5,
			},
			archived,
			private,
		},
		Members: []*discordgo.Member{
			testMember(testCommitteeUserID, "committee-user", testCommitteeRoleID, testGuestRoleID),
			testMember(testGuestUserID, "guest-user", testGuestRoleID),
			testMember(testNewUserID, "new-user"),
			testMember(testMemberUserID, "member-user", testMemberRoleID),
			botMember,
		},
	}
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "texbot_test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestBot returns a bot whose session is a mock already holding the
// test guild, with a migrated SQLite database.
func newTestBot(t testing.TB) (*TeXBot, *mockDiscordSession) {
	t.Helper()
	cfg := newTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession(t)
	require.NoError(t, session.state.GuildAdd(newTestGuild()))
	bot.discord.session = session

	bot.guildCache = NewGuildCache(testGuildID, session.state, cfg.Guild)
	guild, err := session.state.Guild(testGuildID)
	require.NoError(t, err)
	bot.guildCache.SetGuild(guild)

	db := setupTestDB(t)
	bot.db = db
	bot.writeDB = NewDatabase(db, bot.logger, false)
	return bot, session
}

// testGuild returns the guild held in the mock session's state, which
// tests can modify to simulate guild changes
func testGuild(t testing.TB, session *mockDiscordSession) *discordgo.Guild {
	t.Helper()
	guild, err := session.state.Guild(testGuildID)
	require.NoError(t, err)
	return guild
}

func renameRole(t testing.TB, session *mockDiscordSession, roleID string, name string) {
	t.Helper()
	role := roleByID(testGuild(t, session), roleID)
	require.NotNil(t, role)
	role.Name = name
}

func renameChannel(t testing.TB, session *mockDiscordSession, channelID string, name string) {
	t.Helper()
	channel := channelByID(testGuild(t, session), channelID)
	require.NotNil(t, channel)
	channel.Name = name
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func userOption(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func newInteraction(
	userID string,
	interactionType discordgo.InteractionType,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "930000000000000001",
			AppID:     testApplicationID,
			Type:      interactionType,
			GuildID:   testGuildID,
			ChannelID: testGeneralChannelID,
			Token:     "interaction-token",
			Member: &discordgo.Member{
				GuildID: testGuildID,
				User:    &discordgo.User{ID: userID, Username: "user-" + userID[len(userID)-3:]},
			},
			Data: data,
		},
	}
}

func newCommandInteraction(
	userID string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return newInteraction(
		userID,
		discordgo.InteractionApplicationCommand,
		discordgo.ApplicationCommandInteractionData{
			ID:          "940000000000000001",
			Name:        name,
			CommandType: discordgo.ChatApplicationCommand,
			Options:     options,
		},
	)
}

func newUserCommandInteraction(userID, name, targetID string) *discordgo.InteractionCreate {
	return newInteraction(
		userID,
		discordgo.InteractionApplicationCommand,
		discordgo.ApplicationCommandInteractionData{
			ID:          "940000000000000002",
			Name:        name,
			CommandType: discordgo.UserApplicationCommand,
			TargetID:    targetID,
		},
	)
}

// runInteraction dispatches i as if it had been received from the
// gateway
func runInteraction(
	t testing.TB,
	bot *TeXBot,
	session *mockDiscordSession,
	i *discordgo.InteractionCreate,
) {
	t.Helper()
	handler := GatewayHandler{
		session:     session,
		interaction: i,
		logger:      bot.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
	}
	bot.handleInteraction(context.Background(), handler)
}

func stubRandIntN(t testing.TB, n int) {
	t.Helper()
	orig := randIntN
	randIntN = func(int) int { return n }
	t.Cleanup(func() { randIntN = orig })
}

func stopRequested(bot *TeXBot) bool {
	select {
	case <-bot.signalStop:
		return true
	default:
		return false
	}
}

func TestNew(t *testing.T) {
	cfg := newTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, testGuildID, bot.GuildCache().GuildID())
	assert.NotNil(t, bot.api)
	assert.NotNil(t, bot.reminders)
	assert.Len(t, bot.cogs, len(defaultCogs(bot)))

	for _, name := range []string{
		"ping",
		"induct",
		"Induct User",
		"Silently Induct User",
		"ensure_members_inducted",
		"make_member",
		"write_roles",
		"edit_message",
		"remind_me",
		"archive",
		"strike",
	} {
		assert.Contains(t, bot.commands, name)
	}
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestNew_MissingConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Guild = nil
	_, err := New(cfg)
	var configErr *ImproperlyConfiguredError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "guild", configErr.Setting)

	cfg = newTestConfig(t)
	cfg.Discord = nil
	_, err = New(cfg)
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "discord", configErr.Setting)
}

func TestAddCog_DuplicateCommand(t *testing.T) {
	bot, _ := newTestBot(t)
	err := bot.AddCog(PingCog{BaseCog: BaseCog{bot: bot}})
	assert.ErrorContains(t, err, `duplicate command "ping"`)
}

func TestApplicationCommands_UniqueNames(t *testing.T) {
	bot, _ := newTestBot(t)
	seen := map[string]bool{}
	for _, cmd := range bot.ApplicationCommands() {
		assert.False(t, seen[cmd.Name], "duplicate command %s", cmd.Name)
		seen[cmd.Name] = true
	}
	assert.Len(t, seen, len(bot.commands))
}

func TestRegisterCommands(t *testing.T) {
	bot, session := newTestBot(t)

	created, err := bot.RegisterCommands()
	require.NoError(t, err)
	assert.Len(t, created, len(bot.commands))
	for _, cmd := range created {
		assert.NotEmpty(t, cmd.ID)
	}
	assert.Len(t, session.registered, len(bot.commands))
}

func TestStop(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.Stop()
	bot.Stop()
	assert.Len(t, bot.signalStop, 1)
	assert.True(t, stopRequested(bot))
	assert.False(t, stopRequested(bot))
}

func TestTriggerGuildCacheReload(t *testing.T) {
	bot, session := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- bot.runGuildCacheReloader(ctx)
	}()

	role, err := bot.guildCache.GuestRole()
	require.NoError(t, err)
	require.Equal(t, testGuestRoleID, role.ID)

	// the cached role is kept by ID, until the cache is reloaded
	renameRole(t, session, testGuestRoleID, "Old Guest")
	guild := testGuild(t, session)
	guild.Roles = append(guild.Roles, &discordgo.Role{ID: "900000000000000199", Name: DefaultGuestRoleName})

	role, err = bot.guildCache.GuestRole()
	require.NoError(t, err)
	assert.Equal(t, testGuestRoleID, role.ID)

	assert.True(t, bot.triggerGuildCacheReload(ctx))
	assert.Eventually(
		t,
		func() bool {
			r, e := bot.guildCache.GuestRole()
			return e == nil && r != nil && r.ID == "900000000000000199"
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cancel()
	select {
	case e := <-done:
		assert.NoError(t, e)
	case <-time.After(5 * time.Second):
		t.Fatal("reloader didn't stop")
	}
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	bot, session := newTestBot(t)
	runInteraction(t, bot, session, newCommandInteraction(testGuestUserID, "not_a_command"))
	assert.Equal(t, "Unknown command.", session.lastReply())
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	bot, session := newTestBot(t)
	i := newCommandInteraction(testBotMemberID, "ping")
	i.Member.User.Bot = true
	runInteraction(t, bot, session, i)
	assert.Empty(t, session.responses)
}

func TestHandleInteraction_LogsInteraction(t *testing.T) {
	bot, session := newTestBot(t)
	stubRandIntN(t, 0)

	runInteraction(t, bot, session, newCommandInteraction(testGuestUserID, "ping"))

	var logs []InteractionLog
	require.NoError(t, bot.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "ping", logs[0].Command)
	assert.Equal(t, testGuestUserID, logs[0].UserID)
	assert.Equal(t, testGuildID, logs[0].GuildID)
	assert.Empty(t, logs[0].Error)
	assert.NotEmpty(t, logs[0].Payload)
}

func TestHandleInteraction_UnhandledError(t *testing.T) {
	bot, session := newTestBot(t)
	require.NoError(
		t,
		bot.AddCog(
			testCog{
				name: "broken",
				commands: []*Command{
					{
						Definition: &discordgo.ApplicationCommand{Name: "broken"},
						Handler: func(context.Context, *CommandContext) error {
							return fmt.Errorf("something went wrong")
						},
					},
				},
			},
		),
	)

	runInteraction(t, bot, session, newCommandInteraction(testGuestUserID, "broken"))

	assert.Equal(t, ":warning:There was an error.:warning:", session.lastReply())

	var interactionLog InteractionLog
	require.NoError(t, bot.db.Where("command = ?", "broken").First(&interactionLog).Error)
	assert.Equal(t, "something went wrong", interactionLog.Error)
	assert.False(t, stopRequested(bot))
}

func TestHandleInteraction_RecoversPanic(t *testing.T) {
	bot, session := newTestBot(t)
	require.NoError(
		t,
		bot.AddCog(
			testCog{
				name: "panics",
				commands: []*Command{
					{
						Definition: &discordgo.ApplicationCommand{Name: "panics"},
						Handler: func(context.Context, *CommandContext) error {
							panic("oops")
						},
					},
				},
			},
		),
	)
	assert.NotPanics(
		t, func() {
			runInteraction(t, bot, session, newCommandInteraction(testGuestUserID, "panics"))
		},
	)
}

func TestHandleAutocomplete_UnknownCommand(t *testing.T) {
	bot, session := newTestBot(t)
	i := newInteraction(
		testGuestUserID,
		discordgo.InteractionApplicationCommandAutocomplete,
		discordgo.ApplicationCommandInteractionData{Name: "nope"},
	)
	runInteraction(t, bot, session, i)
	assert.Empty(t, session.responses)
}

func TestFetchMember(t *testing.T) {
	bot, session := newTestBot(t)

	m, err := bot.fetchMember(testGuestUserID)
	require.NoError(t, err)
	assert.Equal(t, testGuestUserID, m.User.ID)

	_, err = bot.fetchMember(testUnknownUserID)
	assert.ErrorIs(t, err, ErrNoGuildMember)

	session.fail("GuildMember", restError(http.StatusInternalServerError))
	_, err = bot.fetchMember(testUnknownUserID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoGuildMember)
}

func TestUserHasCommitteeRole(t *testing.T) {
	bot, session := newTestBot(t)

	ok, err := bot.userHasCommitteeRole(testCommitteeUserID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bot.userHasCommitteeRole(testGuestUserID)
	require.NoError(t, err)
	assert.False(t, ok)

	renameRole(t, session, testCommitteeRoleID, "Board")
	ok, err = bot.userHasCommitteeRole(testCommitteeUserID)
	require.NoError(t, err)
	assert.True(t, ok, "cached committee role should survive a rename")
}

func TestBotUserID(t *testing.T) {
	bot, session := newTestBot(t)
	assert.Equal(t, testBotUserID, bot.botUserID())

	session.state.User = nil
	assert.Empty(t, bot.botUserID())
}

func TestValidateConfig(t *testing.T) {
	bot, _ := newTestBot(t)
	require.NoError(t, bot.ValidateConfig())

	bot.config.Discord.GuildID = "not-a-snowflake"
	assert.Error(t, bot.ValidateConfig())
}

// testCog is a cog with arbitrary commands
type testCog struct {
	name     string
	commands []*Command
}

func (c testCog) Name() string {
	return c.name
}

func (c testCog) Commands() []*Command {
	return c.commands
}

func containsAll(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
