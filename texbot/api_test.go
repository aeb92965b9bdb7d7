package texbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestAPIBot(t *testing.T) (*TeXBot, *mockDiscordSession) {
	t.Helper()
	bot, session := newTestBot(t)
	bot.api.writeLimiter.SetLimit(rate.Inf)
	return bot, session
}

func apiRequest(
	t *testing.T,
	bot *TeXBot,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	return apiRequestWithToken(t, bot, method, path, body, bot.config.API.Secret)
}

func apiRequestWithToken(
	t *testing.T,
	bot *TeXBot,
	method string,
	path string,
	body any,
	token string,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", bearerPrefix+token)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, _ := newTestAPIBot(t)

	w := apiRequestWithToken(t, bot, http.MethodGet, apiHealthCheck, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse[healthCheckResponse](t, w)
	assert.False(t, resp.DiscordGatewayConnected)
	assert.True(t, resp.GuildAvailable)
	assert.Equal(t, Version, resp.Version)

	_, err := uuid.Parse(w.Header().Get(xRequestIDHeader))
	assert.NoError(t, err)
	assert.Equal(t, 1, bot.api.requestCount(http.MethodGet, apiHealthCheck))
}

func TestAPI_MetricsCountsRoutes(t *testing.T) {
	bot, _ := newTestAPIBot(t)

	for i := 0; i < 20; i++ {
		w := apiRequestWithToken(t, bot, http.MethodGet, fmt.Sprintf("/nope/%d", i), nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	for _, id := range []string{testGuestUserID, testNewUserID} {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+"/strikes/"+id, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	bot.discord.metricConnects.Add(2)
	bot.discord.metricDisconnects.Add(1)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathMetrics, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse[metricsResponse](t, w)
	assert.Equal(
		t,
		map[string]int{
			http.MethodGet + " " + apiPrefix + apiPathMemberStrikes: 2,
			http.MethodGet + " " + apiPrefix + apiPathMetrics:       1,
		},
		resp.Requests,
	)
	assert.EqualValues(t, 2, resp.DiscordConnects)
	assert.EqualValues(t, 1, resp.DiscordDisconnects)

	w = apiRequestWithToken(t, bot, http.MethodGet, apiPrefix+apiPathMetrics, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Unauthorized(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	path := apiPrefix + apiPathGuildCache

	for _, token := range []string{"", "wrong-secret", "test-secret-but-longer"} {
		w := apiRequestWithToken(t, bot, http.MethodGet, path, nil, token)
		assert.Equal(t, http.StatusUnauthorized, w.Code, token)
	}

	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic "+bot.config.API.Secret)
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, bot, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_EmptySecretRejectsEverything(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.API.Secret = ""
	bot, err := New(cfg)
	require.NoError(t, err)

	w := apiRequestWithToken(t, bot, http.MethodGet, apiPrefix+apiPathGuildCache, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_GuildCache(t *testing.T) {
	bot, session := newTestAPIBot(t)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathGuildCache, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeResponse[GuildCacheStatus](t, w)
	assert.True(t, status.Available)
	assert.Equal(t, "CSS", status.GuildName)
	require.NotNil(t, status.Roles["committee"])
	assert.Equal(t, testCommitteeRoleID, status.Roles["committee"].ID)
	require.NotNil(t, status.Channels["roles"])
	assert.Equal(t, testRolesChannelID, status.Channels["roles"].ID)

	require.NoError(t, session.state.GuildRemove(testGuild(t, session)))
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathGuildCache, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status = decodeResponse[GuildCacheStatus](t, w)
	assert.False(t, status.Available)
	assert.Equal(t, testGuildID, status.GuildID)
}

func TestAPI_ReloadGuildCache(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	path := apiPrefix + apiPathReloadGuildCache

	w := apiRequest(t, bot, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	notifier, err := newDBNotifier(bot)
	require.NoError(t, err)
	bot.dbNotifier = notifier

	w = apiRequest(t, bot, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-bot.guildCacheReloadCh:
	default:
		t.Fatal("expected guild cache reload")
	}
}

func TestAPI_Reminders(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	ctx := context.Background()
	for _, r := range []*DiscordReminder{
		{UserID: testGuestUserID, ChannelID: testGeneralChannelID, Message: "a", SendAt: 1},
		{UserID: testGuestUserID, ChannelID: testGeneralChannelID, Message: "b", SendAt: 2, Sent: true},
		{UserID: testNewUserID, ChannelID: testGeneralChannelID, Message: "c", SendAt: 3},
	} {
		_, err := bot.writeDB.Create(ctx, r)
		require.NoError(t, err)
	}

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeResponse[[]DiscordReminder](t, w), 3)

	w = apiRequest(
		t, bot, http.MethodGet,
		fmt.Sprintf("%s%s?user_id=%s&pending=true", apiPrefix, apiPathReminders, testGuestUserID),
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	reminders := decodeResponse[[]DiscordReminder](t, w)
	require.Len(t, reminders, 1)
	assert.Equal(t, "a", reminders[0].Message)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders+"?order=desc&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reminders = decodeResponse[[]DiscordReminder](t, w)
	require.Len(t, reminders, 1)
	assert.Equal(t, "c", reminders[0].Message)

	for _, query := range []string{"?limit=500", "?order=sideways", "?user_id=abc"} {
		w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders+query, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestAPI_RemindersOrderedBySendTime(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	now := time.Now()
	for _, r := range []*DiscordReminder{
		{UserID: testGuestUserID, ChannelID: testGeneralChannelID, Message: "later", SendAt: now.Add(2 * time.Hour).UnixMilli()},
		{UserID: testGuestUserID, ChannelID: testGeneralChannelID, Message: "sooner", SendAt: now.Add(time.Hour).UnixMilli()},
		{UserID: testNewUserID, ChannelID: testGeneralChannelID, Message: "tied", SendAt: now.Add(time.Hour).UnixMilli()},
	} {
		_, err := bot.writeDB.Create(context.Background(), r)
		require.NoError(t, err)
	}

	messages := func(query string) []string {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders+query, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var got []string
		for _, r := range decodeResponse[[]DiscordReminder](t, w) {
			got = append(got, r.Message)
		}
		return got
	}
	assert.Equal(t, []string{"sooner", "tied", "later"}, messages(""))
	assert.Equal(t, []string{"later", "tied", "sooner"}, messages("?order=desc"))
}

func TestAPI_DeleteReminder(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	r := &DiscordReminder{UserID: testGuestUserID, ChannelID: testGeneralChannelID, SendAt: 1}
	_, err := bot.writeDB.Create(context.Background(), r)
	require.NoError(t, err)
	path := fmt.Sprintf("%s/reminders/%d", apiPrefix, r.ID)

	w := apiRequest(t, bot, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, apiPrefix+"/reminders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Strikes(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := addStrike(ctx, bot.writeDB, testGuestUserID)
		require.NoError(t, err)
	}
	memberPath := apiPrefix + "/strikes/" + testGuestUserID

	w := apiRequest(t, bot, http.MethodGet, memberPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(
		t,
		memberStrikesResponse{UserID: testGuestUserID, Strikes: 2},
		decodeResponse[memberStrikesResponse](t, w),
	)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathStrikes, nil)
	require.Equal(t, http.StatusOK, w.Code)
	strikes := decodeResponse[[]DiscordMemberStrikes](t, w)
	require.Len(t, strikes, 1)
	assert.Equal(t, hashID(testGuestUserID), strikes[0].HashedMemberID)

	w = apiRequest(t, bot, http.MethodDelete, memberPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = apiRequest(t, bot, http.MethodDelete, memberPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, bot, http.MethodGet, memberPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decodeResponse[memberStrikesResponse](t, w).Strikes)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/strikes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(t, bot, http.MethodDelete, apiPrefix+"/strikes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_GroupMembers(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	path := apiPrefix + apiPathGroupMembers

	w := apiRequest(
		t, bot, http.MethodPost, path,
		map[string]any{"ids": []string{"1234567", "7654321", "1234567"}},
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(
		t,
		importGroupMembersResponse{Received: 3, Added: 2},
		decodeResponse[importGroupMembersResponse](t, w),
	)

	require.NoError(t, claimGroupMember(context.Background(), bot.writeDB, "1234567", testGuestUserID, 1))

	w = apiRequest(t, bot, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, groupMembersResponse{Total: 2, Claimed: 1}, decodeResponse[groupMembersResponse](t, w))
}

func TestAPI_GroupMembers_Invalid(t *testing.T) {
	bot, _ := newTestAPIBot(t)
	path := apiPrefix + apiPathGroupMembers

	testCases := []struct {
		name     string
		payload  any
		expected string
	}{
		{"empty", importGroupMembersPayload{GroupMemberIDs: []string{}}, "invalid payload"},
		{"missing", map[string]any{}, "invalid payload"},
		{"not numeric", importGroupMembersPayload{GroupMemberIDs: []string{"abcdefg"}}, "invalid payload"},
		{"wrong length", importGroupMembersPayload{GroupMemberIDs: []string{"12345"}}, "group member IDs must be 7 digits"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := apiRequest(t, bot, http.MethodPost, path, tc.payload)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Equal(t, tc.expected, decodeResponse[httpError](t, w).Error)
			},
		)
	}

	var count int64
	require.NoError(t, bot.db.Model(&GroupMadeMember{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot, session := newTestAPIBot(t)
	path := apiPrefix + apiPathRegisterCommands

	w := apiRequest(t, bot, http.MethodPost, path, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeResponse[[]*discordgo.ApplicationCommand](t, w)
	assert.Len(t, created, len(bot.ApplicationCommands()))
	assert.Len(t, session.registered, len(created))

	session.fail("ApplicationCommandBulkOverwrite", errors.New("unauthorized"))
	w = apiRequest(t, bot, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPI_Quit(t *testing.T) {
	bot, _ := newTestAPIBot(t)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quitting", decodeResponse[httpReply](t, w).Message)
	assert.True(t, stopRequested(bot))

	notifier, err := newDBNotifier(bot)
	require.NoError(t, err)
	bot.dbNotifier = notifier
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, stopRequested(bot))
}

func TestAPI_WriteRateLimit(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.api.writeLimiter.SetLimit(rate.Limit(0.001))
	path := apiPrefix + apiPathReloadGuildCache

	w := apiRequest(t, bot, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = apiRequest(t, bot, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// reads aren't limited
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathGuildCache, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_AddrNotListening(t *testing.T) {
	bot, _ := newTestBot(t)
	_, err := bot.api.Addr()
	assert.ErrorIs(t, err, errAPINotListening)
}
