package pixie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIToken = "test-api-token"

// newTestAPI builds a Pixie with everything but the Discord gateway
// wired, returning the API whose gin engine can be driven directly.
func newTestAPI(t *testing.T) (*API, *Pixie) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.API.Token = testAPIToken
	// No origins are configured by default and cors.New rejects a
	// config with every origin disabled. Development mode gets the
	// wildcard origin.
	cfg.API.Development = true

	dbi := testDBI(t)
	logger := testLogger(t)

	p := &Pixie{
		config:                        cfg,
		db:                            dbi,
		logger:                        logger,
		triggerGuildSettingsRefreshCh: make(chan string, 1),
		signalStop:                    make(chan struct{}, 1),
	}
	p.discord = &Discord{}
	p.conversations = NewConversationStore(dbi, logger)
	p.permissions = NewPermissionResolver(dbi, logger)
	p.botLog = NewBotLogWriter(dbi, logger)
	p.ai = NewAIClient(dbi, p.conversations, nil, nil, p.botLog, cfg, logger)

	notifier, err := newDBNotifier(p)
	require.NoError(t, err)
	p.notifier = notifier

	api, err := newAPI(p, cfg.API)
	require.NoError(t, err)
	p.api = api
	return api, p
}

// apiRequest performs one request against the engine with the bearer
// token attached.
func apiRequest(
	t *testing.T,
	api *API,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestNewAPIRequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	_, err := newAPI(&Pixie{config: cfg}, cfg.API)
	require.Error(t, err)
}

func TestAPIHealthCheckIsPublic(t *testing.T) {
	api, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPIAuthMiddleware(t *testing.T) {
	api, _ := newTestAPI(t)

	testCases := []struct {
		name   string
		header string
		status int
	}{
		{
			name:   "missing header",
			header: "",
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong scheme",
			header: "Basic " + testAPIToken,
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong token",
			header: "Bearer nope",
			status: http.StatusUnauthorized,
		},
		{
			name:   "valid token",
			header: "Bearer " + testAPIToken,
			status: http.StatusOK,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathStatus, nil)
				if tc.header != "" {
					req.Header.Set("Authorization", tc.header)
				}
				w := httptest.NewRecorder()
				api.engine.ServeHTTP(w, req)
				assert.Equal(t, tc.status, w.Code)
			},
		)
	}
}

func TestAPIStatus(t *testing.T) {
	api, _ := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "connected", status["database"])
	assert.Equal(t, false, status["discord_connected"])
}

func TestAPIGetGuilds(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	guild := &Guild{DiscordID: "guild-1", Name: "Some Server"}
	_, err := p.db.Create(ctx, guild)
	require.NoError(t, err)
	_, err = p.db.Create(ctx, DefaultGuildSettings(guild.ID))
	require.NoError(t, err)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathGuilds, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var guilds []Guild
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &guilds))
	require.Len(t, guilds, 1)
	assert.Equal(t, "guild-1", guilds[0].DiscordID)
	require.NotNil(t, guilds[0].Settings)
	assert.Equal(t, DefaultOpenAIModel, guilds[0].Settings.AIModel)
}

func TestAPIGuildSettings(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	guild := &Guild{DiscordID: "guild-1", Name: "Some Server"}
	_, err := p.db.Create(ctx, guild)
	require.NoError(t, err)

	// Unknown guild is a 404.
	w := apiRequest(
		t, api, http.MethodGet, apiPrefix+"/guilds/no-such-guild/settings", nil,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Reading settings lazily creates the default row.
	w = apiRequest(
		t, api, http.MethodGet, apiPrefix+"/guilds/guild-1/settings", nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	var settings GuildSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, DefaultOpenAIModel, settings.AIModel)
}

func TestAPIUpdateGuildSettings(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	guild := &Guild{DiscordID: "guild-1"}
	_, err := p.db.Create(ctx, guild)
	require.NoError(t, err)

	w := apiRequest(
		t, api, http.MethodPatch, apiPrefix+"/guilds/guild-1/settings",
		map[string]any{
			"ai_provider":       "groq",
			"ai_model":          DefaultGroqModel,
			"max_tokens":        4096,
			"enable_web_search": false,
		},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated GuildSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "groq", updated.AIProvider)
	assert.Equal(t, DefaultGroqModel, updated.AIModel)
	assert.Equal(t, 4096, updated.MaxTokens)
	assert.False(t, updated.EnableWebSearch)

	// Untouched fields keep their values.
	assert.True(t, updated.AIEnabled)
	assert.Equal(t, DefaultMaxConversationLength, updated.MaxConversationLength)

	// The change is persisted and a refresh signal was sent.
	var row GuildSettings
	require.NoError(
		t,
		p.db.DB().Where("guild_id = ?", guild.ID).First(&row).Error,
	)
	assert.Equal(t, "groq", row.AIProvider)

	select {
	case guildID := <-p.triggerGuildSettingsRefreshCh:
		assert.Equal(t, "guild-1", guildID)
	default:
		t.Fatal("expected a settings refresh signal")
	}
}

func TestAPIUpdateGuildSettingsValidation(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	guild := &Guild{DiscordID: "guild-1"}
	_, err := p.db.Create(ctx, guild)
	require.NoError(t, err)

	// A provider outside the union is rejected by binding validation.
	w := apiRequest(
		t, api, http.MethodPatch, apiPrefix+"/guilds/guild-1/settings",
		map[string]any{"ai_provider": "anthropic"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A model from the wrong provider fails settings validation with
	// reasons in the body.
	w = apiRequest(
		t, api, http.MethodPatch, apiPrefix+"/guilds/guild-1/settings",
		map[string]any{"ai_model": DefaultGroqModel},
	)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "errors")

	// The stored row is unchanged.
	var row GuildSettings
	require.NoError(
		t,
		p.db.DB().Where("guild_id = ?", guild.ID).First(&row).Error,
	)
	assert.Equal(t, DefaultOpenAIModel, row.AIModel)
}

func TestAPIBanUser(t *testing.T) {
	api, p := newTestAPI(t)

	w := apiRequest(
		t, api, http.MethodPost, apiPrefix+"/users/user-1/ban",
		map[string]any{"reason": "spamming"},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var row User
	require.NoError(
		t,
		p.db.DB().Where("discord_id = ?", "user-1").First(&row).Error,
	)
	assert.True(t, row.IsBanned)
	assert.Equal(t, "spamming", row.BanReason)

	w = apiRequest(t, api, http.MethodDelete, apiPrefix+"/users/user-1/ban", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(
		t,
		p.db.DB().Where("discord_id = ?", "user-1").First(&row).Error,
	)
	assert.False(t, row.IsBanned)
	assert.Empty(t, row.BanReason)
}

func TestAPIBanGuild(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	guild := &Guild{DiscordID: "guild-1"}
	_, err := p.db.Create(ctx, guild)
	require.NoError(t, err)

	w := apiRequest(
		t, api, http.MethodPost, apiPrefix+"/guilds/guild-1/ban",
		map[string]any{"reason": "abuse"},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var row Guild
	require.NoError(
		t,
		p.db.DB().Where("discord_id = ?", "guild-1").First(&row).Error,
	)
	assert.True(t, row.IsBanned)

	w = apiRequest(t, api, http.MethodDelete, apiPrefix+"/guilds/guild-1/ban", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(
		t,
		p.db.DB().Where("discord_id = ?", "guild-1").First(&row).Error,
	)
	assert.False(t, row.IsBanned)
}

func TestAPIGetLogs(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.botLog.Record(ctx, "info", fmt.Sprintf("event %d", i), nil)
	}

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathLogs+"?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []BotLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "event 2", entries[0].Message)
}

func TestAPIPermissions(t *testing.T) {
	api, p := newTestAPI(t)
	ctx := context.Background()

	// User-scope grant creates the user on the fly.
	w := apiRequest(
		t, api, http.MethodPost, apiPrefix+apiPathGrant,
		map[string]any{
			"scope":      "user",
			"user_id":    "user-1",
			"permission": PermissionUseAI,
		},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	guild, err := p.GetOrCreateGuild(ctx, "guild-1")
	require.NoError(t, err)
	user := p.db.ReloadUser("user-1")
	require.NotNil(t, user)
	member := &GuildMember{UserID: user.ID, GuildID: guild.ID}
	_, err = p.db.Create(ctx, member)
	require.NoError(t, err)

	assert.True(
		t,
		p.permissions.HasPermission(
			ctx,
			DiscordRef("user-1"),
			DiscordRef("guild-1"),
			PermissionUseAI,
		),
	)

	// Revoking takes it away again.
	w = apiRequest(
		t, api, http.MethodPost, apiPrefix+apiPathRevoke,
		map[string]any{
			"scope":      "user",
			"user_id":    "user-1",
			"permission": PermissionUseAI,
		},
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(
		t,
		p.permissions.HasPermission(
			ctx,
			DiscordRef("user-1"),
			DiscordRef("guild-1"),
			PermissionUseAI,
		),
	)

	// Member scope requires an existing membership.
	w = apiRequest(
		t, api, http.MethodPost, apiPrefix+apiPathGrant,
		map[string]any{
			"scope":      "guild_member",
			"user_id":    "user-1",
			"guild_id":   "guild-1",
			"permission": PermissionManageAI,
		},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = apiRequest(
		t, api, http.MethodPost, apiPrefix+apiPathGrant,
		map[string]any{
			"scope":      "guild_member",
			"user_id":    "stranger",
			"guild_id":   "guild-1",
			"permission": PermissionManageAI,
		},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// An unknown scope fails binding validation.
	w = apiRequest(
		t, api, http.MethodPost, apiPrefix+apiPathGrant,
		map[string]any{
			"scope":      "galaxy",
			"permission": PermissionUseAI,
		},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIQuit(t *testing.T) {
	api, p := newTestAPI(t)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-p.signalStop:
		//
	default:
		t.Fatal("expected a stop signal")
	}
}
